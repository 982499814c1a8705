package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	ServerPort string
	LogLevel   string

	// DevToolsURL is the WebSocket debugger endpoint of the remote browser,
	// e.g. ws://localhost:9222/devtools/page/<target-id>.
	DevToolsURL string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	ReadinessTimeout  time.Duration
	StepTimeout       time.Duration
	StepDelay         time.Duration
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	MaxReconnects     int

	TraversalMode       string
	MaxDepth            int
	MaxPages            int
	PriorityKeywords    []string
	ExcludePatterns     []string
	SimilarityThreshold float64
	CheckpointEvery     int
	CheckpointTTL       time.Duration
	ScreenshotDir       string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DevToolsURL:      getEnv("DEVTOOLS_URL", "ws://localhost:9222/devtools/browser"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "user"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresDB:       getEnv("POSTGRES_DB", "explorer"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvAsInt("REDIS_DB", 0),

		ConnectTimeout:    getEnvAsDuration("CONNECT_TIMEOUT_SECONDS", 15) * time.Second,
		CommandTimeout:    getEnvAsDuration("COMMAND_TIMEOUT_SECONDS", 30) * time.Second,
		ReadinessTimeout:  getEnvAsDuration("READINESS_TIMEOUT_SECONDS", 30) * time.Second,
		StepTimeout:       getEnvAsDuration("STEP_TIMEOUT_SECONDS", 90) * time.Second,
		StepDelay:         time.Duration(getEnvAsInt("STEP_DELAY_MS", 500)) * time.Millisecond,
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL_SECONDS", 15) * time.Second,
		ReconnectBase:     time.Duration(getEnvAsInt("RECONNECT_BASE_MS", 2000)) * time.Millisecond,
		MaxReconnects:     getEnvAsInt("MAX_RECONNECTS", 3),

		TraversalMode:       getEnv("TRAVERSAL_MODE", "importance-first"),
		MaxDepth:            getEnvAsInt("MAX_DEPTH", 3),
		MaxPages:            getEnvAsInt("MAX_PAGES", 100),
		PriorityKeywords:    getEnvAsList("PRIORITY_KEYWORDS", "admin,settings,config,account,dashboard"),
		ExcludePatterns:     getEnvAsList("EXCLUDE_PATTERNS", ""),
		SimilarityThreshold: getEnvAsFloat("SIMILARITY_THRESHOLD", 0.9),
		CheckpointEvery:     getEnvAsInt("CHECKPOINT_EVERY_STEPS", 10),
		CheckpointTTL:       getEnvAsDuration("CHECKPOINT_TTL_HOURS", 48) * time.Hour,
		ScreenshotDir:       getEnv("SCREENSHOT_DIR", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback))
}

func getEnvAsList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
