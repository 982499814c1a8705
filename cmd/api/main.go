package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/user/explorer-service/internal/adapter/cdpanalyzer"
	"github.com/user/explorer-service/internal/adapter/memory"
	"github.com/user/explorer-service/internal/adapter/postgres"
	redis_adapter "github.com/user/explorer-service/internal/adapter/redis"
	"github.com/user/explorer-service/internal/delivery/http/handler"
	"github.com/user/explorer-service/internal/delivery/http/router"
	"github.com/user/explorer-service/internal/engine"
	"github.com/user/explorer-service/internal/readiness"
	"github.com/user/explorer-service/internal/repository"
	"github.com/user/explorer-service/internal/transport"
	"github.com/user/explorer-service/pkg/config"
	"github.com/user/explorer-service/pkg/logger"
	"github.com/user/explorer-service/pkg/metrics"
)

func main() {
	// --- Configuration ---
	cfg := config.Load()

	// --- Logger ---
	logLevel := logger.ParseLevel(cfg.LogLevel)
	logger.Init(os.Stdout, logLevel)
	slog.Info("Logger initialized", "level", logLevel.String())

	// --- Metrics ---
	metrics.Init()
	slog.Info("Metrics initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	// Postgres and Redis are optional: without them records and checkpoints
	// live in process memory only.
	var records repository.PageRecordRepository
	pgConnString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB)
	dbpool, err := pgxpool.New(ctx, pgConnString)
	if err == nil {
		err = dbpool.Ping(ctx)
	}
	if err != nil {
		slog.Warn("PostgreSQL unavailable, keeping page records in memory", "error", err)
		records = memory.NewPageRecordRepo()
	} else {
		defer dbpool.Close()
		records = postgres.NewPageRecordRepo(dbpool)
		slog.Info("PostgreSQL connection pool established")
	}

	var checkpoints repository.CheckpointRepository
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		slog.Warn("Redis unavailable, keeping checkpoints in memory", "error", err)
		checkpoints = memory.NewCheckpointRepo()
	} else {
		checkpoints = redis_adapter.NewCheckpointRepo(rdb, cfg.CheckpointTTL)
		slog.Info("Redis connection established")
	}

	// --- Browser session ---
	session := transport.NewSession(transport.Config{
		URL:               cfg.DevToolsURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		MaxReconnects:     cfg.MaxReconnects,
	})
	if err := session.Connect(ctx); err != nil {
		slog.Error("Unable to connect to remote browser", "url", cfg.DevToolsURL, "error", err)
		os.Exit(1)
	}
	defer session.Disconnect()
	slog.Info("Browser session established", "url", cfg.DevToolsURL)

	detector := readiness.NewDetector(session, readiness.Config{})
	if err := detector.Start(ctx); err != nil {
		slog.Error("Unable to start readiness detector", "error", err)
		os.Exit(1)
	}

	// --- Engine ---
	analyzer := cdpanalyzer.NewAnalyzerRepo(session)
	executor := engine.NewExecutor(session, detector, analyzer, engine.ExecutorConfig{
		ReadinessTimeout: cfg.ReadinessTimeout,
		ScreenshotDir:    cfg.ScreenshotDir,
	})
	eng := engine.NewEngine(executor, session, checkpoints, records, engine.Config{
		StepTimeout:     cfg.StepTimeout,
		StepDelay:       cfg.StepDelay,
		CheckpointEvery: cfg.CheckpointEvery,
	})

	// --- HTTP Server ---
	apiHandler := handler.NewHandler(ctx, eng, cfg, checkpoints, records)
	httpRouter := router.New(apiHandler)

	// No WriteTimeout: the event stream endpoint holds its response open.
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     httpRouter,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
