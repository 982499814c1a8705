package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/explorer-service/internal/delivery/http/handler"
	"github.com/user/explorer-service/internal/delivery/http/middleware"
)

func New(h *handler.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.HandleHealthCheck)
	mux.HandleFunc("POST /api/runs", h.HandleStartRun)
	mux.HandleFunc("POST /api/runs/pause", h.HandlePause)
	mux.HandleFunc("POST /api/runs/resume", h.HandleResume)
	mux.HandleFunc("POST /api/runs/stop", h.HandleStop)
	mux.HandleFunc("GET /api/runs/progress", h.HandleProgress)
	mux.HandleFunc("GET /api/runs/summary", h.HandleSummary)
	mux.HandleFunc("GET /api/runs/events", h.HandleEvents)
	mux.HandleFunc("GET /api/checkpoints/{session_id}", h.HandleGetCheckpoint)
	mux.HandleFunc("GET /api/sessions/{session_id}/pages", h.HandleGetPages)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Apply middlewares
	var chainedHandler http.Handler = mux
	chainedHandler = middleware.Metrics(chainedHandler)
	chainedHandler = middleware.Logging(chainedHandler)

	return chainedHandler
}
