package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/user/explorer-service/internal/delivery/http/request"
	"github.com/user/explorer-service/internal/delivery/http/response"
	"github.com/user/explorer-service/internal/engine"
	"github.com/user/explorer-service/internal/entity"
	"github.com/user/explorer-service/internal/repository"
	"github.com/user/explorer-service/pkg/config"
)

type Handler struct {
	engine      *engine.Engine
	cfg         *config.Config
	checkpoints repository.CheckpointRepository
	records     repository.PageRecordRepository

	// runCtx outlives individual requests; runs launched over HTTP are
	// cancelled only on server shutdown.
	runCtx context.Context
}

func NewHandler(runCtx context.Context, eng *engine.Engine, cfg *config.Config, checkpoints repository.CheckpointRepository, records repository.PageRecordRepository) *Handler {
	return &Handler{
		engine:      eng,
		cfg:         cfg,
		checkpoints: checkpoints,
		records:     records,
		runCtx:      runCtx,
	}
}

func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req request.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	parsed, err := url.ParseRequestURI(req.EntryURL)
	if err != nil || parsed.Hostname() == "" {
		h.writeJSONError(w, "Invalid entry_url", http.StatusBadRequest)
		return
	}

	opts := entity.RunOptions{
		Mode:                entity.TraversalMode(req.Mode),
		MaxDepth:            req.MaxDepth,
		MaxPages:            req.MaxPages,
		PriorityKeywords:    req.PriorityKeywords,
		ExcludePatterns:     req.ExcludePatterns,
		SimilarityThreshold: req.SimilarityThreshold,
		ResumeSessionID:     req.ResumeSessionID,
	}
	switch opts.Mode {
	case "":
		// Fields omitted from the request fall back to the service
		// configuration.
		switch m := entity.TraversalMode(h.cfg.TraversalMode); m {
		case entity.BreadthFirst, entity.DepthFirst, entity.ImportanceFirst:
			opts.Mode = m
		default:
			opts.Mode = entity.ImportanceFirst
		}
	case entity.BreadthFirst, entity.DepthFirst, entity.ImportanceFirst:
	default:
		h.writeJSONError(w, fmt.Sprintf("Unknown traversal mode %q", req.Mode), http.StatusBadRequest)
		return
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = h.cfg.MaxDepth
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = h.cfg.MaxPages
	}
	if len(opts.PriorityKeywords) == 0 {
		opts.PriorityKeywords = h.cfg.PriorityKeywords
	}
	if len(opts.ExcludePatterns) == 0 {
		opts.ExcludePatterns = h.cfg.ExcludePatterns
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = h.cfg.SimilarityThreshold
	}

	sessionID, err := h.engine.Start(h.runCtx, req.EntryURL, opts)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			h.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("Failed to start run", "entry_url", req.EntryURL, "error", err)
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := response.StartRunResponse{
		Status:    "accepted",
		Message:   "Exploration run started",
		SessionID: sessionID,
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(); err != nil {
		h.writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(); err != nil {
		h.writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Stop(); err != nil {
		h.writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	p := h.engine.Progress()
	resp := response.ProgressResponse{
		State:                string(p.State),
		Explored:             p.Explored,
		Pending:              p.Pending,
		Errors:               p.Errors,
		ElapsedMs:            p.Elapsed.Milliseconds(),
		EstimatedRemainingMs: p.EstimatedRemaining.Milliseconds(),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary := h.engine.LastSummary()
	if summary == nil {
		h.writeJSONError(w, "No finished run yet", http.StatusNotFound)
		return
	}

	resp := response.SummaryResponse{
		SessionID: summary.SessionID,
		EntryURL:  summary.EntryURL,
		State:     string(summary.State),
		Status:    summary.Status,
		Explored:  summary.Explored,
		StartedAt: summary.StartedAt,
		EndedAt:   summary.EndedAt,
	}
	for _, se := range summary.Errors {
		resp.Errors = append(resp.Errors, response.StepErrorResponse{URL: se.URL, Reason: se.Reason, At: se.At})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		h.writeJSONError(w, "session_id path parameter is required", http.StatusBadRequest)
		return
	}

	cp, err := h.checkpoints.Find(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load checkpoint", "session_id", sessionID, "error", err)
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if cp == nil {
		h.writeJSONError(w, "Checkpoint not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, cp)
}

func (h *Handler) HandleGetPages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		h.writeJSONError(w, "session_id path parameter is required", http.StatusBadRequest)
		return
	}

	records, err := h.records.FindBySession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load page records", "session_id", sessionID, "error", err)
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*entity.PageRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// HandleEvents streams engine events as server-sent events until the client
// disconnects.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSONError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.engine.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
