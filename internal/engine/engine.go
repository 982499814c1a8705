// Package engine drives the exploration run: it pulls work from the
// frontier, performs one step at a time through the executor, feeds
// discoveries back, persists checkpoints, and exposes pause/resume/stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/explorer-service/internal/entity"
	"github.com/user/explorer-service/internal/frontier"
	"github.com/user/explorer-service/internal/repository"
	"github.com/user/explorer-service/pkg/metrics"
)

// StepExecutor performs one exploration step.
type StepExecutor interface {
	PerformStep(ctx context.Context, item entity.FrontierItem) *entity.StepResult
}

// ChannelState reports whether the control channel is terminally dead.
type ChannelState interface {
	Terminal() bool
}

// Config holds the engine loop settings.
type Config struct {
	// StepTimeout wraps everything one step does, so a stuck step cannot
	// stall the run indefinitely.
	StepTimeout time.Duration
	// StepDelay is the fixed pause between steps.
	StepDelay time.Duration
	// CheckpointEvery persists progress after this many steps.
	CheckpointEvery int
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 90 * time.Second
	}
	if c.StepDelay < 0 {
		c.StepDelay = 0
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	return c
}

var ErrAlreadyRunning = errors.New("a run is already in progress")

// Engine is the orchestrator. One run at a time; the loop itself is a single
// goroutine and the frontier is owned exclusively by it.
type Engine struct {
	executor    StepExecutor
	channel     ChannelState
	checkpoints repository.CheckpointRepository
	records     repository.PageRecordRepository
	cfg         Config

	mu            sync.Mutex
	state         entity.RunState
	stopRequested bool
	sessionID     string
	entryURL      string
	startedAt     time.Time
	explored      int
	pending       int
	errors        []entity.StepError
	stepTime      time.Duration
	steps         int
	lastSummary   *entity.RunSummary
	subs          map[chan entity.Event]struct{}
}

// NewEngine wires the engine. records and checkpoints may be no-op
// implementations but must not be nil.
func NewEngine(executor StepExecutor, channel ChannelState, checkpoints repository.CheckpointRepository, records repository.PageRecordRepository, cfg Config) *Engine {
	return &Engine{
		executor:    executor,
		channel:     channel,
		checkpoints: checkpoints,
		records:     records,
		cfg:         cfg.withDefaults(),
		state:       entity.RunIdle,
		subs:        make(map[chan entity.Event]struct{}),
	}
}

// Run explores from entryURL until the frontier is exhausted, a budget is
// hit, the channel dies, or the run is stopped. It blocks for the whole run.
// A run ended by Stop or context cancellation still returns its summary,
// together with repository.ErrRunStopped.
func (e *Engine) Run(ctx context.Context, entryURL string, opts entity.RunOptions) (*entity.RunSummary, error) {
	fr, err := frontier.New(entryURL, opts)
	if err != nil {
		return nil, fmt.Errorf("build frontier: %w", err)
	}
	if _, err := e.begin(entryURL); err != nil {
		return nil, err
	}
	return e.run(ctx, entryURL, opts, fr)
}

// Start validates the options, claims the run slot, launches the run on its
// own goroutine and returns the session id immediately. On resume the id may
// be superseded by the checkpoint's; SessionID reports the current one.
func (e *Engine) Start(ctx context.Context, entryURL string, opts entity.RunOptions) (string, error) {
	fr, err := frontier.New(entryURL, opts)
	if err != nil {
		return "", fmt.Errorf("build frontier: %w", err)
	}
	sessionID, err := e.begin(entryURL)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := e.run(ctx, entryURL, opts, fr); err != nil && !errors.Is(err, repository.ErrRunStopped) {
			slog.Error("Run aborted", "entry_url", entryURL, "error", err)
		}
	}()
	return sessionID, nil
}

// begin claims the single run slot and resets per-run state.
func (e *Engine) begin(entryURL string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == entity.RunRunning || e.state == entity.RunPaused {
		return "", ErrAlreadyRunning
	}
	e.state = entity.RunRunning
	e.stopRequested = false
	e.sessionID = uuid.NewString()
	e.entryURL = entryURL
	e.startedAt = time.Now()
	e.explored = 0
	e.pending = 0
	e.errors = nil
	e.stepTime = 0
	e.steps = 0
	return e.sessionID, nil
}

func (e *Engine) run(ctx context.Context, entryURL string, opts entity.RunOptions, fr *frontier.Frontier) (*entity.RunSummary, error) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()

	if opts.ResumeSessionID != "" {
		cp, err := e.checkpoints.Find(ctx, opts.ResumeSessionID)
		if err != nil {
			slog.Warn("Checkpoint lookup failed, starting fresh", "session_id", opts.ResumeSessionID, "error", err)
		}
		if cp != nil {
			fr.Restore(cp)
			e.mu.Lock()
			e.sessionID = cp.SessionID
			e.explored = cp.Explored
			e.errors = cp.Errors
			sessionID = e.sessionID
			e.mu.Unlock()
			slog.Info("Resumed from checkpoint", "session_id", cp.SessionID, "queued", fr.QueuedCount())
		}
	}
	if fr.QueuedCount() == 0 {
		if err := fr.Seed(); err != nil {
			e.setState(entity.RunIdle)
			return nil, err
		}
	}

	slog.Info("Exploration started", "session_id", sessionID, "entry_url", entryURL,
		"mode", opts.Mode, "max_depth", opts.MaxDepth, "max_pages", opts.MaxPages)

	final := e.loop(ctx, fr)
	summary := e.finish(fr, final)
	if final == entity.RunStopped {
		return summary, fmt.Errorf("run %s: %w", sessionID, repository.ErrRunStopped)
	}
	return summary, nil
}

func (e *Engine) loop(ctx context.Context, fr *frontier.Frontier) entity.RunState {
	for {
		if err := e.waitWhilePaused(ctx); err != nil {
			return entity.RunStopped
		}
		if e.stopWanted() {
			return entity.RunStopped
		}
		if e.channel != nil && e.channel.Terminal() {
			slog.Error("Control channel is terminally dead, failing the run")
			return entity.RunFailed
		}

		item, ok := fr.GetNext()
		if !ok {
			return entity.RunCompleted
		}
		e.setPending(fr.QueuedCount())
		e.publish(entity.Event{Type: entity.EventPageStarted, URL: item.URL, At: time.Now()})

		stepStart := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		res := e.executor.PerformStep(stepCtx, item)
		cancel()
		elapsed := time.Since(stepStart)
		if metrics.StepDuration != nil {
			metrics.StepDuration.Observe(elapsed.Seconds())
		}

		if res.OK {
			e.ingest(ctx, fr, item, res)
		} else {
			e.recordFailure(item, res)
		}

		e.mu.Lock()
		e.steps++
		e.stepTime += elapsed
		steps := e.steps
		e.mu.Unlock()

		if steps%e.cfg.CheckpointEvery == 0 {
			e.saveCheckpoint(ctx, fr)
		}

		select {
		case <-time.After(e.cfg.StepDelay):
		case <-ctx.Done():
			return entity.RunStopped
		}
	}
}

// ingest feeds a successful step back into the frontier: fingerprint-level
// duplicate pages contribute zero new items even when their elements look new.
func (e *Engine) ingest(ctx context.Context, fr *frontier.Frontier, item entity.FrontierItem, res *entity.StepResult) {
	duplicate, similarity := fr.IsNearDuplicate(res.Fingerprint)
	if duplicate {
		slog.Info("Near-duplicate page, skipping its children",
			"url", res.URL, "similarity", similarity)
		if metrics.StepsTotal != nil {
			metrics.StepsTotal.WithLabelValues("duplicate").Inc()
		}
	} else {
		fr.RecordFingerprint(res.Fingerprint)
		items := fr.BuildQueueItems(res.Analysis.Elements, res.URL, item.Depth)
		admitted := fr.AddToQueue(items)
		slog.Debug("Discoveries ingested", "url", res.URL, "candidates", len(items), "admitted", admitted)
		if metrics.StepsTotal != nil {
			metrics.StepsTotal.WithLabelValues("success").Inc()
		}
	}

	record := &entity.PageRecord{
		SessionID:     e.SessionID(),
		URL:           res.URL,
		Title:         res.Title,
		Fingerprint:   res.Fingerprint,
		Elements:      res.Analysis.Elements,
		Forms:         res.Analysis.Forms,
		ScreenshotRef: res.ScreenshotRef,
		CapturedAt:    time.Now(),
	}
	if err := e.records.Save(ctx, record); err != nil {
		slog.Warn("Failed to persist page record", "url", res.URL, "error", err)
	}

	e.mu.Lock()
	e.explored++
	e.pending = fr.QueuedCount()
	e.mu.Unlock()
	if metrics.PagesExplored != nil {
		metrics.PagesExplored.Inc()
	}
	e.publish(entity.Event{Type: entity.EventPageExplored, URL: res.URL, Title: res.Title, At: time.Now()})
}

func (e *Engine) recordFailure(item entity.FrontierItem, res *entity.StepResult) {
	if metrics.StepsTotal != nil {
		metrics.StepsTotal.WithLabelValues("failure").Inc()
	}
	stepErr := entity.StepError{URL: item.URL, Reason: res.FailureReason, At: time.Now()}
	e.mu.Lock()
	e.errors = append(e.errors, stepErr)
	e.mu.Unlock()
	e.publish(entity.Event{Type: entity.EventPageError, URL: item.URL, Error: res.FailureReason, At: time.Now()})
}

func (e *Engine) finish(fr *frontier.Frontier, final entity.RunState) *entity.RunSummary {
	// The run context may already be cancelled; the final checkpoint still
	// has to land.
	cpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	e.saveCheckpoint(cpCtx, fr)
	cancel()

	e.mu.Lock()
	status := "success"
	if final == entity.RunFailed {
		status = "failed"
	} else if len(e.errors) > 0 || final == entity.RunStopped {
		status = "partial"
	}
	summary := &entity.RunSummary{
		SessionID: e.sessionID,
		EntryURL:  e.entryURL,
		State:     final,
		Status:    status,
		Explored:  e.explored,
		Errors:    append([]entity.StepError(nil), e.errors...),
		StartedAt: e.startedAt,
		EndedAt:   time.Now(),
	}
	e.state = final
	e.lastSummary = summary
	e.mu.Unlock()

	e.publish(entity.Event{Type: entity.EventRunComplete, At: time.Now()})
	slog.Info("Exploration finished", "session_id", summary.SessionID,
		"state", final, "status", status, "explored", summary.Explored, "errors", len(summary.Errors))
	return summary
}

// Pause requests a cooperative pause; the in-flight step always finishes
// before it takes effect.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != entity.RunRunning {
		return fmt.Errorf("cannot pause from state %s", e.state)
	}
	e.state = entity.RunPaused
	slog.Info("Pause requested")
	return nil
}

// Resume continues a paused run.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != entity.RunPaused {
		return fmt.Errorf("cannot resume from state %s", e.state)
	}
	e.state = entity.RunRunning
	slog.Info("Resumed")
	return nil
}

// Stop requests a cooperative stop, checked between steps. A command already
// sent to the remote browser is never aborted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != entity.RunRunning && e.state != entity.RunPaused {
		return fmt.Errorf("cannot stop from state %s", e.state)
	}
	e.stopRequested = true
	if e.state == entity.RunPaused {
		e.state = entity.RunRunning
	}
	slog.Info("Stop requested")
	return nil
}

// Progress reports a point-in-time view of the run.
func (e *Engine) Progress() entity.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	progress := entity.Progress{
		State:    e.state,
		Explored: e.explored,
		Pending:  e.pending,
		Errors:   len(e.errors),
	}
	if !e.startedAt.IsZero() && (e.state == entity.RunRunning || e.state == entity.RunPaused) {
		progress.Elapsed = time.Since(e.startedAt)
	}
	if e.steps > 0 && e.pending > 0 {
		average := e.stepTime / time.Duration(e.steps)
		progress.EstimatedRemaining = average * time.Duration(e.pending)
	}
	return progress
}

// State returns the current run state.
func (e *Engine) State() entity.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the current (or last) run's session id.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// LastSummary returns the summary of the most recently finished run, or nil.
func (e *Engine) LastSummary() *entity.RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary
}

// Subscribe registers for run events. Slow consumers drop events.
func (e *Engine) Subscribe() (<-chan entity.Event, func()) {
	ch := make(chan entity.Event, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		delete(e.subs, ch)
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) publish(ev entity.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		paused := e.state == entity.RunPaused && !e.stopRequested
		e.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) stopWanted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

func (e *Engine) setPending(n int) {
	e.mu.Lock()
	e.pending = n
	e.mu.Unlock()
}

func (e *Engine) setState(s entity.RunState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// saveCheckpoint persists the frontier's exploration state plus accumulated
// results, bounding lost progress on crash.
func (e *Engine) saveCheckpoint(ctx context.Context, fr *frontier.Frontier) {
	visited, queued, fingerprints := fr.Export()
	e.mu.Lock()
	cp := &entity.Checkpoint{
		SessionID:    e.sessionID,
		EntryURL:     e.entryURL,
		Visited:      visited,
		Queued:       queued,
		Fingerprints: fingerprints,
		Explored:     e.explored,
		Errors:       append([]entity.StepError(nil), e.errors...),
		SavedAt:      time.Now(),
	}
	e.mu.Unlock()

	if err := e.checkpoints.Save(ctx, cp); err != nil {
		slog.Warn("Checkpoint save failed", "session_id", cp.SessionID, "error", err)
	}
}
