package entity

import "time"

// TraversalMode selects the frontier's sort order.
type TraversalMode string

const (
	BreadthFirst    TraversalMode = "breadth-first"
	DepthFirst      TraversalMode = "depth-first"
	ImportanceFirst TraversalMode = "importance-first"
)

// RunState is the engine's run state machine.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunStopped   RunState = "stopped"
	RunFailed    RunState = "failed"
)

// RunOptions is the per-run exploration configuration, immutable once a run
// has started.
type RunOptions struct {
	Mode                TraversalMode `json:"mode"`
	MaxDepth            int           `json:"max_depth"`
	MaxPages            int           `json:"max_pages"`
	PriorityKeywords    []string      `json:"priority_keywords,omitempty"`
	ExcludePatterns     []string      `json:"exclude_patterns,omitempty"`
	SimilarityThreshold float64       `json:"similarity_threshold,omitempty"`
	// ResumeSessionID restores frontier state from that session's checkpoint
	// before the run starts.
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// StepError is the trimmed record of one failed step kept in the run summary.
type StepError struct {
	URL    string    `json:"url"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Progress is a point-in-time view of a run.
type Progress struct {
	State              RunState      `json:"state"`
	Explored           int           `json:"explored"`
	Pending            int           `json:"pending"`
	Errors             int           `json:"errors"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// EventType enumerates the engine's event stream.
type EventType string

const (
	EventPageStarted  EventType = "page-started"
	EventPageExplored EventType = "page-explored"
	EventPageError    EventType = "page-error"
	EventRunComplete  EventType = "run-complete"
)

// Event is one entry of the engine's event stream.
type Event struct {
	Type  EventType `json:"type"`
	URL   string    `json:"url,omitempty"`
	Title string    `json:"title,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// RunSummary is the user-visible outcome of a finished run.
type RunSummary struct {
	SessionID string      `json:"session_id"`
	EntryURL  string      `json:"entry_url"`
	State     RunState    `json:"state"`
	Status    string      `json:"status"` // "success", "partial", "failed"
	Explored  int         `json:"explored"`
	Errors    []StepError `json:"errors,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}
