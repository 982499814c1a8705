package response

import "time"

type StartRunResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ProgressResponse is a DTO for run progress, mirroring entity.Progress
// with durations flattened to milliseconds.
type ProgressResponse struct {
	State                string `json:"state"`
	Explored             int    `json:"explored"`
	Pending              int    `json:"pending"`
	Errors               int    `json:"errors"`
	ElapsedMs            int64  `json:"elapsed_ms"`
	EstimatedRemainingMs int64  `json:"estimated_remaining_ms"`
}

type StepErrorResponse struct {
	URL    string    `json:"url"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SummaryResponse is the outcome of a finished run.
type SummaryResponse struct {
	SessionID string              `json:"session_id"`
	EntryURL  string              `json:"entry_url"`
	State     string              `json:"state"`
	Status    string              `json:"status"` // "success", "partial", "failed"
	Explored  int                 `json:"explored"`
	Errors    []StepErrorResponse `json:"errors,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
}
