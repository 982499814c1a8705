package entity

import "time"

// Checkpoint is a periodic serialization of exploration progress, keyed by
// session id. It exists for crash recovery and inspection only and is never
// consulted mid-run.
type Checkpoint struct {
	SessionID    string         `json:"session_id"`
	EntryURL     string         `json:"entry_url"`
	Visited      []string       `json:"visited"`
	Queued       []FrontierItem `json:"queued"`
	Fingerprints []string       `json:"fingerprints"`
	Explored     int            `json:"explored"`
	Errors       []StepError    `json:"errors,omitempty"`
	SavedAt      time.Time      `json:"saved_at"`
}
