package entity

import "time"

// StepResult is the outcome of a single exploration step. It is transient:
// the engine loop consumes it and retains only a trimmed error record.
type StepResult struct {
	OK            bool
	URL           string
	Title         string
	Fingerprint   string
	ScreenshotRef string
	Analysis      *PageAnalysis
	FailureReason string
}

// PageRecord is the per-page product handed to the snapshot/versioning
// collaborator. This core produces, never stores or compares, these records;
// the configured sink persists them.
type PageRecord struct {
	SessionID     string               `json:"session_id"`
	URL           string               `json:"url"`
	Title         string               `json:"title"`
	Fingerprint   string               `json:"fingerprint"`
	Elements      []InteractiveElement `json:"elements"`
	Forms         []Form               `json:"forms"`
	ScreenshotRef string               `json:"screenshot_ref,omitempty"`
	CapturedAt    time.Time            `json:"captured_at"`
}
