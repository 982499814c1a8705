package request

type StartRunRequest struct {
	EntryURL            string   `json:"entry_url"`
	Mode                string   `json:"mode"` // "breadth-first", "depth-first", "importance-first"
	MaxDepth            int      `json:"max_depth"`
	MaxPages            int      `json:"max_pages"`
	PriorityKeywords    []string `json:"priority_keywords,omitempty"`
	ExcludePatterns     []string `json:"exclude_patterns,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
	ResumeSessionID     string   `json:"resume_session_id,omitempty"`
}
