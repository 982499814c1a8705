package entity

// FrontierItem is one unit of exploration work: a URL to navigate to, or a
// discovered element plus its originating page. Items are immutable and
// consumed exactly once.
type FrontierItem struct {
	URL           string              `json:"url"`
	SourceElement *InteractiveElement `json:"source_element,omitempty"`
	Depth         int                 `json:"depth"`
	Priority      float64             `json:"priority"`
	ParentURL     string              `json:"parent_url,omitempty"`
}
