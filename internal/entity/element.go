package entity

// ElementType classifies an interactive element found on a page.
type ElementType string

const (
	ElementButton ElementType = "button"
	ElementLink   ElementType = "link"
	ElementInput  ElementType = "input"
	ElementSelect ElementType = "select"
	ElementOther  ElementType = "other"
)

// BoundingBox is the on-screen rectangle of an element in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// InteractiveElement is a single actionable element reported by the
// DOM-analysis collaborator.
type InteractiveElement struct {
	Type       ElementType `json:"type"`
	Selector   string      `json:"selector"`
	Text       string      `json:"text"`
	Href       string      `json:"href,omitempty"`
	Bounds     BoundingBox `json:"bounds"`
	Importance int         `json:"importance"` // 0..10, assigned by the analyzer
}

// FormField describes one input of a form.
type FormField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required"`
}

// Form is a form surface reported by the DOM-analysis collaborator.
type Form struct {
	Selector   string      `json:"selector"`
	Fields     []FormField `json:"fields"`
	SubmitText string      `json:"submit_text,omitempty"`
}

// PageAnalysis is the per-page extraction result consumed from the
// DOM-analysis collaborator: the interactive surface of one loaded page.
type PageAnalysis struct {
	URL      string               `json:"url"`
	Title    string               `json:"title"`
	Elements []InteractiveElement `json:"elements"`
	Forms    []Form               `json:"forms"`
}
