package frontier

import (
	"sort"
	"strings"

	"github.com/user/explorer-service/internal/entity"
)

const (
	keywordBoost       = 5.0
	buttonBoost        = 2.0
	boilerplatePenalty = 3.0
)

// boilerplateTerms mark legal/cookie chrome that documents nothing useful.
var boilerplateTerms = []string{"privacy", "terms", "cookie", "imprint", "legal"}

// score computes an item's priority: the analyzer's base importance, a boost
// for configured keywords in URL or label, a fixed boost for interactive
// buttons over links, and a penalty for boilerplate targets.
func score(el *entity.InteractiveElement, targetURL string, keywords []string) float64 {
	priority := float64(el.Importance)

	haystack := strings.ToLower(targetURL + " " + el.Text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			priority += keywordBoost
			break
		}
	}
	if el.Type == entity.ElementButton {
		priority += buttonBoost
	}
	for _, term := range boilerplateTerms {
		if strings.Contains(haystack, term) {
			priority -= boilerplatePenalty
			break
		}
	}
	return priority
}

// sortItems orders queue items for the active traversal mode: breadth-first
// by depth ascending then priority, depth-first by depth descending then
// priority, importance-first (the default) by priority then depth.
func sortItems(items []entity.FrontierItem, mode entity.TraversalMode) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch mode {
		case entity.BreadthFirst:
			if a.Depth != b.Depth {
				return a.Depth < b.Depth
			}
			return a.Priority > b.Priority
		case entity.DepthFirst:
			if a.Depth != b.Depth {
				return a.Depth > b.Depth
			}
			return a.Priority > b.Priority
		default: // importance-first
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.Depth < b.Depth
		}
	})
}
