// Package frontier holds the exploration strategy: which discovered targets
// to visit next, in what order, and which candidates duplicate state that has
// already been seen. It is pure decision logic and holds no connection.
package frontier

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"

	"github.com/user/explorer-service/internal/entity"
	"github.com/user/explorer-service/pkg/metrics"
	"github.com/user/explorer-service/pkg/utils"
)

const defaultSimilarityThreshold = 0.9

// Frontier owns the run's exploration state: the visited set, the structural
// fingerprint set, and the live priority queue. All mutation goes through it.
// It is not safe for concurrent use; the engine loop is its single owner.
type Frontier struct {
	opts    entity.RunOptions
	entry   *url.URL
	exclude []*regexp.Regexp

	visited      map[string]struct{}
	queuedSet    map[string]struct{}
	queue        []entity.FrontierItem
	fingerprints []string
}

// New creates a frontier for a run rooted at entryURL.
func New(entryURL string, opts entity.RunOptions) (*Frontier, error) {
	normalized, err := NormalizeURL(entryURL)
	if err != nil {
		return nil, err
	}
	entry, err := url.Parse(normalized)
	if err != nil {
		return nil, err
	}
	if opts.MaxPages <= 0 {
		return nil, fmt.Errorf("max pages must be positive, got %d", opts.MaxPages)
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = defaultSimilarityThreshold
	}

	exclude := make([]*regexp.Regexp, 0, len(opts.ExcludePatterns))
	for _, pattern := range opts.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		exclude = append(exclude, re)
	}

	return &Frontier{
		opts:      opts,
		entry:     entry,
		exclude:   exclude,
		visited:   make(map[string]struct{}),
		queuedSet: make(map[string]struct{}),
	}, nil
}

// Seed enqueues the entry URL at depth zero with maximal priority.
func (f *Frontier) Seed() error {
	admitted := f.AddToQueue([]entity.FrontierItem{{
		URL:      f.entry.String(),
		Depth:    0,
		Priority: 100,
	}})
	if admitted == 0 {
		return fmt.Errorf("entry URL %s was not admitted", f.entry)
	}
	return nil
}

// BuildQueueItems filters newly discovered elements to same-origin,
// non-excluded, not-yet-seen targets within the depth budget, scores each,
// and returns them sorted for the active traversal mode. Elements without a
// target URL are not navigation candidates and are skipped.
func (f *Frontier) BuildQueueItems(elements []entity.InteractiveElement, sourceURL string, sourceDepth int) []entity.FrontierItem {
	depth := sourceDepth + 1
	if depth > f.opts.MaxDepth {
		return nil
	}

	base, err := url.Parse(sourceURL)
	if err != nil {
		slog.Warn("Unparseable source URL, discarding discoveries", "url", sourceURL, "error", err)
		return nil
	}

	items := make([]entity.FrontierItem, 0, len(elements))
	seen := make(map[string]struct{}, len(elements))
	for i := range elements {
		el := elements[i]
		if el.Href == "" {
			continue
		}
		absolute, err := utils.ToAbsoluteURL(base, el.Href)
		if err != nil {
			continue
		}
		normalized, err := NormalizeURL(absolute)
		if err != nil {
			continue
		}
		target, err := url.Parse(normalized)
		if err != nil || !utils.SameOrigin(f.entry, target) {
			continue
		}
		if f.isExcluded(normalized) {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		if _, ok := f.visited[normalized]; ok {
			continue
		}
		if _, ok := f.queuedSet[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}

		items = append(items, entity.FrontierItem{
			URL:           normalized,
			SourceElement: &el,
			Depth:         depth,
			Priority:      score(&el, normalized, f.opts.PriorityKeywords),
			ParentURL:     sourceURL,
		})
	}

	sortItems(items, f.opts.Mode)
	return items
}

// AddToQueue admits items up to the remaining page budget
// (budget − visited − queued); excess is dropped, never trimmed later.
func (f *Frontier) AddToQueue(items []entity.FrontierItem) int {
	admitted := 0
	for _, item := range items {
		if item.Depth > f.opts.MaxDepth {
			continue
		}
		if _, ok := f.visited[item.URL]; ok {
			continue
		}
		if _, ok := f.queuedSet[item.URL]; ok {
			continue
		}
		if len(f.visited)+len(f.queuedSet) >= f.opts.MaxPages {
			slog.Debug("Page budget reached, dropping candidate", "url", item.URL)
			break
		}
		f.queuedSet[item.URL] = struct{}{}
		f.queue = append(f.queue, item)
		admitted++
	}
	if admitted > 0 {
		sortItems(f.queue, f.opts.Mode)
	}
	if metrics.QueueDepth != nil {
		metrics.QueueDepth.Set(float64(len(f.queue)))
	}
	return admitted
}

// GetNext pops the next item and marks its URL visited immediately at
// dequeue, so a slow or failing step is never re-enqueued.
func (f *Frontier) GetNext() (entity.FrontierItem, bool) {
	if len(f.queue) == 0 {
		return entity.FrontierItem{}, false
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	delete(f.queuedSet, item.URL)
	f.visited[item.URL] = struct{}{}
	if metrics.QueueDepth != nil {
		metrics.QueueDepth.Set(float64(len(f.queue)))
	}
	return item, true
}

// IsNearDuplicate compares a structural fingerprint against every stored one
// and reports the best similarity. At or above the threshold the page is
// treated as already explored and its children must not be enqueued.
func (f *Frontier) IsNearDuplicate(fingerprint string) (bool, float64) {
	best := 0.0
	for _, known := range f.fingerprints {
		if sim := Similarity(fingerprint, known); sim > best {
			best = sim
			if best >= 1 {
				break
			}
		}
	}
	return best >= f.opts.SimilarityThreshold, best
}

// RecordFingerprint stores the fingerprint of a newly explored page.
func (f *Frontier) RecordFingerprint(fingerprint string) {
	if fingerprint == "" {
		return
	}
	f.fingerprints = append(f.fingerprints, fingerprint)
}

func (f *Frontier) isExcluded(normalized string) bool {
	for _, re := range f.exclude {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

// VisitedCount returns how many URLs have been handed out for exploration.
func (f *Frontier) VisitedCount() int { return len(f.visited) }

// QueuedCount returns the number of items waiting in the queue.
func (f *Frontier) QueuedCount() int { return len(f.queue) }

// Export snapshots the exploration state for checkpointing.
func (f *Frontier) Export() (visited []string, queued []entity.FrontierItem, fingerprints []string) {
	visited = make([]string, 0, len(f.visited))
	for u := range f.visited {
		visited = append(visited, u)
	}
	queued = make([]entity.FrontierItem, len(f.queue))
	copy(queued, f.queue)
	fingerprints = make([]string, len(f.fingerprints))
	copy(fingerprints, f.fingerprints)
	return visited, queued, fingerprints
}

// Restore rebuilds exploration state from a checkpoint.
func (f *Frontier) Restore(cp *entity.Checkpoint) {
	f.visited = make(map[string]struct{}, len(cp.Visited))
	for _, u := range cp.Visited {
		f.visited[u] = struct{}{}
	}
	f.queuedSet = make(map[string]struct{}, len(cp.Queued))
	f.queue = make([]entity.FrontierItem, 0, len(cp.Queued))
	for _, item := range cp.Queued {
		if _, ok := f.visited[item.URL]; ok {
			continue
		}
		if _, ok := f.queuedSet[item.URL]; ok {
			continue
		}
		f.queuedSet[item.URL] = struct{}{}
		f.queue = append(f.queue, item)
	}
	sortItems(f.queue, f.opts.Mode)
	f.fingerprints = make([]string, len(cp.Fingerprints))
	copy(f.fingerprints, cp.Fingerprints)
}

// StructuralFingerprint derives the compact structural signature of a page
// from its analysis, the input to near-duplicate detection.
func StructuralFingerprint(a *entity.PageAnalysis) string {
	if a == nil {
		return ""
	}
	sig := make([]byte, 0, 256)
	sig = append(sig, a.Title...)
	for _, el := range a.Elements {
		sig = append(sig, '|')
		sig = append(sig, string(el.Type)...)
		sig = append(sig, ':')
		text := el.Text
		if len(text) > 24 {
			text = text[:24]
		}
		sig = append(sig, text...)
	}
	for _, form := range a.Forms {
		sig = append(sig, "|form:"...)
		sig = strconv.AppendInt(sig, int64(len(form.Fields)), 10)
	}
	return string(sig)
}
