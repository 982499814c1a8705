package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/explorer-service/internal/entity"
	"github.com/user/explorer-service/internal/repository"
)

// fakeSite is a scripted step executor: each URL resolves to a page with a
// title, a structural fingerprint, and outgoing links.
type fakeSite struct {
	pages map[string]fakePage
	fail  map[string]string // url -> failure reason
	delay time.Duration

	mu     sync.Mutex
	visits []string
}

type fakePage struct {
	title       string
	fingerprint string
	links       []string
}

func (f *fakeSite) PerformStep(ctx context.Context, item entity.FrontierItem) *entity.StepResult {
	f.mu.Lock()
	f.visits = append(f.visits, item.URL)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	if reason, ok := f.fail[item.URL]; ok {
		return &entity.StepResult{OK: false, URL: item.URL, FailureReason: reason}
	}

	pg, ok := f.pages[item.URL]
	if !ok {
		return &entity.StepResult{OK: false, URL: item.URL, FailureReason: "unknown page"}
	}
	elements := make([]entity.InteractiveElement, 0, len(pg.links))
	for _, href := range pg.links {
		elements = append(elements, entity.InteractiveElement{
			Type: entity.ElementLink, Selector: "a", Href: href, Importance: 5,
		})
	}
	return &entity.StepResult{
		OK:          true,
		URL:         item.URL,
		Title:       pg.title,
		Fingerprint: pg.fingerprint,
		Analysis:    &entity.PageAnalysis{URL: item.URL, Title: pg.title, Elements: elements},
	}
}

func (f *fakeSite) visitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visits)
}

func (f *fakeSite) visited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.visits {
		if v == url {
			return true
		}
	}
	return false
}

type stubChannel struct {
	mu       sync.Mutex
	terminal bool
}

func (c *stubChannel) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

type stubCheckpoints struct {
	mu    sync.Mutex
	saves int
	byID  map[string]*entity.Checkpoint
}

func newStubCheckpoints() *stubCheckpoints {
	return &stubCheckpoints{byID: make(map[string]*entity.Checkpoint)}
}

func (s *stubCheckpoints) Save(ctx context.Context, cp *entity.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.byID[cp.SessionID] = cp
	return nil
}

func (s *stubCheckpoints) Find(ctx context.Context, sessionID string) (*entity.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[sessionID], nil
}

func (s *stubCheckpoints) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, sessionID)
	return nil
}

func (s *stubCheckpoints) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type stubRecords struct {
	mu    sync.Mutex
	saved []*entity.PageRecord
}

func (s *stubRecords) Save(ctx context.Context, rec *entity.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return nil
}

func (s *stubRecords) FindBySession(ctx context.Context, sessionID string) ([]*entity.PageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entity.PageRecord(nil), s.saved...), nil
}

const entry = "https://example.com/"

// smallSite is a four-page site with distinct structures.
func smallSite() *fakeSite {
	return &fakeSite{
		pages: map[string]fakePage{
			entry:                    {title: "Home", fingerprint: "home-structure-0000", links: []string{"/a", "/b"}},
			"https://example.com/a":  {title: "A", fingerprint: "page-a-structure-1111", links: []string{"/c"}},
			"https://example.com/b":  {title: "B", fingerprint: "page-b-structure-2222"},
			"https://example.com/c":  {title: "C", fingerprint: "page-c-structure-3333"},
		},
	}
}

func defaultOpts() entity.RunOptions {
	return entity.RunOptions{Mode: entity.BreadthFirst, MaxDepth: 3, MaxPages: 10}
}

func newEngineUnderTest(site *fakeSite, channel ChannelState, cps *stubCheckpoints, cfg Config) (*Engine, *stubRecords) {
	records := &stubRecords{}
	if channel == nil {
		channel = &stubChannel{}
	}
	if cps == nil {
		cps = newStubCheckpoints()
	}
	return NewEngine(site, channel, cps, records, cfg), records
}

func TestRunExploresWholeSiteAndCompletes(t *testing.T) {
	site := smallSite()
	eng, records := newEngineUnderTest(site, nil, nil, Config{})

	summary, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunCompleted, summary.State)
	assert.Equal(t, "success", summary.Status)
	assert.Equal(t, 4, summary.Explored)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, entry, summary.EntryURL)
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, 4, site.visitCount())
	assert.Len(t, records.saved, 4)
	assert.Equal(t, entity.RunCompleted, eng.State())
}

func TestRunRespectsPageBudget(t *testing.T) {
	site := smallSite()
	opts := defaultOpts()
	opts.MaxPages = 2
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	summary, err := eng.Run(context.Background(), entry, opts)
	require.NoError(t, err)

	assert.Equal(t, entity.RunCompleted, summary.State)
	assert.Equal(t, 2, site.visitCount())
}

func TestRunStepFailureDoesNotAbort(t *testing.T) {
	site := smallSite()
	site.fail = map[string]string{"https://example.com/a": "navigation: net::ERR_CONNECTION_REFUSED"}
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	summary, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunCompleted, summary.State)
	assert.Equal(t, "partial", summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "https://example.com/a", summary.Errors[0].URL)
	// The failed page contributed no children, so /c stayed unexplored.
	assert.Equal(t, 3, site.visitCount())
	assert.Equal(t, 2, summary.Explored)
}

func TestRunSkipsChildrenOfNearDuplicatePages(t *testing.T) {
	site := smallSite()
	// /b renders the same structure as /a and links somewhere new; that link
	// must never be followed.
	site.pages["https://example.com/b"] = fakePage{
		title:       "B",
		fingerprint: "page-a-structure-1112",
		links:       []string{"/hidden"},
	}
	site.pages["https://example.com/hidden"] = fakePage{title: "Hidden", fingerprint: "hidden-structure"}

	opts := defaultOpts()
	opts.SimilarityThreshold = 0.9
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	summary, err := eng.Run(context.Background(), entry, opts)
	require.NoError(t, err)

	assert.Equal(t, entity.RunCompleted, summary.State)
	assert.False(t, site.visited("https://example.com/hidden"))
	// The duplicate page itself still counts as explored.
	assert.Equal(t, 4, summary.Explored)
}

func TestRunFailsWhenChannelIsTerminal(t *testing.T) {
	site := smallSite()
	eng, _ := newEngineUnderTest(site, &stubChannel{terminal: true}, nil, Config{})

	summary, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunFailed, summary.State)
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, 0, site.visitCount())
}

func TestCheckpointCadence(t *testing.T) {
	site := smallSite()
	cps := newStubCheckpoints()
	eng, _ := newEngineUnderTest(site, nil, cps, Config{CheckpointEvery: 2})

	_, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	// Four steps: periodic saves after steps 2 and 4, plus the final save.
	assert.Equal(t, 3, cps.saveCount())

	cp, err := cps.Find(context.Background(), eng.SessionID())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 4, cp.Explored)
	assert.Len(t, cp.Visited, 4)
	assert.Empty(t, cp.Queued)
}

func TestResumeFromCheckpoint(t *testing.T) {
	site := smallSite()
	cps := newStubCheckpoints()
	require.NoError(t, cps.Save(context.Background(), &entity.Checkpoint{
		SessionID:    "resume-1",
		EntryURL:     entry,
		Visited:      []string{entry},
		Queued:       []entity.FrontierItem{{URL: "https://example.com/b", Depth: 1}},
		Fingerprints: []string{"home-structure-0000"},
		Explored:     1,
	}))

	opts := defaultOpts()
	opts.ResumeSessionID = "resume-1"
	eng, _ := newEngineUnderTest(site, nil, cps, Config{})

	summary, err := eng.Run(context.Background(), entry, opts)
	require.NoError(t, err)

	assert.Equal(t, "resume-1", summary.SessionID)
	assert.Equal(t, entity.RunCompleted, summary.State)
	// Only /b was pending; the entry page is not revisited.
	assert.False(t, site.visited(entry))
	assert.True(t, site.visited("https://example.com/b"))
	assert.Equal(t, 2, summary.Explored)
}

func TestBlockingRunReturnsStoppedSentinel(t *testing.T) {
	site := smallSite()
	site.delay = 30 * time.Millisecond
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	var summary *entity.RunSummary
	var runErr error
	done := make(chan struct{})
	go func() {
		summary, runErr = eng.Run(context.Background(), entry, defaultOpts())
		close(done)
	}()

	require.Eventually(t, func() bool { return site.visitCount() >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, eng.Stop())
	<-done

	require.ErrorIs(t, runErr, repository.ErrRunStopped)
	require.NotNil(t, summary)
	assert.Equal(t, entity.RunStopped, summary.State)
	assert.Equal(t, "partial", summary.Status)
}

func TestStopEndsRunCooperatively(t *testing.T) {
	site := smallSite()
	site.delay = 30 * time.Millisecond
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	_, err := eng.Start(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return site.visitCount() >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, eng.Stop())

	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)
	summary := eng.LastSummary()
	assert.Equal(t, entity.RunStopped, summary.State)
	assert.Equal(t, "partial", summary.Status)
	assert.Less(t, site.visitCount(), 4)
}

func TestPauseHoldsBetweenSteps(t *testing.T) {
	site := &fakeSite{delay: 20 * time.Millisecond, pages: map[string]fakePage{
		entry: {title: "Home", fingerprint: "home-structure", links: []string{
			"/p1", "/p2", "/p3", "/p4", "/p5", "/p6", "/p7", "/p8",
		}},
	}}
	for i := 1; i <= 8; i++ {
		url := "https://example.com/p" + string(rune('0'+i))
		site.pages[url] = fakePage{title: url, fingerprint: url + "-structure-very-distinct"}
	}
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	_, err := eng.Start(context.Background(), entry, defaultOpts())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return site.visitCount() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, eng.Pause())
	assert.Equal(t, entity.RunPaused, eng.State())
	before := site.visitCount()
	time.Sleep(150 * time.Millisecond)
	// At most the in-flight step finishes after the pause lands.
	assert.LessOrEqual(t, site.visitCount(), before+1)

	require.NoError(t, eng.Resume())
	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 5*time.Second, time.Millisecond)
	assert.Equal(t, entity.RunCompleted, eng.LastSummary().State)
	assert.Equal(t, 9, site.visitCount())
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	site := smallSite()
	site.delay = 20 * time.Millisecond
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	_, err := eng.Start(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), entry, defaultOpts())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, eng.Stop())
	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)
}

func TestEventStream(t *testing.T) {
	site := smallSite()
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})
	events, cancel := eng.Subscribe()
	defer cancel()

	_, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	counts := map[entity.EventType]int{}
	for {
		select {
		case ev := <-events:
			counts[ev.Type]++
			if ev.Type == entity.EventRunComplete {
				assert.Equal(t, 4, counts[entity.EventPageStarted])
				assert.Equal(t, 4, counts[entity.EventPageExplored])
				return
			}
		default:
			t.Fatalf("event stream ended early: %v", counts)
		}
	}
}

func TestProgressAfterCompletion(t *testing.T) {
	site := smallSite()
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	_, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	p := eng.Progress()
	assert.Equal(t, entity.RunCompleted, p.State)
	assert.Equal(t, 4, p.Explored)
	assert.Equal(t, 0, p.Pending)
	assert.Equal(t, 0, p.Errors)
	assert.Equal(t, time.Duration(0), p.Elapsed)
}

func TestPauseAndResumeStateGuards(t *testing.T) {
	site := smallSite()
	eng, _ := newEngineUnderTest(site, nil, nil, Config{})

	assert.Error(t, eng.Pause())  // idle
	assert.Error(t, eng.Resume()) // idle
	assert.Error(t, eng.Stop())   // idle

	_, err := eng.Run(context.Background(), entry, defaultOpts())
	require.NoError(t, err)

	assert.Error(t, eng.Pause()) // completed
	assert.Error(t, eng.Stop())  // completed
}
