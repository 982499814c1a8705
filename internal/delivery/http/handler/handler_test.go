package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/explorer-service/internal/adapter/memory"
	"github.com/user/explorer-service/internal/engine"
	"github.com/user/explorer-service/internal/entity"
	"github.com/user/explorer-service/pkg/config"
)

// instantExplorer resolves every step immediately with a terminal page, so a
// run over it finishes in a single step.
type instantExplorer struct{}

func (instantExplorer) PerformStep(ctx context.Context, item entity.FrontierItem) *entity.StepResult {
	return &entity.StepResult{
		OK:          true,
		URL:         item.URL,
		Title:       "Page",
		Fingerprint: "structure",
		Analysis:    &entity.PageAnalysis{URL: item.URL, Title: "Page"},
	}
}

// slowExplorer never finishes a step until the context is cancelled, keeping
// the run alive for state-transition tests.
type slowExplorer struct{}

func (slowExplorer) PerformStep(ctx context.Context, item entity.FrontierItem) *entity.StepResult {
	<-ctx.Done()
	return &entity.StepResult{OK: false, URL: item.URL, FailureReason: "cancelled"}
}

type liveChannel struct{}

func (liveChannel) Terminal() bool { return false }

// sitePage scripts one page of a fake application: a structural fingerprint
// plus outgoing links with per-link importance.
type sitePage struct {
	fingerprint string
	links       []siteLink
}

type siteLink struct {
	href       string
	importance int
}

// siteExplorer resolves steps against a scripted page graph and records the
// order pages were visited in.
type siteExplorer struct {
	pages map[string]sitePage

	mu     sync.Mutex
	visits []string
}

func (s *siteExplorer) PerformStep(ctx context.Context, item entity.FrontierItem) *entity.StepResult {
	s.mu.Lock()
	s.visits = append(s.visits, item.URL)
	s.mu.Unlock()

	pg, ok := s.pages[item.URL]
	if !ok {
		return &entity.StepResult{OK: false, URL: item.URL, FailureReason: "unknown page"}
	}
	elements := make([]entity.InteractiveElement, 0, len(pg.links))
	for _, l := range pg.links {
		elements = append(elements, entity.InteractiveElement{
			Type: entity.ElementLink, Selector: "a", Href: l.href, Importance: l.importance,
		})
	}
	return &entity.StepResult{
		OK:          true,
		URL:         item.URL,
		Title:       item.URL,
		Fingerprint: pg.fingerprint,
		Analysis:    &entity.PageAnalysis{URL: item.URL, Title: item.URL, Elements: elements},
	}
}

func (s *siteExplorer) visitOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

func (s *siteExplorer) visited(url string) bool {
	for _, v := range s.visitOrder() {
		if v == url {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		TraversalMode:       "importance-first",
		MaxDepth:            3,
		MaxPages:            50,
		SimilarityThreshold: 0.9,
	}
}

func newTestAPI(t *testing.T, executor engine.StepExecutor) (http.Handler, *engine.Engine, *memory.CheckpointRepoImpl) {
	t.Helper()
	return newTestAPIWithConfig(t, executor, testConfig())
}

func newTestAPIWithConfig(t *testing.T, executor engine.StepExecutor, cfg *config.Config) (http.Handler, *engine.Engine, *memory.CheckpointRepoImpl) {
	t.Helper()
	checkpoints := memory.NewCheckpointRepo()
	records := memory.NewPageRecordRepo()
	eng := engine.NewEngine(executor, liveChannel{}, checkpoints, records, engine.Config{})
	h := NewHandler(context.Background(), eng, cfg, checkpoints, records)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", h.HandleStartRun)
	mux.HandleFunc("POST /api/runs/pause", h.HandlePause)
	mux.HandleFunc("POST /api/runs/stop", h.HandleStop)
	mux.HandleFunc("GET /api/runs/progress", h.HandleProgress)
	mux.HandleFunc("GET /api/runs/summary", h.HandleSummary)
	mux.HandleFunc("GET /api/checkpoints/{session_id}", h.HandleGetCheckpoint)
	mux.HandleFunc("GET /api/sessions/{session_id}/pages", h.HandleGetPages)
	mux.HandleFunc("GET /api/health", h.HandleHealthCheck)
	return mux, eng, checkpoints
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	mux, _, _ := newTestAPI(t, instantExplorer{})
	rec := doJSON(t, mux, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStartRunAcceptedAndSummaryAvailable(t *testing.T) {
	mux, eng, _ := newTestAPI(t, instantExplorer{})

	rec := doJSON(t, mux, http.MethodPost, "/api/runs",
		`{"entry_url": "https://example.com", "max_pages": 5, "max_depth": 2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.SessionID)

	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)

	rec = doJSON(t, mux, http.MethodGet, "/api/runs/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
		Explored  int    `json:"explored"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, resp.SessionID, summary.SessionID)
	assert.Equal(t, "success", summary.Status)
	assert.Equal(t, 1, summary.Explored)
}

func TestStartRunDefaultsToConfiguredStrategy(t *testing.T) {
	site := &siteExplorer{pages: map[string]sitePage{
		"https://example.com": {fingerprint: "home-structure-aaaa", links: []siteLink{
			{href: "/alpha", importance: 5},
			{href: "/beta", importance: 1},
		}},
		"https://example.com/alpha": {fingerprint: "alpha-structure-bbbb", links: []siteLink{
			{href: "/settings", importance: 1},
		}},
		"https://example.com/beta":     {fingerprint: "beta-structure-cccc"},
		"https://example.com/settings": {fingerprint: "settings-structure-dddd"},
	}}
	cfg := testConfig()
	cfg.PriorityKeywords = []string{"settings"}
	mux, eng, _ := newTestAPIWithConfig(t, site, cfg)

	// No mode, depth, pages or keywords in the request: all come from the
	// service configuration.
	rec := doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)

	// Importance-first with the configured keyword boost pulls the deep
	// settings page ahead of the shallow low-value one; breadth-first would
	// visit /beta before /settings.
	assert.Equal(t, []string{
		"https://example.com",
		"https://example.com/alpha",
		"https://example.com/settings",
		"https://example.com/beta",
	}, site.visitOrder())
}

func TestStartRunDefaultsToConfiguredPageBudget(t *testing.T) {
	site := &siteExplorer{pages: map[string]sitePage{
		"https://example.com": {fingerprint: "home-structure-aaaa", links: []siteLink{
			{href: "/alpha", importance: 5},
			{href: "/beta", importance: 1},
		}},
		"https://example.com/alpha": {fingerprint: "alpha-structure-bbbb"},
		"https://example.com/beta":  {fingerprint: "beta-structure-cccc"},
	}}
	cfg := testConfig()
	cfg.MaxPages = 2
	mux, eng, _ := newTestAPIWithConfig(t, site, cfg)

	rec := doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)

	assert.Equal(t, 2, eng.LastSummary().Explored)
}

func TestStartRunAppliesConfiguredExcludePatterns(t *testing.T) {
	site := &siteExplorer{pages: map[string]sitePage{
		"https://example.com": {fingerprint: "home-structure-aaaa", links: []siteLink{
			{href: "/alpha", importance: 5},
			{href: "/beta", importance: 1},
		}},
		"https://example.com/alpha": {fingerprint: "alpha-structure-bbbb"},
		"https://example.com/beta":  {fingerprint: "beta-structure-cccc"},
	}}
	cfg := testConfig()
	cfg.ExcludePatterns = []string{"/beta"}
	mux, eng, _ := newTestAPIWithConfig(t, site, cfg)

	rec := doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)

	assert.True(t, site.visited("https://example.com/alpha"))
	assert.False(t, site.visited("https://example.com/beta"))
	assert.Equal(t, 2, eng.LastSummary().Explored)
}

func TestStartRunValidation(t *testing.T) {
	mux, _, _ := newTestAPI(t, instantExplorer{})

	rec := doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/runs",
		`{"entry_url": "https://example.com", "mode": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/runs", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRunConflictsWhileRunning(t *testing.T) {
	mux, eng, _ := newTestAPI(t, slowExplorer{})

	rec := doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "https://example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, eng.Stop())
}

func TestPauseConflictsWhenIdle(t *testing.T) {
	mux, _, _ := newTestAPI(t, instantExplorer{})
	rec := doJSON(t, mux, http.MethodPost, "/api/runs/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSummaryNotFoundBeforeAnyRun(t *testing.T) {
	mux, _, _ := newTestAPI(t, instantExplorer{})
	rec := doJSON(t, mux, http.MethodGet, "/api/runs/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressReflectsIdleEngine(t *testing.T) {
	mux, _, _ := newTestAPI(t, instantExplorer{})
	rec := doJSON(t, mux, http.MethodGet, "/api/runs/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var progress struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.Equal(t, "idle", progress.State)
}

func TestCheckpointAndPagesEndpoints(t *testing.T) {
	mux, eng, checkpoints := newTestAPI(t, instantExplorer{})

	rec := doJSON(t, mux, http.MethodGet, "/api/checkpoints/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/runs", `{"entry_url": "https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return eng.LastSummary() != nil }, 2*time.Second, time.Millisecond)
	sessionID := eng.SessionID()

	cp, err := checkpoints.Find(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, cp)

	rec = doJSON(t, mux, http.MethodGet, "/api/checkpoints/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var gotCP entity.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gotCP))
	assert.Equal(t, sessionID, gotCP.SessionID)
	assert.Equal(t, 1, gotCP.Explored)

	rec = doJSON(t, mux, http.MethodGet, "/api/sessions/"+sessionID+"/pages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pages []entity.PageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pages))
	require.Len(t, pages, 1)
	assert.Equal(t, "https://example.com/", pages[0].URL)
}
