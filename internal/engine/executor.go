package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/user/explorer-service/internal/entity"
	"github.com/user/explorer-service/internal/frontier"
	"github.com/user/explorer-service/internal/repository"
	"github.com/user/explorer-service/pkg/utils"
)

// Commander is the slice of the transport session the executor drives.
type Commander interface {
	Send(ctx context.Context, method cdproto.MethodType, params any) (json.RawMessage, error)
}

// ReadinessGate decides when a page is safe to read or act on.
type ReadinessGate interface {
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// ExecutorConfig holds per-step tuning.
type ExecutorConfig struct {
	ReadinessTimeout time.Duration
	// SettleDelay is the brief wait after scrolling a target into view.
	SettleDelay time.Duration
	// ScreenshotDir, when set, receives captured screenshots; the step result
	// carries only the reference.
	ScreenshotDir string
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	return c
}

// Executor performs one exploration step at a time against the remote
// browser: act, wait for readiness, capture, analyze.
type Executor struct {
	session  Commander
	gate     ReadinessGate
	analyzer repository.AnalyzerRepository
	cfg      ExecutorConfig

	// currentURL is the page the browser is presumed to show, used to decide
	// between clicking a discovered element and a plain navigation.
	currentURL string
}

// NewExecutor creates an executor over a connected session.
func NewExecutor(session Commander, gate ReadinessGate, analyzer repository.AnalyzerRepository, cfg ExecutorConfig) *Executor {
	return &Executor{
		session:  session,
		gate:     gate,
		analyzer: analyzer,
		cfg:      cfg.withDefaults(),
	}
}

// PerformStep executes one FrontierItem. A failing step never panics or
// aborts the run: the bounded recovery sequence runs and the failure is
// reported in the result.
func (x *Executor) PerformStep(ctx context.Context, item entity.FrontierItem) *entity.StepResult {
	if err := x.act(ctx, item); err != nil {
		return x.fail(ctx, item, fmt.Errorf("action: %w", err))
	}
	if err := x.gate.WaitForReady(ctx, x.cfg.ReadinessTimeout); err != nil {
		return x.fail(ctx, item, err)
	}
	return x.capture(ctx, item)
}

// act clicks the source element when the browser is already on the page that
// produced it, otherwise navigates directly to the target URL.
func (x *Executor) act(ctx context.Context, item entity.FrontierItem) error {
	el := item.SourceElement
	if el != nil && el.Selector != "" && item.ParentURL != "" && item.ParentURL == x.currentURL {
		if err := x.scrollIntoView(ctx, el.Selector); err == nil {
			select {
			case <-time.After(x.cfg.SettleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		x.dismissModal(ctx)
		if err := x.click(ctx, el.Selector); err == nil {
			return nil
		}
		// Click failed (stale selector, covered target); navigation still works.
		slog.Debug("Click failed, falling back to navigation", "selector", el.Selector, "url", item.URL)
	} else {
		x.dismissModal(ctx)
	}
	return x.navigate(ctx, item.URL)
}

func (x *Executor) navigate(ctx context.Context, targetURL string) error {
	res, err := x.session.Send(ctx, page.CommandNavigate, &page.NavigateParams{URL: targetURL})
	if err != nil {
		return err
	}
	var nav page.NavigateReturns
	if err := json.Unmarshal(res, &nav); err != nil {
		return fmt.Errorf("decode navigate result: %w", err)
	}
	if nav.ErrorText != "" {
		return fmt.Errorf("%s: %s: %w", targetURL, nav.ErrorText, repository.ErrNavigationFailed)
	}
	return nil
}

func (x *Executor) scrollIntoView(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; el.scrollIntoView({block:'center'}); return true; })()`,
		selector)
	ok, err := x.evalBool(ctx, expr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("selector %q not found", selector)
	}
	return nil
}

func (x *Executor) click(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; el.click(); return true; })()`,
		selector)
	ok, err := x.evalBool(ctx, expr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("selector %q not found: %w", selector, repository.ErrNavigationFailed)
	}
	return nil
}

// dismissModal closes one visible blocking overlay if present. Best effort;
// a page without a modal is the common case.
func (x *Executor) dismissModal(ctx context.Context) {
	dismissed, err := x.evalBool(ctx, dismissModalJS)
	if err == nil && dismissed {
		slog.Debug("Dismissed blocking modal")
	}
}

// capture records the resulting page: URL, title, screenshot reference, and
// the analyzer's view of the interactive surface.
func (x *Executor) capture(ctx context.Context, item entity.FrontierItem) *entity.StepResult {
	resultURL, err := x.evalString(ctx, `location.href`)
	if err != nil {
		return x.fail(ctx, item, fmt.Errorf("read location: %w", err))
	}
	title, err := x.evalString(ctx, `document.title`)
	if err != nil {
		return x.fail(ctx, item, fmt.Errorf("read title: %w", err))
	}

	analysis, err := x.analyzer.AnalyzePage(ctx)
	if err != nil {
		return x.fail(ctx, item, fmt.Errorf("analyze page: %w", err))
	}
	analysis.URL = resultURL
	analysis.Title = title

	shotRef := x.screenshot(ctx, resultURL)

	x.currentURL = resultURL
	return &entity.StepResult{
		OK:            true,
		URL:           resultURL,
		Title:         title,
		Fingerprint:   frontier.StructuralFingerprint(analysis),
		ScreenshotRef: shotRef,
		Analysis:      analysis,
	}
}

// screenshot captures the viewport. Failure costs only the reference; the
// step still succeeds.
func (x *Executor) screenshot(ctx context.Context, pageURL string) string {
	res, err := x.session.Send(ctx, page.CommandCaptureScreenshot, &page.CaptureScreenshotParams{
		Format: page.CaptureScreenshotFormatPng,
	})
	if err != nil {
		slog.Warn("Screenshot failed", "url", pageURL, "error", err)
		return ""
	}
	var shot page.CaptureScreenshotReturns
	if err := json.Unmarshal(res, &shot); err != nil || len(shot.Data) == 0 {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		slog.Warn("Failed to decode screenshot", "url", pageURL, "error", err)
		return ""
	}
	ref := utils.ShortHash(pageURL) + ".png"
	if x.cfg.ScreenshotDir != "" {
		path := filepath.Join(x.cfg.ScreenshotDir, ref)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Warn("Failed to write screenshot", "path", path, "error", err)
		}
	}
	return ref
}

// fail runs the bounded recovery sequence (detect error page, go back in
// history, re-wait for readiness) and reports the failure.
func (x *Executor) fail(ctx context.Context, item entity.FrontierItem, cause error) *entity.StepResult {
	slog.Error("Step failed", "url", item.URL, "error", cause)
	x.recover(ctx)
	return &entity.StepResult{
		OK:            false,
		URL:           item.URL,
		FailureReason: cause.Error(),
	}
}

func (x *Executor) recover(ctx context.Context) {
	if ctx.Err() != nil {
		// The step budget is spent; the next step starts from navigation.
		x.currentURL = ""
		return
	}
	onError, err := x.evalBool(ctx, errorPageJS)
	if err != nil || !onError {
		return
	}
	if err := x.historyBack(ctx); err != nil {
		slog.Warn("History back failed during recovery", "error", err)
		x.currentURL = ""
		return
	}
	if err := x.gate.WaitForReady(ctx, x.cfg.ReadinessTimeout/2); err != nil {
		slog.Warn("Page not ready after recovery", "error", err)
	}
}

func (x *Executor) historyBack(ctx context.Context) error {
	res, err := x.session.Send(ctx, page.CommandGetNavigationHistory, nil)
	if err != nil {
		return err
	}
	var history page.GetNavigationHistoryReturns
	if err := json.Unmarshal(res, &history); err != nil {
		return fmt.Errorf("decode navigation history: %w", err)
	}
	if history.CurrentIndex <= 0 || int(history.CurrentIndex) >= len(history.Entries) {
		return fmt.Errorf("no previous history entry")
	}
	previous := history.Entries[history.CurrentIndex-1]
	_, err = x.session.Send(ctx, page.CommandNavigateToHistoryEntry, &page.NavigateToHistoryEntryParams{
		EntryID: previous.ID,
	})
	return err
}

func (x *Executor) evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	res, err := x.session.Send(ctx, runtime.CommandEvaluate, &runtime.EvaluateParams{
		Expression:    expr,
		ReturnByValue: true,
	})
	if err != nil {
		return nil, err
	}
	var ret runtime.EvaluateReturns
	if err := json.Unmarshal(res, &ret); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	if ret.ExceptionDetails != nil {
		return nil, fmt.Errorf("page script failed: %s", ret.ExceptionDetails.Text)
	}
	if ret.Result == nil {
		return nil, fmt.Errorf("empty evaluate result")
	}
	return json.RawMessage(ret.Result.Value), nil
}

func (x *Executor) evalString(ctx context.Context, expr string) (string, error) {
	raw, err := x.evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (x *Executor) evalBool(ctx context.Context, expr string) (bool, error) {
	raw, err := x.evaluate(ctx, expr)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, err
	}
	return b, nil
}

const dismissModalJS = `(() => {
	const overlays = document.querySelectorAll(
		'[role="dialog"],[aria-modal="true"],[class*="modal" i],[class*="overlay" i]');
	for (const overlay of overlays) {
		const rect = overlay.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) continue;
		const close = overlay.querySelector(
			'[aria-label*="close" i],[class*="close" i],button[title*="close" i]');
		if (close) { close.click(); return true; }
	}
	return false;
})()`

const errorPageJS = `(() => {
	const title = document.title.toLowerCase();
	const h1 = (document.querySelector('h1') || {}).textContent || '';
	const markers = ['404', 'not found', 'error', 'something went wrong', 'access denied'];
	return markers.some(m => title.includes(m) || h1.toLowerCase().includes(m));
})()`
