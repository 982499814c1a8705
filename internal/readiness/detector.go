// Package readiness decides when a dynamically rendered page is safe to read
// or act on. A page is ready only when network traffic has quieted, the DOM
// structure has stopped changing, and no loading affordance is visible.
package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"

	"github.com/user/explorer-service/internal/repository"
	"github.com/user/explorer-service/internal/transport"
)

// Commander is the slice of the transport session the detector uses.
type Commander interface {
	Send(ctx context.Context, method cdproto.MethodType, params any) (json.RawMessage, error)
	Subscribe(methods ...cdproto.MethodType) (<-chan *transport.Message, func())
	SubscribeLifecycle() (<-chan transport.LifecycleEvent, func())
}

// Config holds the quiet windows and poll cadence.
type Config struct {
	// NetworkQuiet is the window with no new request, counted from zero
	// outstanding requests.
	NetworkQuiet time.Duration
	// DOMQuiet is how long the structural fingerprint must stay unchanged.
	DOMQuiet time.Duration
	// PollInterval is the cadence of the discrete readiness polls.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NetworkQuiet <= 0 {
		c.NetworkQuiet = 2 * time.Second
	}
	if c.DOMQuiet <= 0 {
		c.DOMQuiet = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Detector tracks network activity from transport notifications and polls the
// page for DOM stability and loading affordances.
type Detector struct {
	session Commander
	cfg     Config

	mu          sync.Mutex
	outstanding map[network.RequestID]struct{}
	quietSince  time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewDetector creates a detector on top of a connected session.
func NewDetector(session Commander, cfg Config) *Detector {
	return &Detector{
		session:     session,
		cfg:         cfg.withDefaults(),
		outstanding: make(map[network.RequestID]struct{}),
		stop:        make(chan struct{}),
	}
}

// Start enables network notifications and begins tracking them. It re-enables
// tracking after every reconnect, since domain enablement does not survive a
// new connection.
func (d *Detector) Start(ctx context.Context) error {
	if _, err := d.session.Send(ctx, network.CommandEnable, &network.EnableParams{}); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	d.mu.Lock()
	d.quietSince = time.Now()
	d.mu.Unlock()

	events, cancelEvents := d.session.Subscribe(
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
	)
	lifecycle, cancelLifecycle := d.session.SubscribeLifecycle()

	go func() {
		defer cancelEvents()
		defer cancelLifecycle()
		for {
			select {
			case msg := <-events:
				d.track(msg)
			case ev := <-lifecycle:
				if ev.Type == transport.LifecycleConnected && ev.Generation > 1 {
					d.reenable()
				}
			case <-d.stop:
				return
			}
		}
	}()
	return nil
}

// Stop ends event tracking.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Detector) track(msg *transport.Message) {
	switch msg.Method {
	case cdproto.EventNetworkRequestWillBeSent:
		var ev network.EventRequestWillBeSent
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		d.mu.Lock()
		d.outstanding[ev.RequestID] = struct{}{}
		d.quietSince = time.Time{}
		d.mu.Unlock()
	case cdproto.EventNetworkLoadingFinished:
		var ev network.EventLoadingFinished
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		d.finish(ev.RequestID)
	case cdproto.EventNetworkLoadingFailed:
		var ev network.EventLoadingFailed
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		d.finish(ev.RequestID)
	}
}

func (d *Detector) finish(id network.RequestID) {
	d.mu.Lock()
	delete(d.outstanding, id)
	if len(d.outstanding) == 0 {
		d.quietSince = time.Now()
	}
	d.mu.Unlock()
}

// reenable clears stale request tracking after a reconnect and turns network
// notifications back on.
func (d *Detector) reenable() {
	d.mu.Lock()
	d.outstanding = make(map[network.RequestID]struct{})
	d.quietSince = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.session.Send(ctx, network.CommandEnable, &network.EnableParams{}); err != nil {
		slog.Warn("Failed to re-enable network domain after reconnect", "error", err)
	}
}

// WaitForReady resolves only when network quiescence, DOM quiescence, and the
// absence of a visible loading affordance hold. Each check carves its own
// budget from the overall timeout; failure of any one aborts the whole wait,
// so callers never act on a half-ready page.
func (d *Detector) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if err := d.waitNetworkQuiet(ctx, timeout/2); err != nil {
		return err
	}
	if err := d.waitDOMQuiet(ctx, timeout*3/10); err != nil {
		return err
	}
	return d.waitNoLoadingAffordance(ctx, timeout/5)
}

func (d *Detector) waitNetworkQuiet(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		quiet := len(d.outstanding) == 0 && !d.quietSince.IsZero() &&
			time.Since(d.quietSince) >= d.cfg.NetworkQuiet
		pending := len(d.outstanding)
		d.mu.Unlock()
		if quiet {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("network not quiet after %s (%d outstanding): %w",
				budget, pending, repository.ErrReadinessTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Detector) waitDOMQuiet(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var lastFingerprint string
	var stableSince time.Time
	for {
		fp, err := d.evalString(ctx, domFingerprintJS)
		if err == nil {
			if fp != lastFingerprint || lastFingerprint == "" {
				lastFingerprint = fp
				stableSince = time.Now()
			} else if time.Since(stableSince) >= d.cfg.DOMQuiet {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("DOM not stable after %s: %w", budget, repository.ErrReadinessTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Detector) waitNoLoadingAffordance(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		visible, err := d.evalBool(ctx, loadingAffordanceJS)
		if err == nil && !visible {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("loading affordance still visible after %s: %w",
				budget, repository.ErrReadinessTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Detector) evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	res, err := d.session.Send(ctx, runtime.CommandEvaluate, &runtime.EvaluateParams{
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

func (d *Detector) evalString(ctx context.Context, expr string) (string, error) {
	raw, err := d.evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (d *Detector) evalBool(ctx context.Context, expr string) (bool, error) {
	raw, err := d.evaluate(ctx, expr)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, err
	}
	return b, nil
}

// domFingerprintJS summarizes the page structure compactly enough that two
// consecutive identical results mean the DOM has settled.
const domFingerprintJS = `(() => {
	const counts = {};
	for (const el of document.querySelectorAll('*')) {
		counts[el.tagName] = (counts[el.tagName] || 0) + 1;
	}
	const parts = Object.keys(counts).sort().map(k => k + ':' + counts[k]);
	return document.title + '#' + document.body.childElementCount + '#' + parts.join(',');
})()`

// loadingAffordanceJS reports whether any spinner, skeleton, or progress
// pattern is currently visible.
const loadingAffordanceJS = `(() => {
	const sel = '[class*="spinner" i],[class*="loading" i],[class*="skeleton" i],' +
		'[class*="progress" i],[role="progressbar"],[aria-busy="true"]';
	for (const el of document.querySelectorAll(sel)) {
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') {
			continue;
		}
		const rect = el.getBoundingClientRect();
		if (rect.width > 0 && rect.height > 0) {
			return true;
		}
	}
	return false;
})()`
