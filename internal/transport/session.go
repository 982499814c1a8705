package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/gorilla/websocket"

	"github.com/user/explorer-service/internal/repository"
	"github.com/user/explorer-service/pkg/metrics"
)

// Config holds the transport settings for one session.
type Config struct {
	// URL is the WebSocket debugger endpoint of the remote browser.
	URL string
	// ConnectTimeout bounds the initial dial and handshake.
	ConnectTimeout time.Duration
	// CommandTimeout is the default per-command response budget.
	CommandTimeout time.Duration
	// HeartbeatInterval is the period of the no-op keep-alive command.
	// Zero disables the heartbeat.
	HeartbeatInterval time.Duration
	// ReconnectBase is the first reconnection delay; attempt n waits
	// ReconnectBase * 2^(n-1).
	ReconnectBase time.Duration
	// MaxReconnects caps reconnection attempts after an unexpected closure.
	MaxReconnects int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	return c
}

// LifecycleEventType enumerates transport lifecycle transitions.
type LifecycleEventType string

const (
	LifecycleConnected    LifecycleEventType = "connected"
	LifecycleReconnecting LifecycleEventType = "reconnecting"
	LifecycleExhausted    LifecycleEventType = "exhausted"
	LifecycleClosed       LifecycleEventType = "closed"
)

// LifecycleEvent is published on connection state changes. Exhausted is
// terminal: the session stops retrying and all later sends fail.
type LifecycleEvent struct {
	Type       LifecycleEventType
	Generation int
	Attempt    int
	Err        error
}

type pendingResult struct {
	msg *Message
	err error
}

type subscription struct {
	methods map[cdproto.MethodType]struct{} // empty means all notifications
	ch      chan *Message
}

// Session owns the single control channel to the remote browser: connection
// lifecycle, correlation-id matching, keep-alive, and bounded reconnection.
type Session struct {
	cfg    Config
	nextID atomic.Int64

	mu         sync.Mutex
	conn       *websocket.Conn
	pending    map[int64]chan pendingResult
	generation int
	closed     bool // explicit Disconnect
	terminal   bool // reconnect attempts exhausted
	recovering bool

	writeMu sync.Mutex

	subMu         sync.Mutex
	subs          map[*subscription]struct{}
	lifecycleSubs map[chan LifecycleEvent]struct{}

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
	done          chan struct{}
	doneOnce      sync.Once
}

// NewSession creates a session for the given endpoint. No connection is made
// until Connect.
func NewSession(cfg Config) *Session {
	return &Session{
		cfg:           cfg.withDefaults(),
		pending:       make(map[int64]chan pendingResult),
		subs:          make(map[*subscription]struct{}),
		lifecycleSubs: make(map[chan LifecycleEvent]struct{}),
		heartbeatStop: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Connect establishes the channel and starts the heartbeat.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.terminal {
		s.mu.Unlock()
		return repository.ErrConnectionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	if s.cfg.HeartbeatInterval > 0 {
		s.heartbeatOnce.Do(func() { go s.heartbeat() })
	}

	s.publishLifecycle(LifecycleEvent{Type: LifecycleConnected, Generation: gen})
	slog.Info("Browser channel connected", "url", s.cfg.URL, "generation", gen)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Send transmits a command and waits for its correlated response using the
// default command timeout.
func (s *Session) Send(ctx context.Context, method cdproto.MethodType, params any) (json.RawMessage, error) {
	return s.SendTimeout(ctx, method, params, s.cfg.CommandTimeout)
}

// SendTimeout transmits a command and waits for the response sharing its
// correlation id. Responses may arrive in any order across concurrently
// outstanding commands. A missing response within timeout removes the
// pending entry, so a late response for that id is silently dropped.
func (s *Session) SendTimeout(ctx context.Context, method cdproto.MethodType, params any, timeout time.Duration) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		rawParams = encoded
	}

	s.mu.Lock()
	if s.closed || s.terminal || s.conn == nil {
		s.mu.Unlock()
		return nil, repository.ErrConnectionClosed
	}
	conn := s.conn
	id := s.nextID.Add(1)
	ch := make(chan pendingResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	msg := &Message{ID: id, Method: method, Params: rawParams}

	s.writeMu.Lock()
	err := conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("send %s: %w", method, repository.ErrConnectionClosed)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, res.msg.Error)
		}
		return res.msg.Result, nil
	case <-timer.C:
		s.removePending(id)
		if metrics.CommandTimeouts != nil {
			metrics.CommandTimeouts.Inc()
		}
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, repository.ErrCommandTimeout)
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

func (s *Session) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop is the sole consumer of inbound frames for one connection
// generation and the only resolver of pending requests.
func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			s.handleClosure(conn, gen, err)
			return
		}

		if msg.ID != 0 {
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			if ok {
				delete(s.pending, msg.ID)
			}
			s.mu.Unlock()
			if !ok {
				// Late response for a timed-out or cancelled command.
				slog.Debug("Dropping unmatched response", "id", msg.ID)
				continue
			}
			ch <- pendingResult{msg: &msg}
			continue
		}

		if msg.IsNotification() {
			s.publish(&msg)
		}
	}
}

// handleClosure reacts to a read error: explicit disconnects just end the
// loop, an unexpected closure rejects all outstanding requests and hands the
// connection to the reconnect supervisor.
func (s *Session) handleClosure(conn *websocket.Conn, gen int, cause error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	alreadyRecovering := s.recovering
	s.recovering = true
	s.mu.Unlock()

	conn.Close()
	s.rejectAll(repository.ErrConnectionClosed)

	if alreadyRecovering {
		return
	}
	slog.Warn("Browser channel closed unexpectedly", "generation", gen, "error", cause)
	go s.supervise()
}

// supervise reconnects with delay base * 2^(attempt-1), at most MaxReconnects
// times, then emits a terminal exhausted event and stops retrying.
func (s *Session) supervise() {
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	for attempt := 1; attempt <= s.cfg.MaxReconnects; attempt++ {
		delay := s.cfg.ReconnectBase << (attempt - 1)
		s.publishLifecycle(LifecycleEvent{Type: LifecycleReconnecting, Attempt: attempt})
		slog.Info("Reconnecting to browser", "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if metrics.ReconnectsTotal != nil {
			metrics.ReconnectsTotal.Inc()
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			slog.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		s.generation++
		gen := s.generation
		s.conn = conn
		s.mu.Unlock()

		go s.readLoop(conn, gen)
		s.publishLifecycle(LifecycleEvent{Type: LifecycleConnected, Generation: gen, Attempt: attempt})
		slog.Info("Browser channel reconnected", "generation", gen, "attempt", attempt)
		return
	}

	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()
	s.publishLifecycle(LifecycleEvent{Type: LifecycleExhausted, Attempt: s.cfg.MaxReconnects, Err: repository.ErrReconnectExhausted})
	slog.Error("Browser reconnection exhausted", "attempts", s.cfg.MaxReconnects)
	s.doneOnce.Do(func() { close(s.done) })
}

// heartbeat issues a periodic no-op command. A missed response is logged
// only; reconnection is driven by the channel's own closure signal.
func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval)
			_, err := s.SendTimeout(ctx, browser.CommandGetVersion, nil, s.cfg.HeartbeatInterval)
			cancel()
			if err != nil {
				slog.Warn("Heartbeat missed", "error", err)
			}
		case <-s.heartbeatStop:
			return
		case <-s.done:
			return
		}
	}
}

// Subscribe registers for unsolicited notifications. With no methods given,
// every notification is delivered. The returned cancel func must be called
// to release the subscription. Slow subscribers drop messages rather than
// stall the read loop.
func (s *Session) Subscribe(methods ...cdproto.MethodType) (<-chan *Message, func()) {
	sub := &subscription{
		methods: make(map[cdproto.MethodType]struct{}, len(methods)),
		ch:      make(chan *Message, 64),
	}
	for _, m := range methods {
		sub.methods[m] = struct{}{}
	}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, sub)
		s.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Session) publish(msg *Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if len(sub.methods) > 0 {
			if _, ok := sub.methods[msg.Method]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			slog.Debug("Dropping notification for slow subscriber", "method", msg.Method)
		}
	}
}

// SubscribeLifecycle registers for connection lifecycle events.
func (s *Session) SubscribeLifecycle() (<-chan LifecycleEvent, func()) {
	ch := make(chan LifecycleEvent, 16)
	s.subMu.Lock()
	s.lifecycleSubs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.lifecycleSubs, ch)
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) publishLifecycle(ev LifecycleEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.lifecycleSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// rejectAll rejects every outstanding request; no caller waits forever.
func (s *Session) rejectAll(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan pendingResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// Disconnect cancels the heartbeat, rejects every outstanding request with a
// connection-closed error, and suppresses reconnection.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.heartbeatStop)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.rejectAll(repository.ErrConnectionClosed)
	s.publishLifecycle(LifecycleEvent{Type: LifecycleClosed})
	s.doneOnce.Do(func() { close(s.done) })
	slog.Info("Browser channel disconnected")
	return err
}

// Connected reports whether the channel is currently usable.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed && !s.terminal
}

// Done is closed when the session is terminally finished, either by explicit
// disconnect or by reconnect exhaustion.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Terminal reports whether reconnection has been exhausted.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}
