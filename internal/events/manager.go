// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/streamcore/internal/metrics"
	"github.com/jeranaias/streamcore/internal/util"
)

// DefaultTokenParam is the query parameter that carries the auth token.
const DefaultTokenParam = "token"

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the single persistent notification connection. Whoever
// composes the application creates one and passes it to the parts that
// subscribe. It is safe for concurrent use.
type Manager struct {
	// mu serializes Subscribe and Disconnect so a teardown and the setup
	// that follows it never interleave with another caller's.
	mu      sync.Mutex
	current atomic.Pointer[conn]

	// gen counts Subscribe and Disconnect calls so a deferred subscription
	// can tell whether a later call superseded it.
	gen atomic.Uint64
	// inHandler maps the goroutine running an event handler to its conn;
	// delivering counts those entries.
	inHandler  sync.Map
	delivering atomic.Int32

	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
	tokenParam string
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the transport. It must not set a Timeout; the
// connection is meant to stay open indefinitely.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) {
		if hc != nil {
			m.httpClient = hc
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTokenParam changes the query parameter used for the auth token.
func WithTokenParam(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.tokenParam = name
		}
	}
}

// NewManager creates a Manager in StateIdle.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		httpClient: &http.Client{},
		log:        zerolog.Nop(),
		tokenParam: DefaultTokenParam,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe replaces the current connection with a new one to target,
// authenticated with token, delivering to h.
//
// Any existing connection is torn down first and completely: after that
// no handler of the old subscription starts, its transport is closed and
// its goroutine has exited. The new connection is then created in
// StateConnecting and dials in the background. Invalid arguments return
// an error and leave the current connection alone.
//
// Called from an event handler, Subscribe only records the request: the
// handler's connection stops delivering once the handler returns and the
// new subscription starts after that, unless a later Subscribe or
// Disconnect has replaced it.
func (m *Manager) Subscribe(target, token string, h Handlers) error {
	if h.OnAlert == nil {
		return ErrNoAlertHandler
	}
	endpoint, err := m.endpoint(target, token)
	if err != nil {
		return err
	}

	gen := m.gen.Add(1)
	if c := m.handlerConn(); c != nil {
		c.pending = &intent{subscribe: true, endpoint: endpoint, handlers: h, gen: gen}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribe(endpoint, h)
	return nil
}

// subscribe swaps in a new connection. Callers hold m.mu.
func (m *Manager) subscribe(endpoint string, h Handlers) {
	m.teardown()

	c := newConn(h, m.log.With().Str("url", util.RedactQuery(endpoint, m.tokenParam)))
	m.current.Store(c)
	m.metrics.ConnectionOpened()
	c.log.Debug().Msg("subscribing")

	go m.run(c, endpoint)
}

// Disconnect tears down the current connection. It is a no-op when nothing
// is subscribed or the connection is already closed. Called from an event
// handler, it closes the handler's own connection once the handler
// returns.
func (m *Manager) Disconnect() {
	m.gen.Add(1)
	if c := m.handlerConn(); c != nil {
		c.pending = &intent{}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown()
}

// Close disconnects; it lets a Manager be used as an io.Closer.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// State reports the state of the current connection. It never blocks, so
// handlers may call it.
func (m *Manager) State() State {
	c := m.current.Load()
	if c == nil {
		return StateIdle
	}
	return c.State()
}

// ID returns the current subscription ID, or "" before the first Subscribe.
func (m *Manager) ID() string {
	c := m.current.Load()
	if c == nil {
		return ""
	}
	return c.id
}

// handlerConn returns the conn whose event handler is running on the
// calling goroutine, or nil.
func (m *Manager) handlerConn() *conn {
	if m.delivering.Load() == 0 {
		return nil
	}
	v, ok := m.inHandler.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*conn)
}

// teardown closes the current connection. Callers hold m.mu.
func (m *Manager) teardown() {
	c := m.current.Load()
	if c == nil || c.tornDown {
		return
	}
	c.tornDown = true

	// Detach first so nothing is delivered while the transport winds down.
	c.gate.Lock()
	c.detached = true
	c.gate.Unlock()

	c.cancel()
	<-c.done
	c.state.Store(int32(StateClosed))
	c.log.Debug().Msg("connection torn down")
}

func (m *Manager) endpoint(target, token string) (string, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, util.RedactQuery(target, m.tokenParam))
	}
	if token != "" {
		q := u.Query()
		q.Set(m.tokenParam, token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// =============================================================================
// CONNECTION
// =============================================================================

// conn is one connection attempt and its reader goroutine.
type conn struct {
	id       string
	handlers Handlers
	log      zerolog.Logger
	state    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// gate is held while a handler runs; detached, once set under gate,
	// stops every later delivery.
	gate     sync.Mutex
	detached bool

	// tornDown is guarded by Manager.mu.
	tornDown bool

	// goid identifies the run goroutine. pending is a Subscribe or
	// Disconnect made by a running handler; both belong to that goroutine.
	goid    uint64
	pending *intent
}

// intent is a Subscribe (or, when subscribe is false, a Disconnect) issued
// from inside an event handler.
type intent struct {
	subscribe bool
	endpoint  string
	handlers  Handlers
	gen       uint64
}

func newConn(h Handlers, logCtx zerolog.Context) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &conn{
		id:       id,
		handlers: h,
		log:      logCtx.Str("subscription_id", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *conn) State() State {
	return State(c.state.Load())
}

// run owns the connection's transport for its whole life.
func (m *Manager) run(c *conn, endpoint string) {
	c.goid = goroutineID()
	err := m.consume(c, endpoint)
	c.cancel()
	m.metrics.ConnectionClosed()

	if err == nil {
		// Torn down by Subscribe or Disconnect.
		close(c.done)
		return
	}

	c.gate.Lock()
	detached := c.detached
	c.detached = true
	c.gate.Unlock()
	c.state.Store(int32(StateClosed))
	close(c.done)

	if detached {
		return
	}
	m.metrics.ConnectionError()
	c.log.Warn().Err(err).Msg("notification stream failed")
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

// consume connects and dispatches events until the transport ends. It
// returns nil when the connection was canceled by a teardown.
func (m *Manager) consume(c *conn, endpoint string) error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	c.log.Debug().Msg("notification stream open")

	reader := NewReader(resp.Body)
	for {
		frame, err := reader.ReadEvent()
		switch {
		case err == nil:
			m.dispatch(c, frame)
		case errors.Is(err, ErrEventTooLarge):
			m.metrics.EventDropped("oversized")
			c.log.Warn().Int("limit", MaxEventSize).Msg("dropping oversized event")
		case c.ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			return ErrStreamEnded
		default:
			return fmt.Errorf("notification stream read failed: %w", err)
		}
	}
}

// dispatch decodes one frame and hands it to the matching handler.
func (m *Manager) dispatch(c *conn, f Frame) {
	ev, err := decodeFrame(f)
	if err != nil {
		if errors.Is(err, errUnknownEvent) {
			m.metrics.EventDropped("unknown")
			c.log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
			return
		}
		m.metrics.EventDropped("malformed")
		c.log.Warn().Err(err).Str("event", f.Event).
			Str("data", util.TruncateRunes(f.Data, 120)).
			Msg("dropping malformed event")
		return
	}

	c.gate.Lock()
	if c.detached {
		c.gate.Unlock()
		m.metrics.EventDropped("closed")
		return
	}
	m.metrics.EventReceived(f.Event)

	m.deliver(c, ev)

	next := c.pending
	c.pending = nil
	if next != nil {
		c.detached = true
		c.state.Store(int32(StateClosed))
		c.cancel()
	}
	c.gate.Unlock()

	if next != nil && next.subscribe {
		go m.resubscribe(next)
	}
}

// resubscribe applies a Subscribe made from a handler unless a later call
// has superseded it.
func (m *Manager) resubscribe(in *intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != in.gen {
		return
	}
	m.subscribe(in.endpoint, in.handlers)
}

// deliver runs the handler for ev. Callers hold c.gate.
func (m *Manager) deliver(c *conn, ev Event) {
	m.inHandler.Store(c.goid, c)
	m.delivering.Add(1)
	defer func() {
		m.delivering.Add(-1)
		m.inHandler.Delete(c.goid)
	}()

	switch e := ev.(type) {
	case Alert:
		c.handlers.OnAlert(e)
	case AlertUpdate:
		if c.handlers.OnAlertUpdate != nil {
			c.handlers.OnAlertUpdate(e)
		}
	case Heartbeat:
		if c.handlers.OnHeartbeat != nil {
			c.handlers.OnHeartbeat(e)
		}
	}
}

// goroutineID parses the calling goroutine's number from its stack header
// ("goroutine 18 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
