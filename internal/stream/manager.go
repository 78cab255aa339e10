package stream

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/pipeline"
	"github.com/roach88/statecore/internal/value"
)

// Event types published by the manager itself.
const (
	EventConnected = "stream.connected"
	EventFailed    = "stream.failed"
)

const (
	DefaultReconnectDelay = time.Second
	DefaultMaxAttempts    = 5
	// DefaultReadTimeout bounds the wait for a frame, keepalives included.
	DefaultReadTimeout    = time.Minute
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("stream manager closed")

// Sink receives decoded messages. *pipeline.Pipeline implements it.
type Sink interface {
	Transform(dataType string, data value.Value) (value.Value, error)
	Publish(dataType string, data value.Value, meta pipeline.Meta) int
	InvalidateCache(pattern string) int
}

var _ Sink = (*pipeline.Pipeline)(nil)

// record is the manager's view of one endpoint. gen changes whenever the
// current connection is abandoned on purpose, so callbacks from the old
// connection can tell they are stale.
type record struct {
	endpoint string
	attempts int
	gen      uint64
	conn     Conn
	cancel   context.CancelFunc
	timer    clock.Timer
}

// Manager owns websocket connections keyed by endpoint.
type Manager struct {
	dialer         Dialer
	sink           Sink
	clock          clock.Clock
	logger         *slog.Logger
	post           func(func())
	dispatch       func(func())
	reconnectDelay time.Duration
	maxAttempts    int

	mu      sync.Mutex
	records map[string]*record
	paused  bool
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReconnectDelay sets the base backoff; attempt n waits delay << n.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithMaxAttempts sets how many reconnects are tried before giving up.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithExecutor routes message handling through post.
func WithExecutor(post func(func())) Option {
	return func(m *Manager) { m.post = post }
}

// WithDispatcher controls how connection goroutines start.
func WithDispatcher(dispatch func(func())) Option {
	return func(m *Manager) { m.dispatch = dispatch }
}

// NewManager returns a manager dialing with d and delivering to sink.
func NewManager(d Dialer, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		dialer:         d,
		sink:           sink,
		clock:          clock.Real{},
		logger:         slog.Default(),
		post:           func(fn func()) { fn() },
		dispatch:       func(fn func()) { go fn() },
		reconnectDelay: DefaultReconnectDelay,
		maxAttempts:    DefaultMaxAttempts,
		records:        make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts maintaining a connection to endpoint. Connecting to an
// endpoint that is already managed is a no-op. While paused the record is
// created and opened on Resume.
func (m *Manager) Connect(endpoint string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.records[endpoint]; ok {
		m.mu.Unlock()
		return nil
	}
	rec := &record{endpoint: endpoint}
	m.records[endpoint] = rec
	var start func()
	if !m.paused {
		start = m.openLocked(rec)
	}
	m.mu.Unlock()

	if start != nil {
		m.dispatch(start)
	}
	return nil
}

// openLocked prepares a connection attempt; the caller runs the returned
// function after releasing mu.
func (m *Manager) openLocked(rec *record) func() {
	rec.gen++
	gen := rec.gen
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	return func() { m.run(ctx, rec, gen) }
}

func (m *Manager) run(ctx context.Context, rec *record, gen uint64) {
	conn, err := m.dialer.Dial(ctx, rec.endpoint)
	if err != nil {
		m.handleClose(rec, gen, err)
		return
	}
	if !m.handleOpen(rec, gen, conn) {
		_ = conn.Close()
		return
	}
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			m.handleClose(rec, gen, err)
			return
		}
		m.post(func() { m.handleMessage(rec.endpoint, raw) })
	}
}

func (m *Manager) stale(rec *record, gen uint64) bool {
	return m.closed || m.records[rec.endpoint] != rec || rec.gen != gen
}

func (m *Manager) handleOpen(rec *record, gen uint64, conn Conn) bool {
	m.mu.Lock()
	if m.stale(rec, gen) {
		m.mu.Unlock()
		return false
	}
	rec.conn = conn
	rec.attempts = 0
	m.mu.Unlock()

	m.logger.Info("stream connected", "component", "stream", "endpoint", rec.endpoint)
	m.post(func() {
		m.sink.Publish(EventConnected, value.Object{"endpoint": value.String(rec.endpoint)},
			pipeline.Meta{Source: pipeline.SourceWebsocket, Endpoint: rec.endpoint})
	})
	return true
}

func (m *Manager) handleMessage(endpoint string, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		m.logger.Warn("dropping stream message",
			"component", "stream",
			"endpoint", endpoint,
			"error", err)
		return
	}
	if msg.CacheKey != "" {
		m.sink.InvalidateCache(msg.CacheKey)
	}
	data, err := m.sink.Transform(msg.Type, msg.Data)
	if err != nil {
		m.logger.Warn("stream transform failed",
			"component", "stream",
			"endpoint", endpoint,
			"type", msg.Type,
			"error", err)
		return
	}
	m.sink.Publish(msg.Type, data, pipeline.Meta{
		Source:    pipeline.SourceWebsocket,
		Endpoint:  endpoint,
		CacheKey:  msg.CacheKey,
		Timestamp: msg.Timestamp,
	})
}

// handleClose schedules a reconnect or, once attempts are exhausted,
// drops the record and publishes EventFailed.
func (m *Manager) handleClose(rec *record, gen uint64, cause error) {
	m.mu.Lock()
	if m.stale(rec, gen) {
		m.mu.Unlock()
		return
	}
	rec.conn = nil
	if m.paused {
		m.mu.Unlock()
		return
	}
	if rec.attempts < m.maxAttempts {
		delay := m.reconnectDelay << rec.attempts
		rec.attempts++
		attempt := rec.attempts
		rec.timer = m.clock.AfterFunc(delay, func() { m.reconnect(rec, gen) })
		m.mu.Unlock()
		m.logger.Warn("stream closed, reconnecting",
			"component", "stream",
			"endpoint", rec.endpoint,
			"attempt", attempt,
			"delay", delay,
			"error", cause)
		return
	}
	delete(m.records, rec.endpoint)
	attempts := rec.attempts
	m.mu.Unlock()

	m.logger.Error("stream gave up",
		"component", "stream",
		"endpoint", rec.endpoint,
		"attempts", attempts,
		"error", cause)
	m.post(func() {
		m.sink.Publish(EventFailed, value.Object{
			"endpoint": value.String(rec.endpoint),
			"attempts": value.Int(attempts),
			"error":    value.String(cause.Error()),
		}, pipeline.Meta{Source: pipeline.SourceWebsocket, Endpoint: rec.endpoint})
	})
}

func (m *Manager) reconnect(rec *record, gen uint64) {
	m.mu.Lock()
	if m.stale(rec, gen) || m.paused {
		m.mu.Unlock()
		return
	}
	rec.timer = nil
	start := m.openLocked(rec)
	m.mu.Unlock()
	m.dispatch(start)
}

// abandonLocked invalidates the current connection of rec and returns it
// for closing outside mu.
func (m *Manager) abandonLocked(rec *record) Conn {
	rec.gen++
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	conn := rec.conn
	rec.conn = nil
	return conn
}

// Disconnect stops managing endpoint and closes its connection.
func (m *Manager) Disconnect(endpoint string) {
	m.mu.Lock()
	rec, ok := m.records[endpoint]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.records, endpoint)
	conn := m.abandonLocked(rec)
	m.mu.Unlock()
	closeConn(conn)
}

// Pause closes every connection but keeps the records and their attempt
// counters.
func (m *Manager) Pause() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	var conns []Conn
	for _, rec := range m.records {
		conns = append(conns, m.abandonLocked(rec))
	}
	m.mu.Unlock()
	for _, c := range conns {
		closeConn(c)
	}
}

// Resume reopens every record closed by Pause.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.paused || m.closed {
		m.mu.Unlock()
		return
	}
	m.paused = false
	var starts []func()
	for _, ep := range m.endpointsLocked() {
		starts = append(starts, m.openLocked(m.records[ep]))
	}
	m.mu.Unlock()
	for _, start := range starts {
		m.dispatch(start)
	}
}

// Close disconnects everything. Later Connect calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var conns []Conn
	for ep, rec := range m.records {
		conns = append(conns, m.abandonLocked(rec))
		delete(m.records, ep)
	}
	m.mu.Unlock()
	for _, c := range conns {
		closeConn(c)
	}
}

// Attempts reports the reconnect counter for endpoint.
func (m *Manager) Attempts(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[endpoint]; ok {
		return rec.attempts
	}
	return 0
}

// Connected reports whether endpoint has an open connection.
func (m *Manager) Connected(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[endpoint]
	return ok && rec.conn != nil
}

// Endpoints lists managed endpoints in sorted order.
func (m *Manager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpointsLocked()
}

func (m *Manager) endpointsLocked() []string {
	out := make([]string, 0, len(m.records))
	for ep := range m.records {
		out = append(out, ep)
	}
	slices.Sort(out)
	return out
}

func closeConn(c Conn) {
	if c != nil {
		_ = c.Close()
	}
}
