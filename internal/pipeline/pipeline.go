package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/value"
)

const (
	// DefaultBatchWindow is how long Fetch waits to gather a batch.
	DefaultBatchWindow = 10 * time.Millisecond
	// DefaultMaxRetries bounds extra attempts for retryable failures.
	DefaultMaxRetries = 3
	// DefaultRetryBase is the first retry delay; each retry doubles it.
	DefaultRetryBase = time.Second
	// DefaultSweepInterval is how often expired cache entries are dropped.
	DefaultSweepInterval = time.Minute
)

// Transformer reshapes a response before it is cached and published.
type Transformer func(value.Value) (value.Value, error)

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Hits         int64
	Misses       int64
	Deduped      int64
	NetworkCalls int64
	BatchCalls   int64
	Retries      int64
	Failures     int64
	CacheEntries int
	Pending      int
	Queued       int
}

type pendingRequest struct {
	key      string
	opts     fetchOptions
	waiters  []*Future
	attempts int
	inFlight bool
}

// Pipeline caches, batches, deduplicates and retries remote requests.
type Pipeline struct {
	transport     Transport
	clock         clock.Clock
	logger        *slog.Logger
	bus           *Bus
	metrics       *metrics
	post          func(func())
	dispatch      func(func())
	window        time.Duration
	maxRetries    int
	retryBase     time.Duration
	defaultTTL    time.Duration
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cache        *cache
	pending      map[string]*pendingRequest
	queue        []string
	batchTimer   clock.Timer
	sweepTimer   clock.Timer
	retryTimers  map[string]clock.Timer
	transformers map[string]Transformer
	stats        Stats
	closed       bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source for batching, TTLs and retries.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithBus shares an existing bus, e.g. with a stream.Manager.
func WithBus(b *Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithBatchWindow sets the queue gathering delay.
func WithBatchWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.window = d }
}

// WithMaxRetries sets the retry ceiling. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) { p.maxRetries = n }
}

// WithRetryBase sets the first retry delay.
func WithRetryBase(d time.Duration) Option {
	return func(p *Pipeline) { p.retryBase = d }
}

// WithDefaultTTL sets the cache lifetime used when Fetch has no TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.defaultTTL = d }
}

// WithSweepInterval sets the expired-entry sweep period. Zero disables
// the sweeper; entries still expire lazily on lookup.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.sweepInterval = d }
}

// WithExecutor runs publication and future resolution through post, for
// example loop.Loop.Post, so subscribers that touch the store run on its
// owner goroutine. The default runs them on the network goroutine.
func WithExecutor(post func(func())) Option {
	return func(p *Pipeline) { p.post = post }
}

// WithDispatcher controls how transport calls are started. The default
// starts a goroutine per call; tests pass a synchronous dispatcher.
func WithDispatcher(dispatch func(func())) Option {
	return func(p *Pipeline) { p.dispatch = dispatch }
}

// New returns a pipeline sending requests through t.
func New(t Transport, opts ...Option) *Pipeline {
	p := &Pipeline{
		transport:     t,
		clock:         clock.Real{},
		logger:        slog.Default(),
		metrics:       newMetrics(),
		post:          func(fn func()) { fn() },
		dispatch:      func(fn func()) { go fn() },
		window:        DefaultBatchWindow,
		maxRetries:    DefaultMaxRetries,
		retryBase:     DefaultRetryBase,
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		cache:         newCache(),
		pending:       make(map[string]*pendingRequest),
		retryTimers:   make(map[string]clock.Timer),
		transformers:  make(map[string]Transformer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bus == nil {
		p.bus = NewBus(p.clock, p.logger)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.sweepInterval > 0 {
		p.mu.Lock()
		p.sweepTimer = p.clock.AfterFunc(p.sweepInterval, p.sweepTick)
		p.mu.Unlock()
	}
	return p
}

// Fetch returns the cached response for the request or queues it. The
// future resolves after subscribers of the data type have seen the data.
func (p *Pipeline) Fetch(endpoint string, opts ...FetchOption) *Future {
	o := buildFetchOptions(endpoint, opts)
	if o.err != nil {
		return resolvedFuture(nil, o.err)
	}
	key, err := CacheKey(o.req)
	if err != nil {
		return resolvedFuture(nil, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return resolvedFuture(nil, ErrClosed)
	}
	if !o.noCache {
		if data, ok := p.cache.get(key, p.clock.Now()); ok {
			p.stats.Hits++
			p.metrics.requests.WithLabelValues("hit").Inc()
			return resolvedFuture(data, nil)
		}
	}

	f := newFuture()
	if pr, ok := p.pending[key]; ok {
		pr.waiters = append(pr.waiters, f)
		p.stats.Deduped++
		p.metrics.requests.WithLabelValues("deduped").Inc()
		return f
	}
	p.stats.Misses++
	p.metrics.requests.WithLabelValues("miss").Inc()
	p.pending[key] = &pendingRequest{key: key, opts: o, waiters: []*Future{f}}
	p.queue = append(p.queue, key)
	p.scheduleLocked()
	return f
}

func (p *Pipeline) scheduleLocked() {
	if p.batchTimer != nil || len(p.queue) == 0 {
		return
	}
	p.batchTimer = p.clock.AfterFunc(p.window, p.processQueue)
}

// processQueue drains the queue, grouping requests by endpoint in order of
// first appearance.
func (p *Pipeline) processQueue() {
	p.mu.Lock()
	p.batchTimer = nil
	if p.closed {
		p.mu.Unlock()
		return
	}
	keys := p.queue
	p.queue = nil
	groups := make(map[string][]*pendingRequest)
	var order []string
	for _, k := range keys {
		pr := p.pending[k]
		if pr == nil || pr.inFlight {
			continue
		}
		pr.inFlight = true
		ep := pr.opts.req.Endpoint
		if _, seen := groups[ep]; !seen {
			order = append(order, ep)
		}
		groups[ep] = append(groups[ep], pr)
	}
	p.mu.Unlock()

	bt, canBatch := p.transport.(BatchTransport)
	for _, ep := range order {
		group := groups[ep]
		if len(group) > 1 && canBatch {
			p.dispatch(func() { p.sendBatch(bt, group) })
			continue
		}
		for _, pr := range group {
			p.dispatch(func() { p.sendOne(pr) })
		}
	}
}

func (p *Pipeline) sendOne(pr *pendingRequest) {
	start := p.clock.Now()
	data, err := p.transport.Do(p.ctx, pr.opts.req)
	p.observeCall("single", start)
	p.settle(pr, data, err)
}

func (p *Pipeline) sendBatch(bt BatchTransport, group []*pendingRequest) {
	reqs := make([]Request, len(group))
	for i, pr := range group {
		reqs[i] = pr.opts.req
	}
	start := p.clock.Now()
	results, err := bt.DoBatch(p.ctx, reqs)
	p.observeCall("batch", start)
	if err == nil && len(results) != len(group) {
		err = fmt.Errorf("batch returned %d results for %d requests", len(results), len(group))
	}
	if err != nil {
		p.logger.Warn("batch request failed, sending individually",
			"component", "pipeline",
			"endpoint", reqs[0].Endpoint,
			"size", len(reqs),
			"error", err)
		for _, pr := range group {
			p.dispatch(func() { p.sendOne(pr) })
		}
		return
	}
	for i, pr := range group {
		p.settle(pr, results[i].Data, results[i].Err)
	}
}

func (p *Pipeline) observeCall(kind string, start time.Time) {
	p.metrics.networkCalls.WithLabelValues(kind).Inc()
	p.metrics.callDuration.WithLabelValues(kind).Observe(p.clock.Now().Sub(start).Seconds())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.NetworkCalls++
	if kind == "batch" {
		p.stats.BatchCalls++
	}
}

func (p *Pipeline) settle(pr *pendingRequest, data value.Value, err error) {
	if err == nil {
		data, err = p.Transform(pr.opts.dataType, data)
	}
	if err != nil {
		p.fail(pr, err)
		return
	}
	p.succeed(pr, data)
}

func (p *Pipeline) succeed(pr *pendingRequest, data value.Value) {
	p.mu.Lock()
	if p.pending[pr.key] != pr {
		p.mu.Unlock()
		return
	}
	delete(p.pending, pr.key)
	if !pr.opts.noCache {
		ttl := pr.opts.ttl
		if ttl <= 0 {
			ttl = p.defaultTTL
		}
		now := p.clock.Now()
		p.cache.set(pr.key, data, now, now.Add(ttl))
		p.metrics.cacheEntries.Set(float64(p.cache.len()))
	}
	waiters := pr.waiters
	p.mu.Unlock()

	meta := Meta{Source: SourcePipeline, Endpoint: pr.opts.req.Endpoint, CacheKey: pr.key}
	p.post(func() {
		p.Publish(pr.opts.dataType, data, meta)
		for _, f := range waiters {
			f.settle(data, nil)
		}
	})
}

func (p *Pipeline) fail(pr *pendingRequest, err error) {
	p.mu.Lock()
	if p.pending[pr.key] != pr {
		p.mu.Unlock()
		return
	}
	if !p.closed && IsRetryable(err) && pr.attempts < p.maxRetries {
		delay := p.retryBase << pr.attempts
		pr.attempts++
		attempt := pr.attempts
		pr.inFlight = false
		p.stats.Retries++
		p.metrics.retries.Inc()
		p.retryTimers[pr.key] = p.clock.AfterFunc(delay, func() { p.requeue(pr) })
		p.mu.Unlock()
		p.logger.Warn("request failed, retrying",
			"component", "pipeline",
			"key", pr.key,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		return
	}
	delete(p.pending, pr.key)
	p.stats.Failures++
	p.metrics.failures.Inc()
	waiters := pr.waiters
	p.mu.Unlock()

	p.logger.Error("request failed",
		"component", "pipeline",
		"key", pr.key,
		"attempts", pr.attempts+1,
		"error", err)
	wrapped := fmt.Errorf("fetch %s: %w", pr.opts.req.Endpoint, err)
	p.post(func() {
		for _, f := range waiters {
			f.settle(nil, wrapped)
		}
	})
}

// requeue puts a retried request at the front of the queue.
func (p *Pipeline) requeue(pr *pendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retryTimers, pr.key)
	if p.closed || p.pending[pr.key] != pr {
		return
	}
	p.queue = append([]string{pr.key}, p.queue...)
	p.scheduleLocked()
}

func (p *Pipeline) sweepTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if n := p.cache.sweep(p.clock.Now()); n > 0 {
		p.logger.Debug("cache swept", "component", "pipeline", "expired", n)
		p.metrics.cacheEntries.Set(float64(p.cache.len()))
	}
	p.sweepTimer = p.clock.AfterFunc(p.sweepInterval, p.sweepTick)
}

// RegisterTransformer sets the transformer for dataType, replacing any
// previous one.
func (p *Pipeline) RegisterTransformer(dataType string, t Transformer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transformers[dataType] = t
}

// Transform applies the registered transformer, or returns data unchanged.
func (p *Pipeline) Transform(dataType string, data value.Value) (out value.Value, err error) {
	p.mu.Lock()
	t := p.transformers[dataType]
	p.mu.Unlock()
	if t == nil {
		return data, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &TransformError{DataType: dataType, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = t(data)
	if err != nil {
		return nil, &TransformError{DataType: dataType, Err: err}
	}
	return out, nil
}

// Subscribe registers fn on the pipeline's bus.
func (p *Pipeline) Subscribe(dataType string, fn Handler, opts ...SubscribeOption) func() {
	return p.bus.Subscribe(dataType, fn, opts...)
}

// Publish fans data out to subscribers of dataType.
func (p *Pipeline) Publish(dataType string, data value.Value, meta Meta) int {
	p.metrics.published.WithLabelValues(meta.Source).Inc()
	return p.bus.Publish(dataType, data, meta)
}

// InvalidateCache removes the exact key or, failing that, every key
// matching pattern as a regular expression (substring if it does not
// compile). It returns the number of entries removed.
func (p *Pipeline) InvalidateCache(pattern string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.cache.invalidate(pattern)
	p.metrics.cacheEntries.Set(float64(p.cache.len()))
	return n
}

// CacheEntry returns a copy of the live entry stored under key.
func (p *Pipeline) CacheEntry(key string) (CacheEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.cache.peek(key, p.clock.Now())
	if !ok {
		return CacheEntry{}, false
	}
	p.metrics.cacheEntries.Set(float64(p.cache.len()))
	return *e, true
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.CacheEntries = p.cache.len()
	s.Pending = len(p.pending)
	s.Queued = len(p.queue)
	return s
}

// Bus returns the event bus shared by fetches and streams.
func (p *Pipeline) Bus() *Bus { return p.bus }

// Registry exposes the pipeline's Prometheus metrics.
func (p *Pipeline) Registry() *prometheus.Registry { return p.metrics.registry }

// Close stops timers, cancels in-flight calls and rejects every waiting
// future with ErrClosed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	if p.sweepTimer != nil {
		p.sweepTimer.Stop()
		p.sweepTimer = nil
	}
	for k, t := range p.retryTimers {
		t.Stop()
		delete(p.retryTimers, k)
	}
	var waiters []*Future
	for k, pr := range p.pending {
		waiters = append(waiters, pr.waiters...)
		delete(p.pending, k)
	}
	p.queue = nil
	p.mu.Unlock()

	for _, f := range waiters {
		f.settle(nil, ErrClosed)
	}
}
