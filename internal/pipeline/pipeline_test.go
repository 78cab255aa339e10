package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statecore/internal/testutil"
	"github.com/roach88/statecore/internal/value"
)

type fakeTransport struct {
	mu      sync.Mutex
	calls   []Request
	respond func(n int, req Request) (value.Value, error)
}

func (f *fakeTransport) Do(_ context.Context, req Request) (value.Value, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return echo(req), nil
	}
	return respond(n, req)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBatchTransport struct {
	*fakeTransport
	batches  [][]Request
	batchErr error
	drop     int
}

func (f *fakeBatchTransport) DoBatch(_ context.Context, reqs []Request) ([]BatchResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, reqs)
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([]BatchResult, len(reqs))
	for i, r := range reqs {
		out[i] = BatchResult{Data: echo(r)}
	}
	return out[:len(out)-min(f.drop, len(out))], nil
}

func echo(req Request) value.Value {
	obj := value.Object{"endpoint": value.String(req.Endpoint)}
	if len(req.Params) > 0 {
		obj["params"] = req.Params
	}
	return obj
}

func syncDispatch(fn func()) { fn() }

func newTestPipeline(t *testing.T, tr Transport, opts ...Option) (*Pipeline, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock()
	base := []Option{
		WithClock(clk),
		WithDispatcher(syncDispatch),
		WithSweepInterval(0),
	}
	p := New(tr, append(base, opts...)...)
	t.Cleanup(p.Close)
	return p, clk
}

func settled(t *testing.T, f *Future) (value.Value, error) {
	t.Helper()
	data, err, ok := f.Result()
	require.True(t, ok, "future still pending")
	return data, err
}

func TestFetchCachesResponse(t *testing.T) {
	tr := &fakeTransport{}
	p, clk := newTestPipeline(t, tr)

	f := p.Fetch("/players")
	_, _, ok := f.Result()
	assert.False(t, ok)

	clk.Advance(DefaultBatchWindow)
	data, err := settled(t, f)
	require.NoError(t, err)
	assert.Equal(t, value.String("/players"), data.(value.Object)["endpoint"])

	again := p.Fetch("/players")
	data2, err := settled(t, again)
	require.NoError(t, err)
	assert.True(t, value.Equal(data, data2))

	assert.Equal(t, 1, tr.callCount())
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.NetworkCalls)
	assert.Equal(t, 1, stats.CacheEntries)
	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.requests.WithLabelValues("hit")))
}

func TestCacheEntryTracksAccess(t *testing.T) {
	p, clk := newTestPipeline(t, &fakeTransport{})
	key, err := CacheKey(Request{Method: "GET", Endpoint: "/players"})
	require.NoError(t, err)

	f := p.Fetch("/players")
	clk.Advance(DefaultBatchWindow)
	_, err = settled(t, f)
	require.NoError(t, err)
	stored := clk.Now()

	e, ok := p.CacheEntry(key)
	require.True(t, ok)
	assert.Equal(t, int64(0), e.AccessCount)
	assert.Equal(t, stored, e.LastAccessed)
	assert.Equal(t, stored.Add(DefaultTTL), e.Expires)

	clk.Advance(time.Second)
	p.Fetch("/players")
	clk.Advance(time.Second)
	p.Fetch("/players")

	e, ok = p.CacheEntry(key)
	require.True(t, ok)
	assert.Equal(t, int64(2), e.AccessCount)
	assert.Equal(t, stored.Add(2*time.Second), e.LastAccessed)
	assert.True(t, value.Equal(echo(Request{Endpoint: "/players"}), e.Data))

	clk.Advance(DefaultTTL)
	_, ok = p.CacheEntry(key)
	assert.False(t, ok, "expired entries are not reported")
}

func TestFetchWaitHonorsContext(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Fetch("/players").Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheEntryExpires(t *testing.T) {
	tr := &fakeTransport{}
	p, clk := newTestPipeline(t, tr)

	p.Fetch("/teams", TTL(time.Second))
	clk.Advance(DefaultBatchWindow)

	clk.Advance(500 * time.Millisecond)
	_, err := settled(t, p.Fetch("/teams", TTL(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.callCount())

	clk.Advance(time.Second)
	f := p.Fetch("/teams")
	_, _, ok := f.Result()
	assert.False(t, ok, "expired entry must miss")
	clk.Advance(DefaultBatchWindow)
	_, err = settled(t, f)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.callCount())
}

func TestNoCacheBypassesCache(t *testing.T) {
	tr := &fakeTransport{}
	p, clk := newTestPipeline(t, tr)

	p.Fetch("/live", NoCache())
	clk.Advance(DefaultBatchWindow)
	assert.Equal(t, 0, p.Stats().CacheEntries)

	p.Fetch("/live", NoCache())
	clk.Advance(DefaultBatchWindow)
	assert.Equal(t, 2, tr.callCount())
}

func TestNoCacheStillDedupesInFlight(t *testing.T) {
	tr := &fakeTransport{}
	p, clk := newTestPipeline(t, tr)

	a := p.Fetch("/live", NoCache())
	b := p.Fetch("/live", NoCache())
	clk.Advance(DefaultBatchWindow)

	_, err := settled(t, a)
	require.NoError(t, err)
	_, err = settled(t, b)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.callCount())
	assert.Equal(t, 0, p.Stats().CacheEntries)
}

func TestConcurrentFetchesAreDeduplicated(t *testing.T) {
	tr := &fakeTransport{}
	p, clk := newTestPipeline(t, tr)

	a := p.Fetch("/players", Params(map[string]any{"team": "home", "page": 1}))
	b := p.Fetch("/players", Params(map[string]any{"page": 1, "team": "home"}))
	clk.Advance(DefaultBatchWindow)

	da, err := settled(t, a)
	require.NoError(t, err)
	db, err := settled(t, b)
	require.NoError(t, err)
	assert.True(t, value.Equal(da, db))
	assert.Equal(t, 1, tr.callCount())
	assert.Equal(t, int64(1), p.Stats().Deduped)
}

func TestFetchDedupesOntoRetryingRequest(t *testing.T) {
	tr := &fakeTransport{respond: func(n int, req Request) (value.Value, error) {
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		return echo(req), nil
	}}
	p, clk := newTestPipeline(t, tr, WithRetryBase(time.Second))

	first := p.Fetch("/players")
	clk.Advance(DefaultBatchWindow)
	second := p.Fetch("/players")
	clk.Advance(time.Second + DefaultBatchWindow)

	_, err := settled(t, first)
	require.NoError(t, err)
	_, err = settled(t, second)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.callCount())
}

func TestSameEndpointRequestsAreBatched(t *testing.T) {
	tr := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	p, clk := newTestPipeline(t, tr)

	home := p.Fetch("/players", Params(map[string]any{"team": "home"}))
	away := p.Fetch("/players", Params(map[string]any{"team": "away"}))
	teams := p.Fetch("/teams")
	clk.Advance(DefaultBatchWindow)

	require.Len(t, tr.batches, 1)
	assert.Len(t, tr.batches[0], 2)
	assert.Equal(t, 1, tr.callCount(), "single-request group uses Do")

	data, err := settled(t, home)
	require.NoError(t, err)
	assert.Equal(t, value.String("home"), data.(value.Object)["params"].(value.Object)["team"])
	_, err = settled(t, away)
	require.NoError(t, err)
	_, err = settled(t, teams)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stats().BatchCalls)
}

func TestBatchFailureFallsBackToSingleRequests(t *testing.T) {
	tr := &fakeBatchTransport{fakeTransport: &fakeTransport{}, batchErr: errors.New("batch unsupported")}
	p, clk := newTestPipeline(t, tr)

	a := p.Fetch("/players", Params(map[string]any{"team": "home"}))
	b := p.Fetch("/players", Params(map[string]any{"team": "away"}))
	clk.Advance(DefaultBatchWindow)

	_, err := settled(t, a)
	require.NoError(t, err)
	_, err = settled(t, b)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.callCount())
}

func TestShortBatchResponseFallsBackToSingleRequests(t *testing.T) {
	tr := &fakeBatchTransport{fakeTransport: &fakeTransport{}, drop: 1}
	p, clk := newTestPipeline(t, tr)

	a := p.Fetch("/players", Params(map[string]any{"team": "home"}))
	b := p.Fetch("/players", Params(map[string]any{"team": "away"}))
	require.NotPanics(t, func() { clk.Advance(DefaultBatchWindow) })

	data, err := settled(t, a)
	require.NoError(t, err)
	assert.Equal(t, value.String("home"), data.(value.Object)["params"].(value.Object)["team"])
	_, err = settled(t, b)
	require.NoError(t, err)
	assert.Len(t, tr.batches, 1)
	assert.Equal(t, 2, tr.callCount())
}

func TestRetryThenGiveUp(t *testing.T) {
	tr := &fakeTransport{respond: func(int, Request) (value.Value, error) {
		return nil, &StatusError{Endpoint: "/players", Code: 503}
	}}
	p, clk := newTestPipeline(t, tr, WithMaxRetries(3), WithRetryBase(time.Second))

	f := p.Fetch("/players")
	clk.Advance(DefaultBatchWindow)
	assert.Equal(t, 1, tr.callCount())

	clk.Advance(time.Second + DefaultBatchWindow)
	assert.Equal(t, 2, tr.callCount())
	clk.Advance(2*time.Second + DefaultBatchWindow)
	assert.Equal(t, 3, tr.callCount())
	_, _, ok := f.Result()
	assert.False(t, ok)

	clk.Advance(4*time.Second + DefaultBatchWindow)
	assert.Equal(t, 4, tr.callCount())

	_, err := settled(t, f)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Code)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Retries)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 0, stats.Pending)

	clk.Advance(time.Minute)
	assert.Equal(t, 4, tr.callCount(), "no attempts after giving up")
}

func TestClientErrorIsNotRetried(t *testing.T) {
	tr := &fakeTransport{respond: func(int, Request) (value.Value, error) {
		return nil, &StatusError{Endpoint: "/missing", Code: 404}
	}}
	p, clk := newTestPipeline(t, tr)

	f := p.Fetch("/missing")
	clk.Advance(time.Minute)

	_, err := settled(t, f)
	require.Error(t, err)
	assert.Equal(t, 1, tr.callCount())
	assert.Zero(t, p.Stats().Retries)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	cause := errors.New("no route configured")
	tr := &fakeTransport{respond: func(int, Request) (value.Value, error) {
		return nil, Permanent(cause)
	}}
	p, clk := newTestPipeline(t, tr, WithMaxRetries(3))

	f := p.Fetch("/players")
	clk.Advance(DefaultBatchWindow)
	_, err := settled(t, f)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, tr.callCount())
	assert.Equal(t, int64(0), p.Stats().Retries)
}

func TestTransformerRunsBeforeCacheAndPublish(t *testing.T) {
	p, clk := newTestPipeline(t, &fakeTransport{})
	p.RegisterTransformer("roster", func(v value.Value) (value.Value, error) {
		return value.Object{"wrapped": v}, nil
	})

	var events []Event
	var pendingAtPublish bool
	var f *Future
	p.Subscribe("roster", func(ev Event) {
		events = append(events, ev)
		_, _, ok := f.Result()
		pendingAtPublish = !ok
	})

	f = p.Fetch("/players", DataType("roster"))
	clk.Advance(DefaultBatchWindow)

	data, err := settled(t, f)
	require.NoError(t, err)
	assert.Contains(t, data.(value.Object), "wrapped")
	require.Len(t, events, 1)
	assert.Equal(t, SourcePipeline, events[0].Meta.Source)
	assert.Equal(t, "/players", events[0].Meta.Endpoint)
	assert.True(t, value.Equal(data, events[0].Data))
	assert.True(t, pendingAtPublish, "subscribers see data before waiters")
}

func TestTransformerErrorRejectsWithoutRetry(t *testing.T) {
	tr := &fakeTransport{}
	p, clk := newTestPipeline(t, tr)
	p.RegisterTransformer("players", func(value.Value) (value.Value, error) {
		return nil, errors.New("bad shape")
	})

	f := p.Fetch("/players")
	clk.Advance(time.Minute)

	_, err := settled(t, f)
	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "players", te.DataType)
	assert.Equal(t, 1, tr.callCount())
	assert.Zero(t, p.Stats().CacheEntries)
}

func TestInvalidateCache(t *testing.T) {
	p, clk := newTestPipeline(t, &fakeTransport{})
	p.Fetch("/players", Params(map[string]any{"team": "home"}))
	p.Fetch("/players", Params(map[string]any{"team": "away"}))
	p.Fetch("/teams")
	p.Fetch("/games[2025]")
	clk.Advance(DefaultBatchWindow)
	require.Equal(t, 4, p.Stats().CacheEntries)

	assert.Equal(t, 1, p.InvalidateCache("GET /teams"))
	assert.Equal(t, 2, p.InvalidateCache(`^GET /players \{`))
	assert.Equal(t, 1, p.InvalidateCache("games[2025"), "invalid regexp falls back to substring")
	assert.Zero(t, p.Stats().CacheEntries)
}

func TestSweeperDropsExpiredEntries(t *testing.T) {
	p, clk := newTestPipeline(t, &fakeTransport{}, WithSweepInterval(time.Minute))
	p.Fetch("/players", TTL(30*time.Second))
	clk.Advance(DefaultBatchWindow)
	require.Equal(t, 1, p.Stats().CacheEntries)

	clk.Advance(time.Minute)
	assert.Zero(t, p.Stats().CacheEntries)
}

func TestExecutorReceivesCompletions(t *testing.T) {
	var posted []func()
	p, clk := newTestPipeline(t, &fakeTransport{}, WithExecutor(func(fn func()) { posted = append(posted, fn) }))

	f := p.Fetch("/players")
	clk.Advance(DefaultBatchWindow)
	_, _, ok := f.Result()
	assert.False(t, ok)

	require.Len(t, posted, 1)
	posted[0]()
	_, err := settled(t, f)
	require.NoError(t, err)
}

func TestCloseRejectsPending(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr, WithClock(testutil.NewFakeClock()), WithDispatcher(syncDispatch))

	f := p.Fetch("/players")
	p.Close()

	_, err := settled(t, f)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = settled(t, p.Fetch("/players"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, tr.callCount())
}

func TestInvalidOptionRejectsFetch(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeTransport{})
	_, err := settled(t, p.Fetch("/players", Data(make(chan int))))
	require.Error(t, err)
}

func TestCacheKeyIsCanonical(t *testing.T) {
	a, err := CacheKey(Request{Method: "GET", Endpoint: "/players", Params: value.MustFrom(map[string]any{"b": 2, "a": 1}).(value.Object)})
	require.NoError(t, err)
	assert.Equal(t, `GET /players {"a":1,"b":2}`, a)

	b, err := CacheKey(Request{Method: "POST", Endpoint: "/search", Data: value.MustFrom(map[string]any{"q": "x"})})
	require.NoError(t, err)
	assert.Equal(t, `POST /search body={"q":"x"}`, b)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("dial tcp: refused"), true},
		{"server", &StatusError{Code: 502}, true},
		{"client", &StatusError{Code: 400}, false},
		{"canceled", context.Canceled, false},
		{"transform", &TransformError{DataType: "x", Err: errors.New("bad")}, false},
		{"closed", ErrClosed, false},
		{"permanent", Permanent(errors.New("misconfigured")), false},
		{"wrapped permanent", fmt.Errorf("fetch: %w", Permanent(errors.New("misconfigured"))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
