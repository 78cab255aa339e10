package pipeline

import (
	"context"
	"sync"

	"github.com/roach88/statecore/internal/value"
)

// Future is the pending result of a Fetch.
type Future struct {
	done chan struct{}
	once sync.Once
	data value.Value
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(data value.Value, err error) *Future {
	f := newFuture()
	f.settle(data, err)
	return f
}

func (f *Future) settle(data value.Value, err error) {
	f.once.Do(func() {
		f.data = data
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx ends. Abandoning a
// Wait does not cancel the request; it still completes and is cached.
func (f *Future) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (data value.Value, err error, ok bool) {
	select {
	case <-f.done:
		return f.data, f.err, true
	default:
		return nil, nil, false
	}
}
