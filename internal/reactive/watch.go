package reactive

import (
	"github.com/roach88/statecore/internal/value"
)

// Watcher calls back when the value produced by its source function
// changes structurally.
type Watcher struct {
	c        *Computed
	cb       func(newV, oldV value.Value)
	prev     value.Value
	disposed bool
}

// WatchOption configures a Watcher.
type WatchOption func(*watchConfig)

type watchConfig struct {
	immediate bool
}

// Immediate invokes the callback once at creation with a nil old value.
func Immediate() WatchOption {
	return func(c *watchConfig) {
		c.immediate = true
	}
}

// Watch evaluates fn, records its dependencies, and calls cb in the
// callback phase of any pass after which fn's result differs from the
// previously observed result. Comparisons use deep copies, so in-place
// mutation of a watched object is still detected.
//
// An error from the first evaluation is returned and no watcher is created.
func (rt *Runtime) Watch(fn func() (value.Value, error), cb func(newV, oldV value.Value), opts ...WatchOption) (*Watcher, error) {
	var cfg watchConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	c := rt.Computed(fn)
	v, err := c.GetValue()
	if err != nil {
		c.Dispose()
		return nil, err
	}

	w := &Watcher{c: c, cb: cb, prev: value.Clone(v)}
	c.onDirty = func(p *Pass) {
		p.Callback(w.check)
	}
	if cfg.immediate {
		cb(v, nil)
	}
	return w, nil
}

// Value returns the last observed value.
func (w *Watcher) Value() value.Value {
	return w.prev
}

// Dispose stops the watcher and drops its dependency edges.
func (w *Watcher) Dispose() {
	if w.disposed {
		return
	}
	w.disposed = true
	w.c.Dispose()
}

func (w *Watcher) check() {
	if w.disposed {
		return
	}
	v, err := w.c.GetValue()
	if err != nil {
		w.c.rt.logger.Warn("watcher evaluation failed",
			"node", uint64(w.c.id),
			"error", err,
		)
		return
	}
	if value.Equal(v, w.prev) {
		return
	}
	old := w.prev
	w.prev = value.Clone(v)
	w.cb(v, old)
}
