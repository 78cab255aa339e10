package reactive

import (
	"github.com/roach88/statecore/internal/value"
)

// Computed is a derived value that caches its result until one of the
// values it read changes.
type Computed struct {
	rt *Runtime
	id ID
	fn func() (value.Value, error)

	cached    value.Value
	err       error
	dirty     bool
	computing bool
	disposed  bool
	noCache   bool
	lazy      bool

	onDirty func(p *Pass)
}

// ComputedOption configures a Computed.
type ComputedOption func(*computedConfig)

type computedConfig struct {
	noCache bool
	lazy    bool
}

// NoCache re-runs the function on every GetValue. Dependencies are still
// tracked so readers of this node are invalidated.
func NoCache() ComputedOption {
	return func(c *computedConfig) {
		c.noCache = true
	}
}

// Lazy defers evaluation until GetValue, both at creation and after each
// invalidation. Without it the node recomputes in the pass that
// invalidated it.
func Lazy() ComputedOption {
	return func(c *computedConfig) {
		c.lazy = true
	}
}

// Computed creates a derived value. Unless Lazy is given, fn runs once
// immediately so dependencies are recorded up front, and again in every
// pass that invalidates the node.
func (rt *Runtime) Computed(fn func() (value.Value, error), opts ...ComputedOption) *Computed {
	var cfg computedConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Computed{
		rt:      rt,
		id:      rt.NewID(),
		fn:      fn,
		dirty:   true,
		noCache: cfg.noCache,
		lazy:    cfg.lazy,
	}
	rt.register(c.id, c)
	if !cfg.lazy {
		c.evaluate()
	}
	return c
}

// ID returns the node's identity.
func (c *Computed) ID() ID {
	return c.id
}

// Dirty reports whether the next GetValue will re-evaluate.
func (c *Computed) Dirty() bool {
	return c.dirty || c.noCache
}

// GetValue returns the current value, re-evaluating if stale.
//
// Reading a computed from inside another computed makes the outer one
// depend on it. Re-entering a node that is already evaluating returns a
// cycle error instead of recursing.
func (c *Computed) GetValue() (value.Value, error) {
	if c.disposed {
		return nil, NewDisposedError(c.id)
	}
	if c.computing {
		return nil, NewCycleError(c.id, c.rt.tracker.Depth())
	}
	c.rt.Track(c.id, "")
	if c.dirty || c.noCache {
		c.evaluate()
	}
	return c.cached, c.err
}

// Invalidate marks the node dirty in the next pass and cascades to its
// dependents. Nodes created without Lazy recompute in that pass.
func (c *Computed) Invalidate() {
	if c.disposed {
		return
	}
	c.rt.sched.Enqueue(Update{Kind: KindComputedInvalidate, Node: c.id})
}

// Dispose releases every dependency edge. Later reads fail with a
// disposed error.
func (c *Computed) Dispose() {
	if c.disposed {
		return
	}
	c.disposed = true
	c.cached = nil
	c.err = nil
	c.onDirty = nil
	c.rt.unregister(c.id)
}

func (c *Computed) evaluate() {
	c.computing = true
	c.rt.tracker.Release(c.id)
	c.rt.tracker.push(c.id)
	defer func() {
		c.rt.tracker.pop()
		c.computing = false
		if r := recover(); r != nil {
			c.cached = nil
			c.err = newPanicError(c.id, r)
			c.dirty = false
		}
	}()

	v, err := c.fn()
	if v == nil {
		v = value.Null{}
	}
	c.cached = v
	c.err = err
	c.dirty = false
}

func (c *Computed) invalidate(p *Pass) {
	if c.disposed {
		return
	}
	c.dirty = true
	p.Invalidate(c.rt.tracker.Dependents(c.id, "")...)
	if !c.lazy && !c.noCache {
		p.stale = append(p.stale, c)
	}
	if c.onDirty != nil {
		c.onDirty(p)
	}
}

// refresh re-evaluates an eager node once every invalidation of the pass
// is known, so upstream nodes it reads are already marked dirty.
func (c *Computed) refresh() {
	if c.disposed || !c.dirty {
		return
	}
	c.evaluate()
}
