package reactive

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/roach88/statecore/internal/value"
)

// node is anything the invalidation phase can mark dirty.
type node interface {
	invalidate(p *Pass)
}

// Runtime ties a Tracker and a Scheduler together and owns the identity
// registry of reactive objects and computed nodes. Wrappers stay registered,
// and their maps reachable, until Object.Release.
type Runtime struct {
	sched   *Scheduler
	tracker *Tracker
	logger  *slog.Logger

	lastID  ID
	objects map[uintptr]*Object
	nodes   map[ID]node
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger used for watcher and handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// New creates a runtime that schedules through sched.
func New(sched *Scheduler, opts ...Option) *Runtime {
	rt := &Runtime{
		sched:   sched,
		tracker: NewTracker(),
		logger:  slog.Default(),
		objects: make(map[uintptr]*Object),
		nodes:   make(map[ID]node),
	}
	for _, opt := range opts {
		opt(rt)
	}
	sched.onInvalidate = rt.invalidateNode
	return rt
}

// Scheduler returns the runtime's scheduler.
func (rt *Runtime) Scheduler() *Scheduler {
	return rt.sched
}

// Tracker returns the runtime's dependency tracker.
func (rt *Runtime) Tracker() *Tracker {
	return rt.tracker
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger {
	return rt.logger
}

// NewID allocates a source ID for an external observable such as a store.
func (rt *Runtime) NewID() ID {
	rt.lastID++
	return rt.lastID
}

// Track records a read of (src, key) by the evaluating computed.
func (rt *Runtime) Track(src ID, key string) {
	rt.tracker.Track(src, key)
}

// Untracked runs fn with dependency tracking suspended.
func (rt *Runtime) Untracked(fn func()) {
	saved := rt.tracker.stack
	rt.tracker.stack = nil
	defer func() { rt.tracker.stack = saved }()
	fn()
}

// Reactive returns the observable wrapper for src.
//
// src may be an *Object (returned as-is), a value.Object (wrapped once per
// map identity), or any Go map accepted by value.From (converted, then
// wrapped).
func (rt *Runtime) Reactive(src any) (*Object, error) {
	switch v := src.(type) {
	case *Object:
		return v, nil
	case value.Object:
		return rt.wrap(v), nil
	}
	conv, err := value.From(src)
	if err != nil {
		return nil, fmt.Errorf("reactive: %w", err)
	}
	obj, ok := conv.(value.Object)
	if !ok {
		return nil, fmt.Errorf("reactive: cannot wrap %s", value.KindOf(conv))
	}
	return rt.wrap(obj), nil
}

// MustReactive is like Reactive but panics on error.
func (rt *Runtime) MustReactive(src any) *Object {
	o, err := rt.Reactive(src)
	if err != nil {
		panic(err)
	}
	return o
}

func (rt *Runtime) wrap(m value.Object) *Object {
	if m == nil {
		m = value.Object{}
	}
	key := reflect.ValueOf(m).Pointer()
	if o, ok := rt.objects[key]; ok {
		return o
	}
	o := &Object{rt: rt, id: rt.NewID(), key: key, data: m}
	rt.objects[key] = o
	return o
}

func (rt *Runtime) register(id ID, n node) {
	rt.nodes[id] = n
}

func (rt *Runtime) unregister(id ID) {
	delete(rt.nodes, id)
	rt.tracker.Release(id)
	rt.tracker.DropSource(id)
}

func (rt *Runtime) invalidateNode(p *Pass, id ID) {
	if n, ok := rt.nodes[id]; ok {
		n.invalidate(p)
	}
}
