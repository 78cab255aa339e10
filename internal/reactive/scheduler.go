package reactive

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/value"
)

// UpdateKind orders the work inside one pass.
type UpdateKind int

const (
	// KindPropertyChange is a write to an observable target.
	KindPropertyChange UpdateKind = iota + 1
	// KindComputedInvalidate marks a computed node dirty.
	KindComputedInvalidate
	// KindWatcherCallback runs a user callback.
	KindWatcherCallback
)

func (k UpdateKind) String() string {
	switch k {
	case KindPropertyChange:
		return "property-change"
	case KindComputedInvalidate:
		return "computed-invalidate"
	case KindWatcherCallback:
		return "watcher-callback"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update is one queued unit of work.
type Update struct {
	Kind UpdateKind
	Seq  int64

	// Property-change fields.
	Target Committer
	Key    string
	Value  value.Value
	Old    value.Value
	Meta   any

	// Computed-invalidate field.
	Node ID

	// Watcher-callback field.
	Callback func()
}

// Committer receives the property-change records addressed to it, in
// enqueue order, once per pass. It reports affected computeds through
// p.Invalidate and defers user callbacks through p.Callback.
type Committer interface {
	Commit(p *Pass, updates []Update)
}

// Driver decides when a requested pass actually runs.
type Driver interface {
	// Schedule arranges for run to be called later on the owner goroutine.
	Schedule(run func())
	// AfterFunc runs f on the owner goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Pass is the context handed to committers and invalidation handlers while
// a pass is running.
type Pass struct {
	s          *Scheduler
	number     int
	seen       map[ID]struct{}
	invalidate []ID
	stale      []*Computed
	callbacks  []Update
}

// Number returns the 1-based pass counter.
func (p *Pass) Number() int {
	return p.number
}

// Invalidate queues computeds for the invalidation phase of this pass.
// Each node is processed at most once per pass.
func (p *Pass) Invalidate(ids ...ID) {
	for _, id := range ids {
		if _, ok := p.seen[id]; ok {
			continue
		}
		p.seen[id] = struct{}{}
		p.invalidate = append(p.invalidate, id)
	}
}

// Callback queues fn for the callback phase of this pass.
func (p *Pass) Callback(fn func()) {
	p.callbacks = append(p.callbacks, Update{
		Kind:     KindWatcherCallback,
		Seq:      p.s.seq.Next(),
		Callback: fn,
	})
}

// Scheduler coalesces updates into ordered passes.
type Scheduler struct {
	driver Driver
	seq    *clock.Seq
	logger *slog.Logger

	queue     []Update
	ticks     []func()
	scheduled bool
	running   bool
	passes    int

	onInvalidate func(p *Pass, id ID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger. Default: slog.Default().
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSeq sets the sequence counter used to stamp updates.
func WithSeq(seq *clock.Seq) SchedulerOption {
	return func(s *Scheduler) {
		s.seq = seq
	}
}

// NewScheduler creates a scheduler that runs passes through driver.
func NewScheduler(driver Driver, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		driver: driver,
		seq:    clock.NewSeq(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue stamps u with the next sequence number and requests a pass.
func (s *Scheduler) Enqueue(u Update) {
	u.Seq = s.seq.Next()
	s.queue = append(s.queue, u)
	s.request()
}

// NextTick runs fn after the current (or next) pass has finished.
func (s *Scheduler) NextTick(fn func()) {
	s.ticks = append(s.ticks, fn)
	s.request()
}

// AfterFunc runs fn on the owner goroutine after d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return s.driver.AfterFunc(d, fn)
}

// Flush runs passes synchronously until no work remains. Calling Flush
// from inside a pass does nothing; the running pass reschedules itself if
// more work arrived.
func (s *Scheduler) Flush() {
	if s.running {
		return
	}
	for len(s.queue) > 0 || len(s.ticks) > 0 {
		s.runPass()
	}
}

// Pending returns the number of queued updates.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Passes returns how many passes have run.
func (s *Scheduler) Passes() int {
	return s.passes
}

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool {
	return s.running
}

func (s *Scheduler) request() {
	if s.scheduled || s.running {
		return
	}
	s.scheduled = true
	s.driver.Schedule(s.run)
}

func (s *Scheduler) run() {
	s.scheduled = false
	if s.running {
		return
	}
	if len(s.queue) == 0 && len(s.ticks) == 0 {
		return
	}
	s.runPass()
}

func (s *Scheduler) runPass() {
	s.running = true
	s.scheduled = false
	s.passes++

	batch := s.queue
	s.queue = nil
	p := &Pass{s: s, number: s.passes, seen: make(map[ID]struct{})}

	// Phase 1: property changes, grouped per target in first-seen order.
	var targets []Committer
	groups := make(map[Committer][]Update)
	for _, u := range batch {
		switch u.Kind {
		case KindPropertyChange:
			if _, ok := groups[u.Target]; !ok {
				targets = append(targets, u.Target)
			}
			groups[u.Target] = append(groups[u.Target], u)
		case KindComputedInvalidate:
			p.Invalidate(u.Node)
		case KindWatcherCallback:
			p.callbacks = append(p.callbacks, u)
		}
	}
	for _, target := range targets {
		s.commit(p, target, groups[target])
	}

	// Phase 2: invalidation. Handlers may append more ids.
	for i := 0; i < len(p.invalidate); i++ {
		if s.onInvalidate != nil {
			s.onInvalidate(p, p.invalidate[i])
		}
	}

	// Eager computeds recompute after the full invalidation set is known.
	for _, c := range p.stale {
		c.refresh()
	}

	// Phase 3: callbacks, in the order they were queued.
	for i := 0; i < len(p.callbacks); i++ {
		s.call(p.callbacks[i].Callback)
	}

	ticks := s.ticks
	s.ticks = nil
	for _, fn := range ticks {
		s.call(fn)
	}

	s.running = false
	s.logger.Debug("update pass complete",
		"pass", p.number,
		"updates", len(batch),
		"invalidated", len(p.invalidate),
		"callbacks", len(p.callbacks),
	)

	if len(s.queue) > 0 || len(s.ticks) > 0 {
		s.request()
	}
}

func (s *Scheduler) commit(p *Pass, target Committer, ups []Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("commit panicked",
				"pass", p.number,
				"updates", len(ups),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	target.Commit(p, ups)
}

func (s *Scheduler) call(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("update callback panicked",
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}
