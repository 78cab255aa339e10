package store

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/value"
)

// Notification is delivered to subscribers.
type Notification struct {
	Action       Action
	ChangedPaths []string
	State        value.Object
}

// Listener receives notifications.
type Listener func(n Notification)

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// Debounce delivers at most one notification per quiet period d. The
// delivered notification carries the latest action and the union of the
// changed paths seen since the last delivery.
func Debounce(d time.Duration) SubscribeOption {
	return func(sub *subscription) { sub.debounce = d }
}

// ActionTypes restricts delivery to actions carrying one of the labels.
func ActionTypes(types ...string) SubscribeOption {
	return func(sub *subscription) { sub.types = types }
}

type subscription struct {
	id       int
	paths    []statepath.Path
	fn       Listener
	debounce time.Duration
	types    []string
	active   bool

	timer   clock.Timer
	pending *Notification
}

// Subscribe registers fn for changes related to any of paths. Use "*" to
// receive every change. The returned function unsubscribes; calling it
// more than once is harmless.
func (s *Store) Subscribe(paths []string, fn Listener, opts ...SubscribeOption) (func(), error) {
	if len(paths) == 0 {
		return nil, &PathError{Op: "subscribe", Path: "", Err: fmt.Errorf("%w: no paths", statepath.ErrInvalidPath)}
	}
	parsed := make([]statepath.Path, 0, len(paths))
	for _, raw := range paths {
		p, err := statepath.Parse(raw)
		if err != nil {
			return nil, &PathError{Op: "subscribe", Path: raw, Err: err}
		}
		parsed = append(parsed, p)
	}

	s.nextSubID++
	sub := &subscription{id: s.nextSubID, paths: parsed, fn: fn, active: true}
	for _, opt := range opts {
		opt(sub)
	}
	s.subs = append(s.subs, sub)

	return func() { s.unsubscribe(sub) }, nil
}

func (s *Store) unsubscribe(sub *subscription) {
	if !sub.active {
		return
	}
	sub.active = false
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	sub.pending = nil
	s.subs = slices.DeleteFunc(s.subs, func(x *subscription) bool { return x == sub })
}

func (s *Store) queueNotify(p *reactive.Pass, a Action) {
	p.Callback(func() { s.notify(a) })
}

func (s *Store) notify(a Action) {
	changed := changedSet(a)
	subs := slices.Clone(s.subs)
	for _, sub := range subs {
		if !sub.active || !sub.matches(a, changed) {
			continue
		}
		n := Notification{Action: a, ChangedPaths: a.ChangedPaths, State: s.root}
		if sub.debounce > 0 {
			s.debounced(sub, n)
			continue
		}
		s.deliver(sub, n)
	}
}

// changedSet parses a's changed paths: every written path with its
// ancestors, or the wildcard for broadcasts.
func changedSet(a Action) []statepath.Path {
	out := make([]statepath.Path, 0, len(a.ChangedPaths))
	for _, c := range a.ChangedPaths {
		p, err := statepath.Parse(c)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (sub *subscription) matches(a Action, changed []statepath.Path) bool {
	if len(sub.types) > 0 {
		found := false
		for _, t := range a.Types {
			if slices.Contains(sub.types, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return statepath.AnyRelated(sub.paths, changed)
}

func (s *Store) debounced(sub *subscription, n Notification) {
	if sub.pending != nil {
		n.ChangedPaths = unionSorted(sub.pending.ChangedPaths, n.ChangedPaths)
	}
	sub.pending = &n
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = s.sched.AfterFunc(sub.debounce, func() {
		if !sub.active || sub.pending == nil {
			return
		}
		out := *sub.pending
		sub.pending = nil
		sub.timer = nil
		out.State = s.root
		s.deliver(sub, out)
	})
}

func (s *Store) deliver(sub *subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked",
				"subscription", sub.id,
				"action_id", n.Action.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.fn(n)
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, x := range b {
		set[x] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for x := range set {
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}
