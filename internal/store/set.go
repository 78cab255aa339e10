package store

import (
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/value"
)

// SetOption modifies how a write is recorded.
type SetOption func(*setOptions)

type setOptions struct {
	skipHistory     bool
	skipPersistence bool
	actionType      string
}

// SkipHistory keeps the write out of the undo stack.
func SkipHistory() SetOption {
	return func(o *setOptions) { o.skipHistory = true }
}

// SkipPersistence keeps the write from triggering a save.
func SkipPersistence() SetOption {
	return func(o *setOptions) { o.skipPersistence = true }
}

// WithType labels the action for middleware, history and ActionTypes
// subscriptions.
func WithType(label string) SetOption {
	return func(o *setOptions) { o.actionType = label }
}

func buildSetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// write is the Meta payload of a store property-change update.
type write struct {
	path  statepath.Path
	value value.Value
	opts  setOptions
}

// broadcast is the Meta payload of an undo, redo, reset or hydrate.
type broadcast struct {
	action Action
}

// Set queues a write of v at path. The write is applied in the next pass.
func (s *Store) Set(path string, v any, opts ...SetOption) error {
	w, err := s.prepare("set", path, v, buildSetOptions(opts))
	if err != nil {
		return err
	}
	s.submit(w)
	return nil
}

// SetMany queues several writes that share the same options. Paths are
// validated up front; if any is invalid nothing is queued.
func (s *Store) SetMany(values map[string]any, opts ...SetOption) error {
	o := buildSetOptions(opts)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]write, 0, len(keys))
	for _, k := range keys {
		w, err := s.prepare("set", k, values[k], o)
		if err != nil {
			return err
		}
		writes = append(writes, w)
	}
	for _, w := range writes {
		s.submit(w)
	}
	return nil
}

func (s *Store) prepare(op, path string, v any, o setOptions) (write, error) {
	p, err := statepath.Parse(path)
	if err != nil {
		return write{}, &PathError{Op: op, Path: path, Err: err}
	}
	if p.IsRoot() {
		return write{}, &PathError{Op: op, Path: path, Err: ErrRootWrite}
	}
	if slices.Contains(p, statepath.Wildcard) {
		return write{}, &PathError{Op: op, Path: path, Err: ErrWildcardWrite}
	}
	conv, err := value.From(v)
	if err != nil {
		return write{}, &PathError{Op: op, Path: path, Err: err}
	}
	return write{path: p, value: value.Clone(conv), opts: o}, nil
}

func (s *Store) submit(w write) {
	if s.tx != nil {
		s.tx.writes = append(s.tx.writes, w)
		return
	}
	s.pending++
	s.sched.Enqueue(reactive.Update{
		Kind:   reactive.KindPropertyChange,
		Target: s,
		Key:    w.path.String(),
		Value:  w.value,
		Meta:   w,
	})
}

// Commit applies the store's updates for one pass.
func (s *Store) Commit(p *reactive.Pass, updates []reactive.Update) {
	var writes []write
	for _, u := range updates {
		switch m := u.Meta.(type) {
		case write:
			s.pending--
			writes = append(writes, m)
		case broadcast:
			if len(writes) > 0 {
				s.applyWrites(p, writes)
				writes = nil
			}
			s.deliverBroadcast(p, m.action)
		case historyStep:
			if len(writes) > 0 {
				s.applyWrites(p, writes)
				writes = nil
			}
			if a, ok := s.step(m.op); ok {
				s.deliverBroadcast(p, a)
			}
		}
	}
	if len(writes) > 0 {
		s.applyWrites(p, writes)
	}
}

func (s *Store) applyWrites(p *reactive.Pass, writes []write) {
	writes = lastWritePerPath(writes)

	prev := s.root
	root := s.root
	var changes []Change
	var applied []write
	for _, w := range writes {
		old, exists := getIn(root, w.path)
		if exists && value.Equal(old, w.value) {
			continue
		}
		if !exists {
			old = nil
		}
		root = setIn(root, w.path, w.value)
		changes = append(changes, Change{Path: w.path.String(), Old: old, New: w.value})
		applied = append(applied, w)
	}
	if len(changes) == 0 {
		return
	}
	s.root = root

	changed := changedPaths(applied)
	action := s.newAction(applied, changes, changed)

	s.invalidate(p, func(key string) bool {
		kp, err := statepath.Parse(key)
		if err != nil {
			return false
		}
		for _, w := range applied {
			if kp.Related(w.path) {
				return true
			}
		}
		return false
	})
	s.runMiddleware(action)

	if !action.SkipHistory {
		s.pushHistory(HistoryEntry{Snapshot: prev, Action: action})
	}

	s.queueNotify(p, action)

	if !action.SkipPersistence && s.touchesPersisted(applied) {
		s.schedulePersist()
	}
}

func (s *Store) deliverBroadcast(p *reactive.Pass, action Action) {
	s.invalidate(p, func(string) bool { return true })
	s.runMiddleware(action)
	s.queueNotify(p, action)
	if !action.SkipPersistence {
		s.schedulePersist()
	}
}

// lastWritePerPath keeps the final write to each path, ordered by the
// position of that final write.
func lastWritePerPath(writes []write) []write {
	last := make(map[string]int, len(writes))
	for i, w := range writes {
		last[w.path.String()] = i
	}
	if len(last) == len(writes) {
		return writes
	}
	out := make([]write, 0, len(last))
	for i, w := range writes {
		if last[w.path.String()] == i {
			out = append(out, w)
		}
	}
	return out
}

// changedPaths returns every written path plus its strict ancestors,
// sorted.
func changedPaths(writes []write) []string {
	set := make(map[string]struct{})
	for _, w := range writes {
		set[w.path.String()] = struct{}{}
		for _, a := range w.path.Ancestors() {
			set[a.String()] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Store) newAction(writes []write, changes []Change, changed []string) Action {
	s.seq++
	a := Action{
		ID:              s.ids.Generate(),
		Seq:             s.seq,
		Type:            DefaultActionType,
		Changes:         changes,
		ChangedPaths:    changed,
		SkipHistory:     true,
		SkipPersistence: true,
		Timestamp:       s.clock.Now(),
	}
	for _, w := range writes {
		label := w.opts.actionType
		if label == "" {
			label = DefaultActionType
		}
		if !slices.Contains(a.Types, label) {
			a.Types = append(a.Types, label)
		}
		if w.opts.actionType != "" {
			a.Type = w.opts.actionType
		}
		// A flag holds only if every write in the pass asked for it.
		a.SkipHistory = a.SkipHistory && w.opts.skipHistory
		a.SkipPersistence = a.SkipPersistence && w.opts.skipPersistence
	}
	return a
}

func (s *Store) newBroadcast(label string, skipPersistence bool) Action {
	s.seq++
	return Action{
		ID:              s.ids.Generate(),
		Seq:             s.seq,
		Type:            label,
		Types:           []string{label},
		ChangedPaths:    []string{statepath.Wildcard},
		SkipHistory:     true,
		SkipPersistence: skipPersistence,
		Timestamp:       s.clock.Now(),
	}
}

func (s *Store) enqueueBroadcast(a Action) {
	s.sched.Enqueue(reactive.Update{
		Kind:   reactive.KindPropertyChange,
		Target: s,
		Key:    statepath.Wildcard,
		Meta:   broadcast{action: a},
	})
}

func (s *Store) invalidate(p *reactive.Pass, match func(key string) bool) {
	p.Invalidate(s.rt.Tracker().DependentsWhere(s.id, match)...)
}

func (s *Store) runMiddleware(a Action) {
	for i, mw := range s.middleware {
		if err := s.callMiddleware(mw, a); err != nil {
			s.logger.Error("middleware failed",
				"action_id", a.ID,
				"action_type", a.Type,
				"index", i,
				"error", err,
			)
		}
	}
}

func (s *Store) callMiddleware(mw Middleware, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panicked: %v", r)
		}
	}()
	return mw(a)
}
