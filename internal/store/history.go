package store

import (
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/statepath"
)

const (
	opUndo  = "undo"
	opRedo  = "redo"
	opReset = "reset"
)

// historyStep is the Meta payload of an undo, redo or reset ordered behind
// writes that were queued during a running pass.
type historyStep struct {
	op string
}

// Undo restores the tree from before the most recent recorded action.
// Writes still queued are applied first, so they are what gets undone.
// It returns false when there is nothing to undo.
func (s *Store) Undo() bool {
	return s.travel(opUndo)
}

// Redo re-applies the most recently undone action.
// It returns false when there is nothing to redo.
func (s *Store) Redo() bool {
	return s.travel(opRedo)
}

// Reset replaces the tree with the defaults. The reset is undoable.
func (s *Store) Reset() {
	s.travel(opReset)
}

// travel applies queued writes and then op. Inside a pass the writes
// cannot be applied yet, so op is queued behind them and reported as
// applied.
func (s *Store) travel(op string) bool {
	if s.pending > 0 {
		if s.sched.Running() {
			s.sched.Enqueue(reactive.Update{
				Kind:   reactive.KindPropertyChange,
				Target: s,
				Key:    statepath.Wildcard,
				Meta:   historyStep{op: op},
			})
			return true
		}
		s.sched.Flush()
	}
	a, ok := s.step(op)
	if ok {
		s.enqueueBroadcast(a)
	}
	return ok
}

// step swaps the live tree and returns the action to broadcast.
func (s *Store) step(op string) (Action, bool) {
	switch op {
	case opUndo:
		if len(s.past) == 0 {
			return Action{}, false
		}
		entry := s.past[len(s.past)-1]
		s.past[len(s.past)-1] = HistoryEntry{}
		s.past = s.past[:len(s.past)-1]
		s.future = append(s.future, HistoryEntry{Snapshot: s.root, Action: entry.Action})
		s.root = entry.Snapshot
	case opRedo:
		if len(s.future) == 0 {
			return Action{}, false
		}
		entry := s.future[len(s.future)-1]
		s.future[len(s.future)-1] = HistoryEntry{}
		s.future = s.future[:len(s.future)-1]
		s.past = append(s.past, HistoryEntry{Snapshot: s.root, Action: entry.Action})
		s.root = entry.Snapshot
	case opReset:
		a := s.newBroadcast(opReset, false)
		s.pushHistory(HistoryEntry{Snapshot: s.root, Action: a})
		s.root = s.defaults.Clone()
		return a, true
	default:
		return Action{}, false
	}
	return s.newBroadcast(op, false), true
}

// CanUndo reports whether Undo would succeed.
func (s *Store) CanUndo() bool {
	return len(s.past) > 0
}

// CanRedo reports whether Redo would succeed.
func (s *Store) CanRedo() bool {
	return len(s.future) > 0
}

// History returns the recorded actions, oldest first.
func (s *Store) History() []Action {
	out := make([]Action, len(s.past))
	for i, e := range s.past {
		out[i] = e.Action
	}
	return out
}

// Future returns the undone actions, next redo last.
func (s *Store) Future() []Action {
	out := make([]Action, len(s.future))
	for i, e := range s.future {
		out[i] = e.Action
	}
	return out
}

func (s *Store) pushHistory(e HistoryEntry) {
	if s.maxHistory < 1 {
		return
	}
	s.past = append(s.past, e)
	if over := len(s.past) - s.maxHistory; over > 0 {
		for i := 0; i < over; i++ {
			s.past[i] = HistoryEntry{}
		}
		s.past = append(s.past[:0:0], s.past[over:]...)
	}
	for i := range s.future {
		s.future[i] = HistoryEntry{}
	}
	s.future = s.future[:0]
}
