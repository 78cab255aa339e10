package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/statecore/internal/value"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s seq=%d %s %v\n", i+1, ev.Type, ev.ActionType, ev.Seq, ev.Subscriber, ev.Paths)
		}
	}
	return buf.String()
}

func (h *Harness) evaluate(assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertState:
			err = h.assertState(a)
		case AssertNotifications:
			err = h.assertNotifications(a)
		case AssertTraceOrder:
			err = assertTraceOrder(h.result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(h.result.Trace, a)
		case AssertHistory:
			err = h.assertHistory(a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) assertState(a Assertion) error {
	want, err := value.From(a.Equals)
	if err != nil {
		return fmt.Errorf("state %s: bad expected value: %w", a.Path, err)
	}
	got := h.stateAt(a.Path)
	if value.Equal(got, want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertState,
		Expected: fmt.Sprintf("%s = %s", a.Path, render(want)),
		Actual:   render(got),
	}
}

func (h *Harness) assertNotifications(a Assertion) error {
	got := h.counts[a.Subscriber]
	if got != a.Count {
		return &AssertionError{
			Type:     AssertNotifications,
			Expected: fmt.Sprintf("%s notified %d times", a.Subscriber, a.Count),
			Actual:   fmt.Sprintf("%d times", got),
			Trace:    h.result.Trace,
		}
	}
	if len(a.Paths) == 0 {
		return nil
	}
	last := h.last[a.Subscriber].ChangedPaths
	for _, p := range a.Paths {
		if !slices.Contains(last, p) {
			return &AssertionError{
				Type:     AssertNotifications,
				Expected: fmt.Sprintf("%s last notified with paths including %v", a.Subscriber, a.Paths),
				Actual:   fmt.Sprintf("%v", last),
			}
		}
	}
	return nil
}

func (h *Harness) assertHistory(a Assertion) error {
	undo, redo := len(h.store.History()), len(h.store.Future())
	if (a.Undo == nil || *a.Undo == undo) && (a.Redo == nil || *a.Redo == redo) {
		return nil
	}
	return &AssertionError{
		Type:     AssertHistory,
		Expected: fmt.Sprintf("undo=%s redo=%s", optInt(a.Undo), optInt(a.Redo)),
		Actual:   fmt.Sprintf("undo=%d redo=%d", undo, redo),
	}
}

// assertTraceOrder checks that the action types appear in order; other
// actions may be interleaved.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Actions) && ev.Type == EventAction && ev.ActionType == a.Actions[next] {
			next++
		}
	}
	if next == len(a.Actions) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("actions in order %v", a.Actions),
		Actual:   fmt.Sprintf("matched %d of %d", next, len(a.Actions)),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Type == EventAction && ev.ActionType == a.Action {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s %d times", a.Action, a.Count),
		Actual:   fmt.Sprintf("%d times", n),
		Trace:    trace,
	}
}

func render(v value.Value) string {
	s, err := value.CanonicalString(v)
	if err != nil {
		return fmt.Sprint(value.ToGo(v))
	}
	return s
}

func optInt(p *int) string {
	if p == nil {
		return "any"
	}
	return fmt.Sprint(*p)
}
