package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/schema"
	"github.com/roach88/statecore/internal/store"
	"github.com/roach88/statecore/internal/testutil"
	"github.com/roach88/statecore/internal/value"
)

// Harness executes one scenario against a fresh store.
type Harness struct {
	store     *store.Store
	sched     *reactive.Scheduler
	clock     *testutil.FakeClock
	result    *Result
	recording bool
	counts    map[string]int
	last      map[string]store.Notification
}

// Run executes a scenario and returns its result. An error is returned
// only when the scenario cannot be executed at all; failed expectations
// and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}

	for i, step := range scenario.Setup {
		if err := h.exec(step); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	h.sched.Flush()
	h.recording = true

	for i, step := range scenario.Flow {
		err := h.exec(step)
		h.check(i, step, err)
	}
	h.sched.Flush()

	h.result.State = h.store.Snapshot()
	h.result.HistoryLen = len(h.store.History())
	h.result.FutureLen = len(h.store.Future())
	for _, msg := range h.evaluate(scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	sc, err := loadSchema(scenario.Schema)
	if err != nil {
		return nil, err
	}
	defaults, err := sc.Defaults()
	if err != nil {
		return nil, fmt.Errorf("schema defaults: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewFakeClock()
	sched := reactive.NewScheduler(reactive.NewManualDriver(clk), reactive.WithSchedulerLogger(logger))
	rt := reactive.New(sched, reactive.WithLogger(logger))
	st, err := store.New(rt, defaults,
		store.WithClock(clk),
		store.WithIDGenerator(store.NewSequenceGenerator("action")),
		store.WithLogger(logger),
		store.WithValidator(sc),
	)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	h := &Harness{
		store:  st,
		sched:  sched,
		clock:  clk,
		result: NewResult(),
		counts: make(map[string]int),
		last:   make(map[string]store.Notification),
	}
	st.Use(func(a store.Action) error {
		if h.recording {
			h.result.addAction(a)
		}
		return nil
	})
	for _, sub := range scenario.Subscriptions {
		var opts []store.SubscribeOption
		if len(sub.Types) > 0 {
			opts = append(opts, store.ActionTypes(sub.Types...))
		}
		if _, err := st.Subscribe(sub.Paths, h.listener(sub.Name), opts...); err != nil {
			return nil, fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
	}
	return h, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default()
	}
	return schema.LoadFile(path)
}

func (h *Harness) listener(name string) store.Listener {
	return func(n store.Notification) {
		if !h.recording {
			return
		}
		h.counts[name]++
		h.last[name] = n
		h.result.addNotification(name, n)
	}
}

// exec runs one step. Undo and redo report whether anything was applied
// through errNothingApplied so step expectations can check it.
func (h *Harness) exec(step Step) error {
	opts := setOptions(step)
	var err error
	switch step.Op {
	case OpSet:
		err = h.store.Set(step.Path, step.Value, opts...)
	case OpSetMany:
		err = h.store.SetMany(step.Values, opts...)
	case OpTransaction:
		err = h.store.Transaction(func(tx *store.Tx) error {
			for _, w := range step.Writes {
				if err := tx.Set(w.Path, w.Value); err != nil {
					return err
				}
			}
			return nil
		}, opts...)
	case OpUndo:
		if !h.store.Undo() {
			err = errNothingApplied
		}
	case OpRedo:
		if !h.store.Redo() {
			err = errNothingApplied
		}
	case OpReset:
		h.store.Reset()
	case OpFlush:
	case OpAdvance:
		d, perr := time.ParseDuration(step.Duration)
		if perr != nil {
			return perr
		}
		h.clock.Advance(d)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if !step.Hold {
		h.sched.Flush()
	}
	return err
}

func setOptions(step Step) []store.SetOption {
	var opts []store.SetOption
	if step.Type != "" {
		opts = append(opts, store.WithType(step.Type))
	}
	if step.SkipHistory {
		opts = append(opts, store.SkipHistory())
	}
	return opts
}

func (h *Harness) check(i int, step Step, err error) {
	applied := !errors.Is(err, errNothingApplied)
	if !applied {
		err = nil
	}
	wantErr := step.Expect != nil && step.Expect.Error
	switch {
	case err != nil && !wantErr:
		h.result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", i, step.Op, err))
	case err == nil && wantErr:
		h.result.AddError(fmt.Sprintf("flow[%d] %s: expected an error", i, step.Op))
	}
	if step.Expect != nil && step.Expect.Applied != nil && *step.Expect.Applied != applied {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: applied = %t, want %t", i, step.Op, applied, *step.Expect.Applied))
	}
	if step.Expect == nil && !applied {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: nothing to %s", i, step.Op, step.Op))
	}
}

var errNothingApplied = errors.New("nothing applied")

// stateAt reads path from the final state.
func (h *Harness) stateAt(path string) value.Value {
	return h.store.Get(path)
}
