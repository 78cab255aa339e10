package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statecore/internal/persist"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/testutil"
	"github.com/roach88/statecore/internal/value"
)

type fixture struct {
	rt      *reactive.Runtime
	sched   *reactive.Scheduler
	clock   *testutil.FakeClock
	storage *persist.MemoryStorage
	store   *Store
}

func testDefaults() value.Object {
	return value.MustFrom(map[string]any{
		"preferences": map[string]any{"theme": "light", "language": "en"},
		"ui": map[string]any{
			"selectedPlayer": nil,
			"filters":        map[string]any{"team": nil},
			"sort":           map[string]any{"field": "name"},
		},
		"data": map[string]any{},
	}).(value.Object)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fc := testutil.NewFakeClock()
	sched := reactive.NewScheduler(reactive.NewManualDriver(fc))
	rt := reactive.New(sched)
	storage := persist.NewMemoryStorage()

	base := []Option{
		WithIDGenerator(NewSequenceGenerator("action")),
		WithClock(fc),
		WithStorage(storage, ""),
		WithPersistKeys("preferences", "ui.filters", "ui.sort"),
	}
	s, err := New(rt, testDefaults(), append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{rt: rt, sched: sched, clock: fc, storage: storage, store: s}
}

func (f *fixture) record(t *testing.T, paths ...string) *[]Notification {
	t.Helper()
	var got []Notification
	_, err := f.store.Subscribe(paths, func(n Notification) { got = append(got, n) })
	require.NoError(t, err)
	return &got
}

func TestSelectedPlayerScenario(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, "ui")

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p42"))
	f.sched.Flush()

	require.Len(t, *got, 1)
	n := (*got)[0]
	assert.Contains(t, n.ChangedPaths, "ui.selectedPlayer")
	assert.Contains(t, n.ChangedPaths, "ui")
	assert.Equal(t, value.String("p42"), f.store.Get("ui.selectedPlayer"))
}

func TestGetDefaultsAndInvalidPaths(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, value.String("light"), f.store.Get("preferences.theme"))
	assert.Equal(t, value.Null{}, f.store.Get("preferences.missing"))
	assert.Equal(t, value.String("x"), f.store.Get("preferences.missing", "x"))
	assert.Equal(t, value.Int(7), f.store.Get("a..b", 7))

	err := f.store.Set("a..b", 1)
	var pe *PathError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, statepath.ErrInvalidPath)

	assert.ErrorIs(t, f.store.Set("", 1), ErrRootWrite)
	assert.ErrorIs(t, f.store.Set("*", 1), ErrWildcardWrite)
	assert.ErrorIs(t, f.store.Set("ui.*.name", 1), ErrWildcardWrite)
	assert.ErrorIs(t, f.store.SetMany(map[string]any{"ui.sort.field": "age", "*": 1}), ErrWildcardWrite)
	assert.Equal(t, 0, f.sched.Pending())
}

func TestSetMaterializesIntermediates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("data.players.p1.name", "Ada"))
	f.sched.Flush()
	assert.Equal(t, value.String("Ada"), f.store.Get("data.players.p1.name"))

	// Writing through a scalar replaces it with an object.
	require.NoError(t, f.store.Set("preferences.theme.variant", "x"))
	f.sched.Flush()
	assert.Equal(t, value.String("x"), f.store.Get("preferences.theme.variant"))
}

func TestIdempotentWriteIsNoOp(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, "*")
	mwCalls := 0
	f.store.Use(func(Action) error { mwCalls++; return nil })

	require.NoError(t, f.store.Set("preferences.theme", "light"))
	require.NoError(t, f.store.Set("ui.filters", map[string]any{"team": nil}))
	f.sched.Flush()
	f.clock.Advance(time.Minute)

	assert.Empty(t, *got)
	assert.Equal(t, 0, mwCalls)
	assert.False(t, f.store.CanUndo())
	assert.Equal(t, 0, f.storage.Saves())
}

func TestBatchCoalescing(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, "*")

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	require.NoError(t, f.store.Set("ui.sort.field", "rating"))
	f.sched.Flush()

	require.Len(t, *got, 1)
	assert.Equal(t, []string{
		"preferences", "preferences.theme",
		"ui", "ui.selectedPlayer", "ui.sort", "ui.sort.field",
	}, (*got)[0].ChangedPaths)
	assert.Equal(t, 1, f.sched.Passes())
	assert.Len(t, f.store.History(), 1)
}

func TestLastWritePerPathWins(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, "ui")

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p2"))
	f.sched.Flush()

	require.Len(t, *got, 1)
	changes := (*got)[0].Action.Changes
	require.Len(t, changes, 1)
	assert.Equal(t, value.String("p2"), changes[0].New)
	assert.Equal(t, value.Null{}, changes[0].Old)
}

func TestSubscriberPrefixMatching(t *testing.T) {
	f := newFixture(t)
	parent := f.record(t, "ui")
	child := f.record(t, "ui.sort.field")
	sibling := f.record(t, "ui.filters")
	other := f.record(t, "preferences")

	require.NoError(t, f.store.Set("ui.sort", map[string]any{"field": "age"}))
	f.sched.Flush()

	assert.Len(t, *parent, 1, "ancestor subscriber")
	assert.Len(t, *child, 1, "descendant subscriber")
	assert.Len(t, *sibling, 1, "related through the changed ui ancestor")
	assert.Empty(t, *other)
}

func TestSubscribersMatchChangedAncestors(t *testing.T) {
	f := newFixture(t)
	filters := f.record(t, "ui.filters")
	prefs := f.record(t, "preferences.theme")

	require.NoError(t, f.store.Set("ui.sort.field", "age"))
	f.sched.Flush()

	require.Len(t, *filters, 1)
	assert.Equal(t, []string{"ui", "ui.sort", "ui.sort.field"}, (*filters)[0].ChangedPaths)
	assert.Empty(t, *prefs)
}

func TestSubscriberIsolationAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Subscribe([]string{"ui"}, func(Notification) { panic("boom") })
	require.NoError(t, err)

	calls := 0
	unsub, err := f.store.Subscribe([]string{"ui"}, func(Notification) { calls++ })
	require.NoError(t, err)

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	f.sched.Flush()
	assert.Equal(t, 1, calls)

	unsub()
	unsub()
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p2"))
	f.sched.Flush()
	assert.Equal(t, 1, calls)

	_, err = f.store.Subscribe([]string{"bad..path"}, func(Notification) {})
	assert.Error(t, err)
	_, err = f.store.Subscribe(nil, func(Notification) {})
	assert.Error(t, err)
}

func TestSubscribeActionTypes(t *testing.T) {
	f := newFixture(t)
	var got []string
	_, err := f.store.Subscribe([]string{"*"}, func(n Notification) {
		got = append(got, n.Action.Type)
	}, ActionTypes("select"))
	require.NoError(t, err)

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	f.sched.Flush()
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p2", WithType("select")))
	f.sched.Flush()

	assert.Equal(t, []string{"select"}, got)
}

func TestSubscribeDebounce(t *testing.T) {
	f := newFixture(t)
	var got []Notification
	_, err := f.store.Subscribe([]string{"*"}, func(n Notification) {
		got = append(got, n)
	}, Debounce(100*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	f.sched.Flush()
	f.clock.Advance(50 * time.Millisecond)
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()
	f.clock.Advance(50 * time.Millisecond)
	assert.Empty(t, got, "timer restarted by second change")

	f.clock.Advance(50 * time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"preferences", "preferences.theme", "ui", "ui.selectedPlayer"}, got[0].ChangedPaths)
	assert.Equal(t, value.String("dark"), got[0].State["preferences"].(value.Object)["theme"])
}

func TestMiddlewareOrderAndIsolation(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.store.Use(func(a Action) error {
		order = append(order, "first:"+a.ID)
		return errors.New("ignored")
	})
	f.store.Use(func(Action) error { panic("also ignored") })
	f.store.Use(func(a Action) error {
		order = append(order, "third:"+a.Type)
		return nil
	})

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1", WithType("select")))
	f.sched.Flush()

	assert.Equal(t, []string{"first:action-1", "third:select"}, order)
	assert.Equal(t, value.String("p1"), f.store.Get("ui.selectedPlayer"))
}

func TestUndoRedoSymmetry(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.store.Undo())
	assert.False(t, f.store.Redo())

	initial := f.store.Snapshot()
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()
	afterFirst := f.store.Snapshot()
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p9"))
	f.sched.Flush()
	afterSecond := f.store.Snapshot()

	got := f.record(t, "preferences")

	require.True(t, f.store.Undo())
	f.sched.Flush()
	assert.True(t, value.Equal(afterFirst, f.store.Snapshot()))
	require.Len(t, *got, 1, "wildcard broadcast reaches every subscriber")
	assert.Equal(t, []string{"*"}, (*got)[0].ChangedPaths)
	assert.Equal(t, "undo", (*got)[0].Action.Type)

	require.True(t, f.store.Undo())
	assert.True(t, value.Equal(initial, f.store.Snapshot()))
	assert.False(t, f.store.Undo())

	require.True(t, f.store.Redo())
	require.True(t, f.store.Redo())
	assert.True(t, value.Equal(afterSecond, f.store.Snapshot()))
	assert.False(t, f.store.Redo())
}

func TestUndoAppliesQueuedWritesFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	f.sched.Flush()

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p2"))
	require.True(t, f.store.Undo())
	f.sched.Flush()
	assert.Equal(t, value.String("p1"), f.store.Get("ui.selectedPlayer"))
	assert.True(t, f.store.CanRedo())

	require.True(t, f.store.Redo())
	f.sched.Flush()
	assert.Equal(t, value.String("p2"), f.store.Get("ui.selectedPlayer"))
}

func TestUndoDuringPassIsOrderedAfterWrites(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	f.sched.Flush()

	fired := false
	queued := false
	_, err := f.store.Subscribe([]string{"ui.filters.team"}, func(Notification) {
		if fired {
			return
		}
		fired = true
		require.NoError(t, f.store.Set("ui.selectedPlayer", "p2"))
		queued = f.store.Undo()
	})
	require.NoError(t, err)

	require.NoError(t, f.store.Set("ui.filters.team", "home"))
	f.sched.Flush()

	assert.True(t, queued)
	assert.Equal(t, value.String("p1"), f.store.Get("ui.selectedPlayer"))
	assert.Equal(t, value.String("home"), f.store.Get("ui.filters.team"))
	require.Len(t, f.store.Future(), 1)
	assert.Equal(t, value.String("p2"), f.store.Future()[0].Changes[0].New)
}

func TestResetAppliesQueuedWritesFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.store.Reset()
	f.sched.Flush()
	assert.Equal(t, value.String("light"), f.store.Get("preferences.theme"))

	require.True(t, f.store.Undo())
	f.sched.Flush()
	assert.Equal(t, value.String("dark"), f.store.Get("preferences.theme"))
}

func TestNewWriteClearsFuture(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()
	require.True(t, f.store.Undo())
	assert.True(t, f.store.CanRedo())

	require.NoError(t, f.store.Set("preferences.language", "fr"))
	f.sched.Flush()
	assert.False(t, f.store.CanRedo())
}

func TestHistoryBound(t *testing.T) {
	f := newFixture(t, WithMaxHistory(3))
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Set("data.counter", i))
		f.sched.Flush()
	}

	hist := f.store.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "action-3", hist[0].ID)

	for f.store.Undo() {
	}
	assert.Equal(t, value.Int(1), f.store.Get("data.counter"), "oldest entries were evicted")
}

func TestSkipHistoryRequiresEveryWrite(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("data.a", 1, SkipHistory()))
	f.sched.Flush()
	assert.False(t, f.store.CanUndo())

	require.NoError(t, f.store.Set("data.b", 1, SkipHistory()))
	require.NoError(t, f.store.Set("data.c", 1))
	f.sched.Flush()
	assert.True(t, f.store.CanUndo())
}

func TestTransactionSingleNotification(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, "*")

	err := f.store.Transaction(func(tx *Tx) error {
		require.NoError(t, tx.Set("ui.selectedPlayer", "p1"))
		require.NoError(t, tx.SetMany(map[string]any{
			"ui.sort.field":     "rating",
			"preferences.theme": "dark",
		}))
		assert.Equal(t, value.String("p1"), tx.Get("ui.selectedPlayer"))
		assert.Equal(t, value.Null{}, f.store.Get("ui.selectedPlayer"), "buffered until commit")

		f.sched.Flush()
		assert.Empty(t, *got, "nothing escapes the buffer early")

		return f.store.Transaction(func(inner *Tx) error {
			return inner.Set("data.nested", true)
		})
	})
	require.NoError(t, err)
	f.sched.Flush()

	require.Len(t, *got, 1)
	assert.Equal(t, "transaction", (*got)[0].Action.Type)
	assert.Len(t, (*got)[0].Action.Changes, 4)
	assert.Len(t, f.store.History(), 1)
}

func TestTransactionErrorDiscards(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, "*")
	boom := errors.New("boom")

	err := f.store.Transaction(func(tx *Tx) error {
		require.NoError(t, tx.Set("ui.selectedPlayer", "p1"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	f.sched.Flush()
	assert.Empty(t, *got)
	assert.Equal(t, value.Null{}, f.store.Get("ui.selectedPlayer"))

	// The store is usable again after the failed transaction.
	require.NoError(t, f.store.Set("ui.selectedPlayer", "p2"))
	f.sched.Flush()
	assert.Len(t, *got, 1)
}

func TestComputedTracksStorePaths(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetMany(map[string]any{"data.x": 1, "data.y": 2, "data.z": 0}))
	f.sched.Flush()

	evals := 0
	c := f.rt.Computed(func() (value.Value, error) {
		evals++
		x, _ := value.AsFloat(f.store.Get("data.x"))
		y, _ := value.AsFloat(f.store.Get("data.y"))
		return value.Float(x + y), nil
	})

	require.NoError(t, f.store.Set("data.z", 5))
	f.sched.Flush()
	assert.Equal(t, 1, evals, "unrelated path")

	require.NoError(t, f.store.Set("data.x", 10))
	f.sched.Flush()
	assert.Equal(t, 2, evals)
	v, err := c.GetValue()
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Int(12), v))

	// Replacing an ancestor invalidates readers of its descendants.
	require.NoError(t, f.store.Set("data", map[string]any{"x": 1, "y": 1}))
	f.sched.Flush()
	assert.Equal(t, 3, evals)

	// Undo broadcasts to every reader.
	require.True(t, f.store.Undo())
	f.sched.Flush()
	assert.Equal(t, 4, evals)
	v, err = c.GetValue()
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Int(12), v))
}

func TestWatchOnStore(t *testing.T) {
	f := newFixture(t)
	var seen []value.Value
	_, err := f.rt.Watch(func() (value.Value, error) {
		return f.store.Get("ui.selectedPlayer"), nil
	}, func(newV, _ value.Value) { seen = append(seen, newV) })
	require.NoError(t, err)

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()
	assert.Equal(t, []value.Value{value.String("p1")}, seen)
}

func TestPersistenceDebouncedAndFiltered(t *testing.T) {
	f := newFixture(t, WithPersistDebounce(200*time.Millisecond))

	require.NoError(t, f.store.Set("ui.selectedPlayer", "p1"))
	f.sched.Flush()
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.storage.Saves(), "selectedPlayer is not persisted")

	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()
	f.clock.Advance(100 * time.Millisecond)
	require.NoError(t, f.store.Set("ui.sort.field", "age"))
	f.sched.Flush()
	f.clock.Advance(150 * time.Millisecond)
	assert.Equal(t, 0, f.storage.Saves())
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, f.storage.Saves())

	saved, ok, err := f.storage.Load(context.Background(), persist.DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	want := value.MustFrom(map[string]any{
		"preferences": map[string]any{"theme": "dark", "language": "en"},
		"ui": map[string]any{
			"filters": map[string]any{"team": nil},
			"sort":    map[string]any{"field": "age"},
		},
	})
	assert.True(t, value.Equal(want, saved), "got %v", saved)
}

func TestSkipPersistenceAndFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set("preferences.theme", "dark", SkipPersistence()))
	f.sched.Flush()
	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.storage.Saves())

	require.NoError(t, f.store.Set("preferences.theme", "system"))
	f.sched.Flush()
	require.NoError(t, f.store.FlushPersistence(ctx))
	assert.Equal(t, 1, f.storage.Saves())
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.storage.Saves(), "timer was cancelled by the flush")
}

func TestPersistenceFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.storage.FailWith(persist.ErrQuotaExceeded)

	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()
	f.clock.Advance(time.Minute)
	assert.Equal(t, value.String("dark"), f.store.Get("preferences.theme"))

	f.storage.FailWith(nil)
	require.NoError(t, f.store.Set("preferences.theme", "light"))
	f.sched.Flush()
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.storage.Saves())
}

type rejectAll struct{}

func (rejectAll) Validate(value.Object) error { return errors.New("invalid") }

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	blob := value.MustFrom(map[string]any{
		"preferences": map[string]any{"theme": "dark"},
		"ui":          map[string]any{"selectedPlayer": "ignored", "sort": map[string]any{"field": "age"}},
	}).(value.Object)
	require.NoError(t, f.storage.Save(ctx, persist.DefaultKey, blob))

	got := f.record(t, "preferences")
	require.NoError(t, f.store.Hydrate(ctx))
	f.sched.Flush()

	assert.Equal(t, value.String("dark"), f.store.Get("preferences.theme"))
	assert.Equal(t, value.Null{}, f.store.Get("preferences.language"), "hydrate replaces the allow-listed subtree")
	assert.Equal(t, value.String("age"), f.store.Get("ui.sort.field"))
	assert.Equal(t, value.Null{}, f.store.Get("ui.selectedPlayer"), "non-persisted paths are ignored")
	assert.False(t, f.store.CanUndo())
	require.Len(t, *got, 1)
	assert.Equal(t, "hydrate", (*got)[0].Action.Type)

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.storage.Saves(), "hydrate does not save back")
}

func TestHydrateRejectedByValidator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithValidator(rejectAll{}))
	require.NoError(t, f.storage.Save(ctx, persist.DefaultKey, value.Object{"preferences": value.Object{}}))

	err := f.store.Hydrate(ctx)
	require.Error(t, err)
	assert.Equal(t, value.String("light"), f.store.Get("preferences.theme"))
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set("preferences.theme", "dark"))
	f.sched.Flush()

	f.store.Reset()
	f.sched.Flush()
	assert.True(t, value.Equal(testDefaults(), f.store.Snapshot()))

	require.True(t, f.store.Undo())
	assert.Equal(t, value.String("dark"), f.store.Get("preferences.theme"))
}

func TestActionMetadata(t *testing.T) {
	f := newFixture(t)
	var actions []Action
	f.store.Use(func(a Action) error { actions = append(actions, a); return nil })

	require.NoError(t, f.store.Set("ui.filters.team", "home", WithType("filter")))
	require.NoError(t, f.store.Set("ui.sort.field", "age", WithType("sort")))
	f.sched.Flush()

	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, "action-1", a.ID)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, "sort", a.Type)
	assert.Equal(t, []string{"filter", "sort"}, a.Types)
	assert.Equal(t, f.clock.Now(), a.Timestamp)
	assert.Equal(t, []string{"ui", "ui.filters", "ui.filters.team", "ui.sort", "ui.sort.field"}, a.ChangedPaths)
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("")
	assert.Equal(t, "action-1", g.Generate())
	assert.Equal(t, "action-2", g.Generate())
}

func TestUUIDv7Generator(t *testing.T) {
	a := UUIDv7Generator{}.Generate()
	b := UUIDv7Generator{}.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
