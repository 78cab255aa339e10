package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/persist"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/value"
)

const (
	// DefaultMaxHistory bounds the undo stack.
	DefaultMaxHistory = 50

	// DefaultPersistDebounce is how long the store waits after the last
	// persisted change before saving.
	DefaultPersistDebounce = time.Second

	// DefaultActionType labels writes that did not set one.
	DefaultActionType = "set"
)

// Action describes one committed change. Middleware, history and
// subscribers all see the same value.
type Action struct {
	ID    string
	Seq   int64
	Type  string
	Types []string

	Changes      []Change
	ChangedPaths []string

	SkipHistory     bool
	SkipPersistence bool
	Timestamp       time.Time
}

// Change is one applied path write.
type Change struct {
	Path string
	Old  value.Value
	New  value.Value
}

// HistoryEntry pairs an action with the tree as it was before it.
type HistoryEntry struct {
	Snapshot value.Object
	Action   Action
}

// Middleware observes every committed action. A returned error is logged
// and does not stop later middleware.
type Middleware func(a Action) error

// Validator checks a persisted blob before it is hydrated.
type Validator interface {
	Validate(obj value.Object) error
}

// Store is the path-addressable application state tree.
type Store struct {
	rt    *reactive.Runtime
	sched *reactive.Scheduler
	id    reactive.ID

	root     value.Object
	defaults value.Object

	middleware []Middleware
	subs       []*subscription
	nextSubID  int

	past       []HistoryEntry
	future     []HistoryEntry
	maxHistory int

	storage         persist.Storage
	storageKey      string
	persistPaths    []statepath.Path
	persistDebounce time.Duration
	persistTimer    clock.Timer
	persistDirty    bool

	ids       IDGenerator
	clock     clock.Clock
	logger    *slog.Logger
	validator Validator

	seq     int64
	tx      *txBuffer
	pending int
}

// Option configures a Store.
type Option func(*Store) error

// WithMaxHistory bounds the undo stack. Values below one disable history.
func WithMaxHistory(n int) Option {
	return func(s *Store) error {
		s.maxHistory = n
		return nil
	}
}

// WithStorage enables persistence to st under key. An empty key uses
// persist.DefaultKey.
func WithStorage(st persist.Storage, key string) Option {
	return func(s *Store) error {
		s.storage = st
		if key == "" {
			key = persist.DefaultKey
		}
		s.storageKey = key
		return nil
	}
}

// WithPersistKeys sets the allow-listed paths that are saved.
func WithPersistKeys(paths ...string) Option {
	return func(s *Store) error {
		parsed, err := statepath.ParseAll(paths)
		if err != nil {
			return err
		}
		s.persistPaths = parsed
		return nil
	}
}

// WithPersistDebounce sets the save debounce interval.
func WithPersistDebounce(d time.Duration) Option {
	return func(s *Store) error {
		s.persistDebounce = d
		return nil
	}
}

// WithIDGenerator sets the action ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) error {
		s.ids = g
		return nil
	}
}

// WithClock sets the clock used for action timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) error {
		s.clock = c
		return nil
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithValidator checks hydrated blobs before they are applied.
func WithValidator(v Validator) Option {
	return func(s *Store) error {
		s.validator = v
		return nil
	}
}

// New creates a store whose initial tree is a deep copy of defaults.
func New(rt *reactive.Runtime, defaults value.Object, opts ...Option) (*Store, error) {
	if defaults == nil {
		defaults = value.Object{}
	}
	s := &Store{
		rt:              rt,
		sched:           rt.Scheduler(),
		id:              rt.NewID(),
		root:            defaults.Clone(),
		defaults:        defaults.Clone(),
		maxHistory:      DefaultMaxHistory,
		persistDebounce: DefaultPersistDebounce,
		ids:             UUIDv7Generator{},
		clock:           clock.Real{},
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("store option: %w", err)
		}
	}
	return s, nil
}

// Get returns the value at path, or def (Null when omitted) when the path
// is invalid or missing. Reads inside a computed evaluation are tracked.
func (s *Store) Get(path string, def ...any) value.Value {
	p, err := statepath.Parse(path)
	if err != nil {
		return s.fallback(def)
	}
	s.rt.Track(s.id, p.String())
	v, ok := getIn(s.root, p)
	if !ok {
		return s.fallback(def)
	}
	return v
}

func (s *Store) fallback(def []any) value.Value {
	if len(def) == 0 {
		return value.Null{}
	}
	v, err := value.From(def[0])
	if err != nil {
		return value.Null{}
	}
	return v
}

// Snapshot returns a deep copy of the whole tree without tracking.
func (s *Store) Snapshot() value.Object {
	return s.root.Clone()
}

// SourceID returns the store's identity in the dependency tracker.
func (s *Store) SourceID() reactive.ID {
	return s.id
}

// Use appends middleware. Middleware runs in registration order.
func (s *Store) Use(mw Middleware) {
	s.middleware = append(s.middleware, mw)
}
