package pipeline

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/value"
)

// AnyType subscribes to every data type.
const AnyType = "*"

// Sources stamped on published events.
const (
	SourcePipeline  = "pipeline"
	SourceWebsocket = "websocket"
)

// Meta describes where published data came from.
type Meta struct {
	Source    string
	Endpoint  string
	CacheKey  string
	Timestamp time.Time
}

// Event is one publication.
type Event struct {
	DataType string
	Data     value.Value
	Meta     Meta
}

// Handler receives events. Handlers run synchronously on the publishing
// goroutine; a panicking handler is logged and skipped.
type Handler func(Event)

// SubscribeOption filters what a subscriber receives.
type SubscribeOption func(*subscriber)

// FromSources delivers only events whose Meta.Source is listed.
func FromSources(sources ...string) SubscribeOption {
	return func(s *subscriber) { s.sources = append(s.sources, sources...) }
}

// MinInterval drops events arriving less than d after the last delivered
// one.
func MinInterval(d time.Duration) SubscribeOption {
	return func(s *subscriber) { s.minInterval = d }
}

type subscriber struct {
	id          int
	dataType    string
	fn          Handler
	sources     []string
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// admit applies the source filter and throttle and records the delivery.
func (s *subscriber) admit(ev Event, now time.Time) bool {
	if len(s.sources) > 0 && !slices.Contains(s.sources, ev.Meta.Source) {
		return false
	}
	if s.minInterval <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && now.Sub(s.last) < s.minInterval {
		return false
	}
	s.last = now
	return true
}

// Bus fans events out by data type.
type Bus struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*subscriber
	nextID int
}

// NewBus returns an empty bus.
func NewBus(clk clock.Clock, logger *slog.Logger) *Bus {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{clock: clk, logger: logger}
}

// Subscribe registers fn for dataType (or AnyType). The returned function
// unsubscribes and is safe to call more than once.
func (b *Bus) Subscribe(dataType string, fn Handler, opts ...SubscribeOption) func() {
	s := &subscriber{dataType: dataType, fn: fn}
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(o *subscriber) bool { return o == s })
		})
	}
}

// Publish delivers to matching subscribers in subscription order and
// returns how many received the event. A zero timestamp is filled in.
func (b *Bus) Publish(dataType string, data value.Value, meta Meta) int {
	now := b.clock.Now()
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now
	}
	ev := Event{DataType: dataType, Data: data, Meta: meta}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.dataType == dataType || s.dataType == AnyType {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if !s.admit(ev, now) {
			continue
		}
		if err := b.deliver(s, ev); err != nil {
			b.logger.Error("subscriber failed",
				"component", "pipeline",
				"data_type", dataType,
				"subscriber", s.id,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) deliver(s *subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.fn(ev)
	return nil
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
