// Package clock provides wall-clock and timer access behind an interface so
// schedulers, caches and reconnect backoff can be driven deterministically
// in tests, plus the logical sequence counter used to order updates.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock supplies the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the production clock backed by package time.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc. f runs on its own goroutine.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Seq is a monotonic logical clock. Every update record is stamped with a
// strictly increasing value so ordering never depends on wall time.
//
// Safe for concurrent use, although the single-writer loop means only one
// goroutine normally calls Next.
type Seq struct {
	n atomic.Int64
}

// NewSeq returns a counter whose first Next is 1.
func NewSeq() *Seq {
	return &Seq{}
}

// NewSeqAt resumes a counter from start.
func NewSeqAt(start int64) *Seq {
	s := &Seq{}
	s.n.Store(start)
	return s
}

// Next increments and returns the counter.
func (s *Seq) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last value handed out.
func (s *Seq) Current() int64 {
	return s.n.Load()
}
