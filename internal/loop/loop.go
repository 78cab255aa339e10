// Package loop runs closures on a single owner goroutine.
//
// The state store, the reactive runtime and the update scheduler are not
// safe for concurrent use. Everything that touches them runs on one Loop:
// network completions, socket messages and timers hop onto it with Post.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/statecore/internal/clock"
)

// Loop is a single-writer task loop.
type Loop struct {
	queue  *taskQueue
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used by AfterFunc. Default: clock.Real.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a stopped loop. Call Run from exactly one goroutine.
func New(opts ...Option) *Loop {
	l := &Loop{
		queue:  newTaskQueue(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post schedules fn to run on the loop goroutine.
// Safe for concurrent use. Returns false after Stop.
func (l *Loop) Post(fn func()) bool {
	return l.queue.push(fn)
}

// AfterFunc posts fn onto the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return l.clock.AfterFunc(d, func() {
		if !l.Post(fn) {
			l.logger.Debug("timer dropped: loop stopped")
		}
	})
}

// Clock returns the clock the loop schedules timers with.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Run executes posted tasks until ctx is cancelled or Stop is called.
//
// A panicking task is logged and the loop continues; one bad callback must
// not take down every subscriber that shares the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("loop starting")

	for {
		if fn, ok := l.queue.pop(); ok {
			l.exec(fn)
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Info("loop stopping: context cancelled")
			l.queue.close()
			return ctx.Err()

		case <-l.queue.wait():
			if l.queue.isClosed() && l.queue.len() == 0 {
				l.logger.Info("loop stopping: closed")
				return nil
			}
		}
	}
}

// RunPending drains the queue on the calling goroutine, including tasks
// posted while draining, and returns how many ran. Used by tests and the
// CLI's one-shot commands in place of Run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		fn, ok := l.queue.pop()
		if !ok {
			return n
		}
		l.exec(fn)
		n++
	}
}

// Stop closes the loop. Tasks already queued still run; new Posts fail.
func (l *Loop) Stop() {
	l.queue.close()
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.queue.len()
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked",
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}
