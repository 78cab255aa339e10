package reactive

import (
	"time"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/loop"
)

// DefaultFrame is the pass coalescing interval used by LoopDriver.
const DefaultFrame = 16 * time.Millisecond

// ManualDriver never runs passes on its own; the owner calls
// Scheduler.Flush. Timers use the supplied clock, so with a fake clock the
// owner also decides when they fire.
type ManualDriver struct {
	clock     clock.Clock
	requested int
}

// NewManualDriver creates a driver whose timers use c.
func NewManualDriver(c clock.Clock) *ManualDriver {
	return &ManualDriver{clock: c}
}

// Schedule only counts the request.
func (d *ManualDriver) Schedule(func()) {
	d.requested++
}

// Requests returns how many passes were requested.
func (d *ManualDriver) Requests() int {
	return d.requested
}

// AfterFunc delegates to the clock.
func (d *ManualDriver) AfterFunc(delay time.Duration, f func()) clock.Timer {
	return d.clock.AfterFunc(delay, f)
}

// LoopDriver runs one pass per frame on a loop.Loop.
type LoopDriver struct {
	loop  *loop.Loop
	frame time.Duration
}

// NewLoopDriver creates a driver posting onto l. A non-positive frame
// uses DefaultFrame.
func NewLoopDriver(l *loop.Loop, frame time.Duration) *LoopDriver {
	if frame <= 0 {
		frame = DefaultFrame
	}
	return &LoopDriver{loop: l, frame: frame}
}

// Schedule runs run on the loop after one frame.
func (d *LoopDriver) Schedule(run func()) {
	d.loop.AfterFunc(d.frame, run)
}

// AfterFunc runs f on the loop after delay.
func (d *LoopDriver) AfterFunc(delay time.Duration, f func()) clock.Timer {
	return d.loop.AfterFunc(delay, f)
}
