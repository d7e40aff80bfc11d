// Package debounce provides the timer-based debouncer that coalesces
// bursts of selection changes: one instance rate-limits URL rewrites, a
// separate instance rate-limits comparison pricing calls.
package debounce

import (
	"sync"
	"time"
)

// Default is the debounce window both sync paths use.
const Default = 300 * time.Millisecond

// Debouncer coalesces calls to Trigger: the most recently supplied
// function runs once, one window after the last trigger. Safe for
// concurrent use.
type Debouncer struct {
	window time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	fn     func()
	gen    uint64
	closed bool
}

// New creates a debouncer with the given window. Non-positive windows
// fall back to Default.
func New(window time.Duration) *Debouncer {
	if window <= 0 {
		window = Default
	}
	return &Debouncer{window: window}
}

// Trigger schedules fn to run after the window, replacing any previously
// scheduled function and restarting the timer.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.fn = fn
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// fire runs the pending function unless a later Trigger, Flush, Cancel or
// Close superseded this timer. The generation check closes the race where
// an already-expired timer would otherwise run a newer function early.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen || d.fn == nil {
		d.mu.Unlock()
		return
	}
	fn := d.fn
	d.fn = nil
	d.timer = nil
	d.mu.Unlock()

	fn()
}

// Flush runs the pending function immediately, if any.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	fn := d.fn
	d.fn = nil
	closed := d.closed
	d.mu.Unlock()

	if closed || fn == nil {
		return
	}
	fn()
}

// Cancel drops the pending function without running it.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.fn = nil
}

// Pending reports whether a function is waiting for the window to elapse.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn != nil
}

// Close cancels pending work and rejects all further triggers.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.fn = nil
}
