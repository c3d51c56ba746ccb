// Package debounce provides a single-slot trailing-edge delayed call.
//
// Every Trigger cancels the pending call and schedules a new one interval
// later, so the function runs once per quiet period. Under continuous
// triggering the call is postponed indefinitely.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs fn once interval has elapsed since the latest Trigger.
// At most one call is pending at a time.
type Debouncer struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// New creates a Debouncer. A negative interval is treated as zero.
func New(interval time.Duration, fn func()) *Debouncer {
	if interval < 0 {
		interval = 0
	}
	return &Debouncer{interval: interval, fn: fn}
}

// Interval returns the configured delay.
func (d *Debouncer) Interval() time.Duration {
	return d.interval
}

// Trigger (re)arms the timer for a full interval.
// It has no effect after Stop.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.interval, func() { d.fire(gen) })
}

// fire runs fn if gen still owns the slot. A callback that lost a race with
// a later Trigger or Cancel finds a newer generation and does nothing.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Cancel drops the pending call and reports whether there was one.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

func (d *Debouncer) cancelLocked() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	return true
}

// Flush runs a pending call immediately on the caller's goroutine and
// reports whether one was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	pending := d.cancelLocked()
	d.mu.Unlock()

	if pending {
		d.fn()
	}
	return pending
}

// Stop cancels any pending call and disables further triggers. It reports
// whether a call was pending.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return d.cancelLocked()
}
