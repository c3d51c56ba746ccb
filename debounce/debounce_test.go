package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	var calls atomic.Int32
	d := New(20*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 50; i++ {
		d.Trigger()
	}

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
	if d.Pending() {
		t.Error("slot should be idle after firing")
	}
}

func TestDebouncer_RearmPostponesCall(t *testing.T) {
	var firedAt atomic.Int64
	interval := 40 * time.Millisecond
	d := New(interval, func() { firedAt.Store(time.Now().UnixNano()) })

	d.Trigger()
	time.Sleep(25 * time.Millisecond)
	last := time.Now()
	d.Trigger()

	waitFor(t, time.Second, func() bool { return firedAt.Load() != 0 })
	if elapsed := time.Duration(firedAt.Load() - last.UnixNano()); elapsed < interval {
		t.Errorf("fired %v after last trigger, want >= %v", elapsed, interval)
	}
}

func TestDebouncer_Cancel(t *testing.T) {
	var calls atomic.Int32
	d := New(10*time.Millisecond, func() { calls.Add(1) })

	if d.Cancel() {
		t.Error("Cancel on idle debouncer should report false")
	}

	d.Trigger()
	if !d.Cancel() {
		t.Error("Cancel should report the pending call")
	}
	time.Sleep(40 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("cancelled call ran %d times", got)
	}
}

func TestDebouncer_Flush(t *testing.T) {
	var calls atomic.Int32
	d := New(time.Hour, func() { calls.Add(1) })

	if d.Flush() {
		t.Error("Flush on idle debouncer should report false")
	}

	d.Trigger()
	if !d.Flush() {
		t.Fatal("Flush should report the pending call")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected synchronous call, got %d", got)
	}
	if d.Pending() {
		t.Error("slot should be idle after Flush")
	}
}

func TestDebouncer_Stop(t *testing.T) {
	var calls atomic.Int32
	d := New(5*time.Millisecond, func() { calls.Add(1) })

	d.Trigger()
	if !d.Stop() {
		t.Error("Stop should report the pending call")
	}
	d.Trigger()
	time.Sleep(30 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("expected no calls after Stop, got %d", got)
	}
	if d.Pending() {
		t.Error("Trigger after Stop must not arm")
	}
}

func TestDebouncer_TriggerFromCallback(t *testing.T) {
	var calls atomic.Int32
	var d *Debouncer
	d = New(5*time.Millisecond, func() {
		if calls.Add(1) == 1 {
			d.Trigger()
		}
	})

	d.Trigger()
	waitFor(t, time.Second, func() bool { return calls.Load() == 2 })
}

func TestNew_NegativeInterval(t *testing.T) {
	d := New(-time.Second, func() {})
	if d.Interval() != 0 {
		t.Errorf("Interval = %v, want 0", d.Interval())
	}
}
