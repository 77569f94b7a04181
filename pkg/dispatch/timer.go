package dispatch

import (
	"sync"
	"time"

	"github.com/fabricd/fabricd/pkg/clock"
)

// Timer is a restartable single-shot timer whose callback runs on the
// dispatcher's event loop. Start on an armed timer resets the deadline
// from now and never stacks a second firing. Clear fires the callback
// immediately; Stop disarms without firing.
type Timer struct {
	d *Dispatcher

	mu       sync.Mutex
	duration time.Duration
	callback func()
	inner    *clock.Timer
	deadline time.Time
	armed    bool
}

// NewTimer creates a disarmed timer owned by the dispatcher
func (d *Dispatcher) NewTimer(duration time.Duration, callback func()) *Timer {
	return &Timer{d: d, duration: duration, callback: callback}
}

// Start arms the timer with its configured duration
func (t *Timer) Start() {
	t.mu.Lock()
	delay := t.duration
	t.mu.Unlock()
	t.StartAfter(delay)
}

// StartAfter arms the timer with a one-off delay, leaving the configured
// duration unchanged. A non-positive delay fires immediately.
func (t *Timer) StartAfter(delay time.Duration) {
	if delay <= 0 {
		t.Clear()
		return
	}

	t.mu.Lock()
	t.armed = true
	t.deadline = t.d.clk.Now().Add(delay)
	if t.inner == nil {
		t.inner = t.d.clk.AfterFunc(delay, t.onExpire)
	} else {
		t.inner.Reset(delay)
	}
	t.mu.Unlock()
}

// Stop disarms the timer without firing. Safe on a disarmed timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.armed = false
	if t.inner != nil {
		t.inner.Stop()
	}
	t.mu.Unlock()
}

// Clear fires the callback on the event loop now, disarming any pending
// deadline first.
func (t *Timer) Clear() {
	t.mu.Lock()
	t.armed = false
	if t.inner != nil {
		t.inner.Stop()
	}
	cb := t.callback
	t.mu.Unlock()

	t.d.Submit(cb)
}

// SetDuration changes the duration used by subsequent Start calls. An
// armed deadline is unaffected.
func (t *Timer) SetDuration(d time.Duration) {
	t.mu.Lock()
	t.duration = d
	t.mu.Unlock()
}

// Armed reports whether the timer is waiting to fire
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Remaining returns the time left until the deadline, zero when disarmed
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return 0
	}
	r := t.deadline.Sub(t.d.clk.Now())
	if r < 0 {
		return 0
	}
	return r
}

func (t *Timer) onExpire() {
	t.mu.Lock()
	// A restart while this fire was in flight moved the deadline forward;
	// the rescheduled expiry will handle it.
	if !t.armed || t.d.clk.Now().Before(t.deadline) {
		t.mu.Unlock()
		return
	}
	t.armed = false
	cb := t.callback
	t.mu.Unlock()

	t.d.Submit(cb)
}
