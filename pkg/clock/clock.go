package clock

import "time"

// Clock abstracts time operations so that retry and soak behavior can be
// tested without waiting. Production code injects Real(); tests inject
// Fake() and advance it explicitly.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// After returns a channel that receives once d has elapsed
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels the
	// pending call with Stop; its C field is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks at interval d
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. The C channel has capacity 1; ticks are
// dropped when the consumer falls behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset restarts the tick cycle with a new interval
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Timer represents a single scheduled event
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false if it already fired
// or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d, measured from now
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
