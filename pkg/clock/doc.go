/*
Package clock abstracts time for testable retry and soak behavior.

Every fabricd component that schedules work (reconnect timers, soak timers,
audit tickers, disposal sweeps) takes a clock.Clock instead of calling the
time package directly. Production wiring passes Real(); tests pass Fake()
and drive it with Advance, which makes properties like "failed at or after
20 simulated seconds" assertable without wall-clock waits.

# Usage

Production:

	d := dispatch.New(dispatch.Options{Clock: clock.Real()})

Tests:

	fake := clock.Fake(time.Unix(0, 0))
	d := dispatch.New(dispatch.Options{Clock: fake})

	fake.WaitForTimers(1)        // timer armed by the code under test
	fake.Advance(5 * time.Second) // fires it deterministically

# Semantics

The fake fires waiters in deadline order. AfterFunc callbacks run
synchronously inside Advance, so they must not re-enter Advance or Sleep.
Ticker channels have capacity 1 and drop overflow, matching time.Ticker.
*/
package clock
