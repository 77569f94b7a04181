/*
Package dispatch provides the single-threaded event loop and bounded worker
pool that order all daemon activity.

Controller state machines, the reconciler, and the D-Bus handlers all
mutate shared state. Instead of locking that state, every mutation is a
closure submitted to one event-loop goroutine, so mutations are totally
ordered and the state machines never observe half-applied transitions.
Blocking calls never run on the loop; they are handed to the worker pool
and their results posted back as new closures.

# Architecture

	┌───────────────────── DISPATCHER ───────────────────────┐
	│                                                         │
	│   Submit(fn)                 SubmitWork(name, work, cb) │
	│      │                              │                   │
	│      ▼                              ▼                   │
	│  ┌─────────┐                  ┌──────────┐              │
	│  │ run     │                  │ work     │              │
	│  │ queue   │                  │ queue    │              │
	│  └────┬────┘                  └────┬─────┘              │
	│       │                            │                    │
	│       ▼                            ▼                    │
	│  ┌──────────┐               ┌─────────────┐             │
	│  │ event    │   complete    │ worker pool │             │
	│  │ loop     │◄──────────────│ (bounded)   │             │
	│  │ (1 gor.) │               │ blocking IO │             │
	│  └──────────┘               └─────────────┘             │
	│       ▲                                                 │
	│       │ callbacks                                       │
	│  ┌────┴─────┐                                           │
	│  │ timers   │  restartable single-shot                  │
	│  └──────────┘                                           │
	└─────────────────────────────────────────────────────────┘

# Timers

Timers model the delays the daemon lives on: reconnect backoff, log page
retry, registration retry, soak windows. Their semantics are deliberately
narrow:

  - Start arms the timer; Start on an armed timer resets the deadline
    from now. A timer never fires more than once per arming.
  - Clear fires the callback immediately on the event loop.
  - Stop disarms without firing.

Callbacks always run on the event loop, never on the timer goroutine, so
they may mutate controller state freely.

# Usage

	d := dispatch.NewDispatcher(&dispatch.Config{Workers: 4})
	d.Start()
	defer d.Stop()

	// Serialize a state mutation.
	d.Submit(func() { ctrl.SetState(connecting) })

	// Run a blocking connect off-loop, handle the result on-loop.
	d.SubmitWork("connect", func() error {
		return client.Connect(ctx, tid, params)
	}, func(err error) {
		ctrl.ConnectDone(err)
	})

	// Retry after a delay.
	retry := d.NewTimer(60*time.Second, func() { ctrl.Retry() })
	retry.Start()

# Clock Injection

The dispatcher takes a clock.Clock so tests drive timers with a fake
clock and Advance instead of sleeping.

# Shutdown

Stop closes the loop and the workers. Closures still queued are dropped;
callers that need completion guarantees must sequence their own teardown
before calling Stop.
*/
package dispatch
