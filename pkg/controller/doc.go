/*
Package controller implements the lifecycle state machines for NVMe over
Fabrics connections: one Controller per transport identifier, specialized
into discovery controllers (Dc) and I/O controllers (Ioc).

# Architecture

	                      ┌────────────────────────┐
	         Start        │                        │
	  IDLE ──────────►  CONNECTING ──────────► CONNECTED
	   ▲                  │      ▲                │ │
	   │          failure │      │ delay          │ │ kernel removal
	   │                  ▼      │                │ ▼
	   │                RETRY_WAIT ◄──────────────┘ (fast retry)
	   │                  │
	   │ Remove           │ bound exhausted / NCC give-up
	   ▼                  ▼
	 DISCONNECTING      FAILED / SUSPENDED / INVALID (terminal)

Every transition runs on the dispatch event loop. Blocking fabric calls
(connect, disconnect, get log page, registration) are submitted to the
worker pool through a single per-controller operation slot, so for any one
target at most one operation is in flight and its completion is observed
by the loop before the next transition is scheduled.

# Retry behavior

A connect failure moves the controller to RETRY_WAIT and arms the
reconnect delay. The retry loop is bounded by the controller loss timeout:
negative means retry forever, zero means fail on the first error, and a
positive value starts a wall-clock deadline at the first failure after the
last success or removal. Kernel-reported device removal is special cased
with a short fast-retry delay and a reset attempt counter, because a path
flap usually heals within seconds.

When the log page entry behind an I/O controller carries the Not Connected
to CDC flag, the retry loop gives up early into SUSPENDED after the
configured attempt count; clearing the flag through SetNCC resumes it.

# Removal

Remove never cancels an in-flight operation. The controller is flagged and
the completion handler drives it straight to DISCONNECTING, whatever the
operation's outcome. The disconnect itself is skipped when the caller asks
to keep the kernel connection, which is how shutdown leaves persistent
connections behind.

# Discovery controllers

A Dc keeps the subsystem's discovery log page cached. The cache is
replaced wholesale on every successful retrieval, never merged, and
entries with unusable transport addresses are dropped on the way in. A
cache restored from the store starts out provisional until the first live
retrieval confirms it. Retrieval failures retry on their own timer while
the connection stays CONNECTED; async event notifications and kernel
uevents re-issue the retrieval without touching the cache or the state.
*/
package controller
