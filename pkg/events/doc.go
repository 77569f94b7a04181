/*
Package events provides in-process pub/sub for fabricd notifications.

The broker decouples the dispatcher (which produces state changes) from the
surfaces that observe them: the D-Bus signal emitter, the metrics updater,
and tests. Publishing never blocks the dispatcher; slow subscribers drop
events rather than stall controller work.

# Event Flow

	┌───────────────────────── EVENT FLOW ─────────────────────────┐
	│                                                               │
	│  Dispatcher ──publish──►  Broker (100-event buffer)           │
	│                              │                                │
	│               ┌──────────────┼───────────────┐                │
	│               ▼              ▼               ▼                │
	│         D-Bus signals     metrics         tests               │
	│      (LogPagesChanged,  (gauge sync)   (assertions)           │
	│         DcRemoved)                                            │
	│                                                               │
	│  Per-subscriber buffer: 50 events, non-blocking fan-out       │
	└───────────────────────────────────────────────────────────────┘

# Event Types

  - dc.cache-changed: a discovery controller replaced its DLPE cache;
    carries the TID, kernel device, and the new entries
  - dc.removed: a discovery controller finished disconnecting after
    removal from desired state
  - controller.state: any lifecycle transition (kind, state, TID)
  - audit.complete: one reconciler pass finished

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			// forward to D-Bus, update gauges, ...
		}
	}()

	broker.Publish(&events.Event{
		Type: events.EventCacheChanged,
		TID:  dcTID,
	})

# Delivery Guarantees

Delivery is at-most-once per subscriber: a full subscriber buffer drops the
event for that subscriber only. Consumers needing exact state must read it
from the dispatcher (D-Bus methods do), not reconstruct it from events.
*/
package events
