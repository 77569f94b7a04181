package events

import (
	"sync"
	"time"

	"github.com/fabricd/fabricd/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	// EventCacheChanged fires after a discovery controller replaces its
	// DLPE cache with a freshly retrieved log page.
	EventCacheChanged EventType = "dc.cache-changed"

	// EventDcRemoved fires when a discovery controller leaves desired
	// state and its disconnect has completed.
	EventDcRemoved EventType = "dc.removed"

	EventControllerState EventType = "controller.state"
	EventAuditComplete   EventType = "audit.complete"
)

// Event describes one observable occurrence inside the daemon
type Event struct {
	Type      EventType
	Timestamp time.Time

	// TID identifies the controller the event concerns, when any.
	TID types.TID

	// Kind and State carry lifecycle detail for controller.state events.
	Kind  types.ControllerKind
	State types.State

	// Device is the kernel device name, when connected.
	Device string

	// Entries carries the new cache for dc.cache-changed events.
	Entries []types.DLPE
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
