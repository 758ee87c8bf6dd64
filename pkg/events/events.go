// Package events is an in-process pub/sub broker. The coordinator and
// LogSync publish storage-engine events to it and cmd/sdctl serve
// subscribes to log them. The local relational cache does not subscribe;
// its tables are written directly.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventDocumentUpdated fires after the coordinator appends a local
	// CRDT update to a note or the folder tree. Peer records applied by
	// LogSync do not publish it.
	EventDocumentUpdated EventType = "document.updated"
	// EventDocumentDeleted is the type for a document tombstone recorded
	// in the deletion log. No code in this module publishes it.
	EventDocumentDeleted EventType = "document.deleted"
	// EventSnapshotWritten fires after a file or DB snapshot completes
	// its two-phase write.
	EventSnapshotWritten EventType = "snapshot.written"
	// EventSyncCycleCompleted fires once per LogSync tailing pass.
	EventSyncCycleCompleted EventType = "sync.cycle_completed"
	// EventStorageDirRegistered fires when a storage directory is added
	// to the coordinator.
	EventStorageDirRegistered EventType = "storagedir.registered"
	// EventStorageDirUnregistered fires on removal.
	EventStorageDirUnregistered EventType = "storagedir.unregistered"
	// EventCacheRebuilt is the type for a finished rebuild of the local
	// relational cache's derived tables. No code in this module publishes
	// it.
	EventCacheRebuilt EventType = "cache.rebuilt"
)

// Event represents a storage-engine event, consumed by subscribers such
// as cmd/sdctl serve's event logger and anything observing sync progress.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
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
