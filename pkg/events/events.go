package events

import (
	"sync"
	"time"
)

// EventType represents the type of dataset lifecycle event.
type EventType string

const (
	EventDatasetSubmitted   EventType = "dataset.submitted"
	EventUploadStarted      EventType = "dataset.upload_started"
	EventUploadProgress     EventType = "dataset.upload_progress"
	EventUploadFailed       EventType = "dataset.upload_failed"
	EventConversionQueued   EventType = "dataset.conversion_queued"
	EventConversionStarted  EventType = "dataset.conversion_started"
	EventConversionFailed   EventType = "dataset.conversion_failed"
	EventDatasetCompleted   EventType = "dataset.completed"
	EventDatasetCancelled   EventType = "dataset.cancelled"
)

// Event represents a single dataset lifecycle event, published so that a
// web UI (or any other consumer) can show live progress without polling
// the Dataset Store directly.
type Event struct {
	ID          string
	Type        EventType
	Timestamp   time.Time
	DatasetUUID string
	Message     string
	Metadata    map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publish never
// blocks the caller for longer than it takes to hand the event to the
// broker's internal queue; a slow or absent subscriber only ever drops
// its own events, never backs up the scheduler that published them.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel, typically
// held for the lifetime of one SSE/websocket connection to the status UI.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
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

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
