package events

import (
	"sync"
	"time"

	"github.com/porthole-hpc/porthole/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionRunning   EventType = "session.running"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionCancelled EventType = "session.cancelled"
	EventSessionUpdated   EventType = "session.updated"
	EventPollWarning      EventType = "poll.warning"
)

// Event represents a session state change observed by the poller or the
// orchestrator. UI long-poll responders subscribe to these.
type Event struct {
	ID         string              `json:"id"`
	Type       EventType           `json:"type"`
	SessionKey types.SessionKey    `json:"sessionKey"`
	Status     types.SessionStatus `json:"status,omitempty"`
	JobID      string              `json:"jobId,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	Message    string              `json:"message,omitempty"`
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

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
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

// ForStatus maps a session status to the event type announcing it.
func ForStatus(status types.SessionStatus) EventType {
	switch status {
	case types.StatusRunning:
		return EventSessionRunning
	case types.StatusCompleted:
		return EventSessionCompleted
	case types.StatusFailed:
		return EventSessionFailed
	case types.StatusCancelled:
		return EventSessionCancelled
	default:
		return EventSessionUpdated
	}
}
