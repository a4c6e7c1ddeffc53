// Package events is an in-process pub/sub broker for orchestrator lifecycle
// events. Slow subscribers drop events rather than block publishers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	SandboxCreated Type = "sandbox.created"
	SandboxDeleted Type = "sandbox.deleted"
	SandboxExpired Type = "sandbox.expired"
	SessionStarted Type = "session.started"
	SessionStopped Type = "session.stopped"
	SessionFailed  Type = "session.failed"
	CargoCreated   Type = "cargo.created"
	CargoDeleted   Type = "cargo.deleted"
	GCCycleDone    Type = "gc.cycle"
)

// Event is a single lifecycle notification.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber receives events. Each subscriber has its own buffer; when the
// buffer is full, events for that subscriber are dropped.
type Subscriber chan *Event

// Broker fans events out to subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool

	eventCh chan *Event
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBroker builds a stopped broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop terminates distribution. Queued events are discarded.
func (b *Broker) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event. It never blocks past broker shutdown.
func (b *Broker) Publish(typ Type, message string, metadata map[string]string) {
	ev := &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Metadata:  metadata,
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
}
