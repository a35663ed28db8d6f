package jobqueue

import (
	"context"
	"sync"
)

// EventType names a job lifecycle event
type EventType string

const (
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is published on every job state transition and consumed by the
// entity status reconciler
type Event struct {
	Type          EventType
	JobID         string
	CorrelationID string
	Kind          Kind
	Progress      float64
	ErrorClass    string
}

// Lifecycle reports whether the event is a state transition rather than a
// progress sample. Lifecycle events are delivered reliably; progress samples
// may be dropped under backpressure since a newer one always follows.
func (e Event) Lifecycle() bool {
	return e.Type != EventProgress
}

type subscriber struct {
	ch     chan Event
	corrID string
	done   <-chan struct{}
}

// Broker is an in-process publish/subscribe channel for job lifecycle
// events, keyed by correlation id
type Broker struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

// NewBroker creates an event broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscription for events with the given correlation
// id; the empty string subscribes to all events. The subscription is removed
// and its channel closed when ctx is canceled.
func (b *Broker) Subscribe(ctx context.Context, correlationID string) <-chan Event {
	sub := &subscriber{
		ch:     make(chan Event, 128),
		corrID: correlationID,
		done:   ctx.Done(),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch
}

// Publish delivers an event to all matching subscribers. Lifecycle events
// block until the subscriber receives them or unsubscribes; progress events
// are dropped when a subscriber's buffer is full.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.corrID != "" && sub.corrID != event.CorrelationID {
			continue
		}

		if event.Lifecycle() {
			select {
			case sub.ch <- event:
			case <-sub.done:
			}
			continue
		}

		select {
		case sub.ch <- event:
		default:
		}
	}
}
