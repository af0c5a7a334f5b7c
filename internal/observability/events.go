// Package observability provides the structured event stream and latency
// tracking used by the pool, retry engine, and migration orchestrator.
package observability

import (
	"sync"
	"time"
)

// EventType represents the type of engine event.
type EventType int

const (
	PoolAcquired EventType = iota
	PoolReleased
	PoolExhausted
	RetryAttempt
	RetryGaveUp
	MigrationStep
	MigrationRolledBack
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case PoolAcquired:
		return "pool_acquired"
	case PoolReleased:
		return "pool_released"
	case PoolExhausted:
		return "pool_exhausted"
	case RetryAttempt:
		return "retry_attempt"
	case RetryGaveUp:
		return "retry_gave_up"
	case MigrationStep:
		return "migration_step"
	case MigrationRolledBack:
		return "migration_rolled_back"
	default:
		return "unknown"
	}
}

// Event represents a single engine event. Component is the emitting component
// ("pool", "retry", "migrate"); Detail is a short human-readable description;
// Attempt and Elapsed are populated where they apply.
type Event struct {
	Type      EventType
	Component string
	Detail    string
	Attempt   int
	Elapsed   time.Duration
	Timestamp int64
}

// Notifier provides an in-process pub/sub event bus for external logging and
// observability consumers.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (n *Notifier) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if n.matchesFilter(sub, ev.Component) {
			select {
			case sub.Ch <- ev:
			default:
				// Channel full - drop event, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber with a custom ID. Filters restrict delivery
// to events whose component name starts with one of the given prefixes; an
// empty filter list receives everything.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	ch := make(chan Event, n.bufferSize)
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      ch,
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a new subscriber with an auto-generated ID.
func (n *Notifier) SubscribeAutoID(filters ...string) chan Event {
	id := generateSubscriberID()
	ch := make(chan Event, n.bufferSize)
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      ch,
	}
	n.subscribers.Store(sub.ID, sub)
	return ch
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// matchesFilter checks if the event matches the subscriber's filters.
func (n *Notifier) matchesFilter(sub *Subscriber, component string) bool {
	if len(sub.Filters) == 0 {
		return true // No filters - receive all events
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(component) >= len(filter) && component[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber represents an event subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}

// generateSubscriberID generates a unique subscriber ID.
func generateSubscriberID() string {
	return "sub_" + time.Now().Format("20060102150405000000")
}
