package bus

import "time"

// Event is a loosely typed notification passed between the non-sync
// business logic and the sync layer.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

// EventHandler processes one delivered event.
type EventHandler func(Event) error

// Subscription is a handle over a registered handler.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

// EventBus is the in-process pub/sub channel the sync orchestrator listens
// on for local mutations, and publishes cycle results to.
type EventBus interface {
	Publish(event Event) error
	PublishAsync(event Event) <-chan error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// Event types used by the sync subsystem.
const (
	EventEntityModified = "entity.modified.local"
	EventSyncCompleted  = "sync.completed"
	EventSyncFailed     = "sync.failed"
	EventConnectivity   = "connectivity.changed"
)
