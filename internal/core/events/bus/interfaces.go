package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus. The hub publishes room
// activity (joins, leaves, lock transitions, relayed changes) onto it so
// server-side observers can watch collaboration traffic without sitting on the
// fan-out path.
//
// Delivery is synchronous in the publisher's goroutine; handlers must be quick
// or offload heavy work. Topics give per-room isolation; the default topic is
// "" (empty string). All methods are safe for concurrent use.
type EventBus interface {
	// Publish delivers the event to all active subscribers of event.Type()
	// in the default topic. Handler errors are joined and returned.
	Publish(event Event) error
	// PublishToTopic publishes within a specific topic.
	PublishToTopic(topic string, event Event) error
	// Subscribe registers a handler for an event type in the default topic.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// SubscribeTopic registers a handler for an event type within a topic.
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given subscription. Safe to call with nil.
	Unsubscribe(Subscription) error
}

// Event is an immutable message transported by the bus. Type is the routing
// key, Source identifies the publisher (a connection or component id).
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

// EventHandler is invoked once per delivered event.
type EventHandler func(event Event) error

// Subscription is a registered handler bound to an event type.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}
