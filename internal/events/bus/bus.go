// Package bus carries agentdeck's internal events: process state frames,
// session row changes and item batches all traverse an EventBus on their way
// to WebSocket clients and the process journal bridge.
//
// Subjects are dot-separated the NATS way, and subscriptions accept the NATS
// wildcards * (one token) and > (one or more trailing tokens) on both
// implementations, so swapping the in-memory bus for a NATS server changes
// nothing for publishers or subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventBus is the publish side and subscribe side of the event fabric.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject or wildcard pattern.
	// Each subscription receives matching events in publish order.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close tears the bus down; further publishes fail.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}

// EventHandler consumes one delivered event. Returning an error only logs
// it; delivery is not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be torn down independently
// of the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Event is the envelope every payload travels in.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent wraps a payload in an envelope stamped with a fresh id and the
// current UTC time. Source names the producing component.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
