// Package pubsub provides a generic publish/subscribe event system used to
// fan out progress and log events inside a single process.
package pubsub

import (
	"context"
	"time"
)

// Kind classifies a published event.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindRemoved Kind = "removed"
)

// Event is a published event with a typed payload.
type Event[T any] struct {
	Kind      Kind
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher publishes events with a typed payload.
type Publisher[T any] interface {
	Publish(kind Kind, payload T)
}
