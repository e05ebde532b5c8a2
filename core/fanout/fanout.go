// Package fanout delivers committed change events to every current
// subscriber. Delivery is at-least-once and FIFO per entity; there is no
// global order and new subscribers do not receive earlier events.
package fanout

import (
	"context"

	"github.com/kilianp07/fleetalloc/core/events"
)

// Publisher sends an event to all current subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev events.ChangeEvent) error
}

// Subscription is one observer's stream. Resync receives a value when
// events may have been lost (buffer overflow, broker reconnect); the
// observer should take a fresh snapshot. Events is closed by Close or when
// the subscribe context ends.
type Subscription interface {
	Events() <-chan events.ChangeEvent
	Resync() <-chan struct{}
	Close() error
}

// Subscriber creates subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Channel is a complete fan-out backend.
type Channel interface {
	Publisher
	Subscriber
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, events.ChangeEvent) error { return nil }

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev events.ChangeEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev events.ChangeEvent) error { return f(ctx, ev) }
