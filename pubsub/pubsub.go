// Package pubsub is the event bus the reference execution engine listens
// on. Publishers push opaque payloads to named topics; every subscription
// open on a topic at publish time receives the payload, in publish order.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("pubsub: closed")

// Handler receives one payload. Calls for one subscription never overlap
// and follow publish order.
type Handler func(ctx context.Context, payload []byte)

// Subscription is a live registration on a topic.
type Subscription interface {
	// Close stops delivery. A handler call already under way may still
	// finish after Close returns.
	Close() error
}

// PubSub publishes payloads to topics and fans them out to subscribers.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}
