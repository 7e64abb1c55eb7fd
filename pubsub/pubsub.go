// Package pubsub defines the message bus contract the engine publishes and
// consumes on: workflow dispatch, signal delivery, interrupts, and the
// fire-and-forget emit/trace surfaces. Backends adapt the contract onto
// their substrate (Redis streams via pulsebus, process memory via inmem).
package pubsub

import "context"

type (
	// Message is one unit on a topic.
	Message struct {
		// Topic the message was published on.
		Topic string
		// Data is the serialized payload.
		Data []byte
	}

	// Publisher is the fire-and-forget publish surface.
	Publisher interface {
		// Publish sends data on topic. Delivery is at-least-once to each
		// active subscription of the topic.
		Publish(ctx context.Context, topic string, data []byte) error
	}

	// Subscriber is the consumption surface.
	Subscriber interface {
		// Subscribe opens a subscription on topic. The returned stop
		// function closes the channel and releases the subscription.
		Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error)
	}

	// Bus combines both surfaces.
	Bus interface {
		Publisher
		Subscriber
	}
)
