// Package inmem provides an in-process message bus for development and
// testing. No durability, no consumer groups; every subscription of a topic
// receives every message published after it was opened.
package inmem

import (
	"context"
	"sync"

	"goa.design/loom/pubsub"
)

// Bus is an in-process implementation of pubsub.Bus. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan pubsub.Message
	nextID int
	buffer int
}

// Compile-time check that Bus implements pubsub.Bus.
var _ pubsub.Bus = (*Bus)(nil)

// New creates an in-process bus. Subscription channels are buffered so slow
// consumers do not block publishers until the buffer fills.
func New() *Bus {
	return &Bus{
		subs:   make(map[string]map[int]chan pubsub.Message),
		buffer: 256,
	}
}

// Publish delivers data to every open subscription of topic. Delivery blocks
// when a subscription buffer is full, which keeps ordering per subscriber.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	chans := make([]chan pubsub.Message, 0, len(b.subs[topic]))
	for _, ch := range b.subs[topic] {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	msg := pubsub.Message{Topic: topic, Data: data}
	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe opens a subscription on topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan pubsub.Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan pubsub.Message)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan pubsub.Message, b.buffer)
	b.subs[topic][id] = ch
	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			close(ch)
		})
	}
	return ch, stop, nil
}
