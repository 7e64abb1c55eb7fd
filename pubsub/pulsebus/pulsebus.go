// Package pulsebus implements the engine message bus on goa.design/pulse
// streams (Redis streams). It mirrors the layering used by existing Pulse
// deployments: callers build a Redis client, pass it to New, and hand the
// resulting bus to the scheduler and clients.
package pulsebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/loom/pubsub"
)

type (
	// Options configures the Pulse-backed bus.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// SinkName identifies the consumer group used for subscriptions.
		// Engine peers sharing a SinkName share each topic's messages;
		// distinct names each receive the full stream. Defaults to
		// "loom_engine".
		SinkName string
		// StreamMaxLen bounds the entries kept per topic stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// Buffer specifies subscription channel capacity. Defaults to 64.
		Buffer int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Bus is a Pulse-backed implementation of pubsub.Bus. Each topic maps to
	// one Pulse stream; subscriptions are Pulse sinks on that stream.
	Bus struct {
		rdb     *redis.Client
		sink    string
		maxLen  int
		buffer  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}
)

// Compile-time check that Bus implements pubsub.Bus.
var _ pubsub.Bus = (*Bus)(nil)

// New constructs a Pulse-backed bus. The Redis field in opts is required;
// the rest default to sensible values.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	sink := opts.SinkName
	if sink == "" {
		sink = "loom_engine"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		rdb:     opts.Redis,
		sink:    sink,
		maxLen:  opts.StreamMaxLen,
		buffer:  buffer,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

// stream returns the Pulse stream for a topic, creating it on first use.
// Topic names become stream names verbatim; Pulse prefixes its own keys.
func (b *Bus) stream(topic string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[topic]; ok {
		return s, nil
	}
	var sopts []streamopts.Stream
	if b.maxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	s, err := streaming.NewStream(topic, b.rdb, sopts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", topic, err)
	}
	b.streams[topic] = s
	return s, nil
}

// Publish adds the payload to the topic stream.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	s, err := b.stream(topic)
	if err != nil {
		return err
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if _, err := s.Add(ctx, "msg", data); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Subscribe opens a Pulse sink on the topic stream and pumps its events into
// a channel. Events are acked after emission, giving at-least-once delivery.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan pubsub.Message, func(), error) {
	s, err := b.stream(topic)
	if err != nil {
		return nil, nil, err
	}
	sink, err := s.NewSink(ctx, b.sink)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan pubsub.Message, b.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, topic, sink, out)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, stop, nil
}

func (b *Bus) consume(ctx context.Context, topic string, sink *streaming.Sink, out chan<- pubsub.Message) {
	defer close(out)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case out <- pubsub.Message{Topic: topic, Data: ev.Payload}:
				// Ack only after the consumer loop has the message so a
				// crash before handoff redelivers.
				_ = sink.Ack(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}
}
