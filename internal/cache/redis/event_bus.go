package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)

const (
	// eventStream keeps a bounded, replayable log of every published event.
	eventStream = "exec:events"
	// streamMaxLen is the approximate maximum length for the event stream,
	// enforced via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// EventBus implements domain.EventBus using Redis Pub/Sub for live delivery
// and a Redis stream as a durable audit trail.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends payload to channel and appends it to the event stream.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"channel": channel, "payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// PSubscribe subscribes to a glob pattern. The returned channel is closed
// when ctx is cancelled.
func (b *EventBus) PSubscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	pubsub := b.rdb.PSubscribe(ctx, pattern)

	// Wait for the subscription confirmation before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: psubscribe %s: %w", pattern, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to count of the newest events in the audit stream,
// newest first.
func (b *EventBus) Recent(ctx context.Context, count int64) ([][]byte, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, eventStream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent events: %w", err)
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.Values["payload"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	return out, nil
}
