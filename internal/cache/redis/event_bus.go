package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// streamMaxLen caps streams via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus implements domain.EventBus: Pub/Sub for live engine events and
// capped streams for fills that late readers can replay.
type EventBus struct {
	client *Client
}

// NewEventBus creates an EventBus backed by c.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{client: c}
}

// Publish sends payload to a Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend appends payload to stream, trimming it to about 10,000 entries.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := b.client.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRecent returns up to count payloads from stream, newest first.
func (b *EventBus) StreamRecent(ctx context.Context, stream string, count int64) ([][]byte, error) {
	msgs, err := b.client.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stream recent %s: %w", stream, err)
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

var _ domain.EventBus = (*EventBus)(nil)
