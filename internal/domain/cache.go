package domain

import (
	"context"
	"time"
)

// RateLimiter decides whether an action may proceed within a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus publishes engine events for external observers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
