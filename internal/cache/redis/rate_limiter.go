package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set and updated atomically by a Lua script. Processes sharing a
// Redis instance and key prefix share the budget.
type RateLimiter struct {
	client        *Client
	slidingWindow *redis.Script
	now           func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		client:        c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		now:           time.Now,
	}
}

// Allow counts the call and reports whether it fits in limit per window.
// A non-positive limit always allows.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	allowed, _, err := rl.run(ctx, key, limit, window)
	return allowed, err
}

// Count returns how many calls to key fall in the trailing window, without
// counting a new one.
func (rl *RateLimiter) Count(ctx context.Context, key string, window time.Duration) (int64, error) {
	min := fmt.Sprintf("(%d", rl.now().Add(-window).UnixMicro())
	n, err := rl.client.rdb.ZCount(ctx, rl.client.key("ratelimit", key), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis: rate limit count %s: %w", key, err)
	}
	return n, nil
}

func (rl *RateLimiter) run(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.client.rdb,
		[]string{rl.client.key("ratelimit", key)},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, 0, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, result[1], nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
