package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindow()
	w.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		ok, err := w.Allow(ctx, "create", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := w.Allow(ctx, "create", 3, time.Second)
	assert.False(t, ok, "fourth call in window is rejected")

	ok, _ = w.Allow(ctx, "cancel", 3, time.Second)
	assert.True(t, ok, "keys are independent")

	clock = clock.Add(1001 * time.Millisecond)
	ok, _ = w.Allow(ctx, "create", 3, time.Second)
	assert.True(t, ok, "window slides")
	assert.Equal(t, 1, w.Count("create", time.Second))
}

func TestSlidingWindowZeroLimitDisabled(t *testing.T) {
	w := NewSlidingWindow()
	for i := 0; i < 100; i++ {
		ok, err := w.Allow(context.Background(), "k", 0, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
