// Package ratelimit provides an in-process sliding-window limiter used when no
// shared Redis limiter is configured.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// SlidingWindow implements domain.RateLimiter with one timestamp log per key.
type SlidingWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewSlidingWindow creates an empty limiter.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Allow records the request and returns true when fewer than limit requests
// for key were admitted during the trailing window.
func (w *SlidingWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)
	log := w.hits[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]
	if len(log) >= limit {
		w.hits[key] = log
		return false, nil
	}
	w.hits[key] = append(log, now)
	return true, nil
}

// Count returns how many requests for key are inside the trailing window.
func (w *SlidingWindow) Count(key string, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-window)
	n := 0
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

var _ domain.RateLimiter = (*SlidingWindow)(nil)
