// Package retry provides the bounded retry-with-backoff policy shared by
// every feeder (push listeners, pollers, the executor).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// Policy bounds a retry loop. MaxAttempts <= 0 means unbounded; Factor <= 1
// yields a fixed delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: delay, MaxDelay: delay, Factor: 1}
}

// Exponential returns a doubling policy capped at max.
func Exponential(attempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: max, Factor: 2}
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	wait := p.BaseDelay
	if p.Factor <= 1 {
		return wait
	}
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Factor)
		if p.MaxDelay > 0 && wait >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return wait
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Do returns it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or the attempt budget is spent. On exhaustion the returned error wraps both
// domain.ErrRetriesExhausted and the last failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, p.MaxAttempts, last)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
