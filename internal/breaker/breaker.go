// Package breaker implements the session circuit breaker. A trip is one-way:
// once tripped it stays tripped until the process restarts.
package breaker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// Config holds the trip thresholds. Zero disables a check.
type Config struct {
	MaxDrawdownPct  float64
	MaxDeviationPct float64
	NetworkTimeout  time.Duration
	Now             func() time.Time // clock for heartbeat age, defaults to time.Now
}

// TripFunc is invoked once, after the breaker trips.
type TripFunc func(state domain.BreakerState)

// Breaker tracks the three trip conditions. It never touches orders itself.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	state  domain.BreakerState
	onTrip []TripFunc
	now    func() time.Time
}

// New creates an untripped breaker.
func New(cfg Config, logger *slog.Logger) *Breaker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "breaker")),
		now:    now,
	}
}

// OnTrip registers a callback.
func (b *Breaker) OnTrip(fn TripFunc) {
	b.mu.Lock()
	b.onTrip = append(b.onTrip, fn)
	b.mu.Unlock()
}

// SetInitialCapital records the PnL baseline. Only the first positive value
// is kept.
func (b *Breaker) SetInitialCapital(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.InitialCapital <= 0 && v > 0 {
		b.state.InitialCapital = v
	}
}

// Heartbeat records network activity at t.
func (b *Breaker) Heartbeat(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.After(b.state.LastHeartbeat) {
		b.state.LastHeartbeat = t
	}
}

// CheckPnL trips when equity has lost more than MaxDrawdownPct of the
// initial capital.
func (b *Breaker) CheckPnL(equity float64) bool {
	b.mu.RLock()
	initial := b.state.InitialCapital
	b.mu.RUnlock()
	if initial <= 0 || b.cfg.MaxDrawdownPct <= 0 {
		return b.Tripped()
	}
	pnl := equity - initial
	if pnl < 0 && math.Abs(pnl)/initial > b.cfg.MaxDrawdownPct {
		b.trip(fmt.Sprintf("pnl %.2f is %.2f%% of initial capital %.2f (limit %.2f%%)",
			pnl, 100*math.Abs(pnl)/initial, initial, 100*b.cfg.MaxDrawdownPct))
	}
	return b.Tripped()
}

// CheckDeviation trips when the exchange price is too far from the oracle.
func (b *Breaker) CheckDeviation(symbol string, market, oracle float64) bool {
	if oracle <= 0 || market <= 0 || b.cfg.MaxDeviationPct <= 0 {
		return b.Tripped()
	}
	dev := math.Abs(market-oracle) / oracle
	if dev > b.cfg.MaxDeviationPct {
		b.trip(fmt.Sprintf("%s market %.8g deviates %.2f%% from oracle %.8g (limit %.2f%%)",
			symbol, market, 100*dev, oracle, 100*b.cfg.MaxDeviationPct))
	}
	return b.Tripped()
}

// CheckHeartbeat trips when no activity was seen for NetworkTimeout.
func (b *Breaker) CheckHeartbeat() bool {
	b.mu.RLock()
	last := b.state.LastHeartbeat
	b.mu.RUnlock()
	if last.IsZero() || b.cfg.NetworkTimeout <= 0 {
		return b.Tripped()
	}
	if age := b.now().Sub(last); age > b.cfg.NetworkTimeout {
		b.trip(fmt.Sprintf("no market activity for %s (limit %s)", age.Round(time.Millisecond), b.cfg.NetworkTimeout))
	}
	return b.Tripped()
}

// Tripped reports whether the breaker has tripped this session.
func (b *Breaker) Tripped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Tripped
}

// State returns a copy of the bookkeeping.
func (b *Breaker) State() domain.BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) trip(reason string) {
	b.mu.Lock()
	if b.state.Tripped {
		b.mu.Unlock()
		return
	}
	b.state.Tripped = true
	b.state.Reason = reason
	b.state.TrippedAt = b.now().UTC()
	state := b.state
	callbacks := append([]TripFunc(nil), b.onTrip...)
	b.mu.Unlock()

	b.logger.Error("circuit breaker tripped", slog.String("reason", reason))
	for _, fn := range callbacks {
		fn(state)
	}
}
