// Package quoting implements the Avellaneda–Stoikov quote model and the
// realized-volatility estimator that feeds it.
package quoting

import (
	"fmt"
	"math"
	"sync"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// TickRounder rounds prices to the exchange tick.
type TickRounder interface {
	RoundPrice(symbol string, price float64) float64
	TickSize(symbol string) float64
}

// Config holds the model parameters.
type Config struct {
	Gamma         float64 // risk aversion
	Horizon       float64 // normalized horizon T
	MinSpreadPct  float64 // full spread floor, fraction of mid
	MaxSpreadPct  float64 // full spread cap, fraction of mid
	InventoryUnit float64 // base units per step of the inventory multiplier
	VolDecay      float64 // EWMA lambda for squared log returns
	VolSmoothing  float64 // EMA alpha applied to each new estimate
	DefaultVol    float64 // used until enough samples exist
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Gamma:         0.1,
		Horizon:       1.0,
		MinSpreadPct:  0.001,
		MaxSpreadPct:  0.02,
		InventoryUnit: 1.0,
		VolDecay:      0.94,
		VolSmoothing:  0.2,
		DefaultVol:    0.001,
	}
}

// Quote is one model evaluation.
type Quote struct {
	Reservation float64
	HalfSpread  float64
	Bid         float64
	Ask         float64
	Widened     bool
}

// Model evaluates quotes and keeps the smoothed volatility per symbol.
type Model struct {
	cfg   Config
	rules TickRounder

	mu    sync.RWMutex
	sigma map[string]float64
}

// NewModel creates a model. rules may be nil, which disables rounding.
func NewModel(cfg Config, rules TickRounder) *Model {
	return &Model{cfg: cfg, rules: rules, sigma: make(map[string]float64)}
}

// Compute returns the rounded bid/ask for mid s, skew q (base units), σ as a
// fraction of price and depth factor d (1.0 = typical).
func (m *Model) Compute(symbol string, s, q, sigma, d float64) (Quote, error) {
	if s <= 0 {
		return Quote{}, fmt.Errorf("quoting: %s: non-positive mid %g", symbol, s)
	}
	r := s - q*m.cfg.Gamma*sigma*sigma*m.cfg.Horizon

	unit := m.cfg.InventoryUnit
	if unit <= 0 {
		unit = 1
	}
	base := 3 * sigma
	invMult := 1 + 0.2*math.Abs(q)/unit
	liqMult := 1 / math.Max(0.5, d)
	spreadPct := clamp(base*invMult*liqMult, m.cfg.MinSpreadPct, m.cfg.MaxSpreadPct)
	half := spreadPct * s / 2

	out := Quote{Reservation: r, HalfSpread: half, Bid: r - half, Ask: r + half}
	if m.rules != nil {
		out.Bid = m.rules.RoundPrice(symbol, out.Bid)
		out.Ask = m.rules.RoundPrice(symbol, out.Ask)
		if out.Bid >= out.Ask {
			tick := m.rules.TickSize(symbol)
			out.Bid -= tick
			out.Ask += tick
			out.Widened = true
		}
	}
	if out.Bid >= out.Ask || out.Bid <= 0 {
		return out, fmt.Errorf("quoting: %s bid=%g ask=%g: %w", symbol, out.Bid, out.Ask, domain.ErrCrossedQuote)
	}
	return out, nil
}

// UpdateVolatility folds a fresh estimate from samples into the smoothed σ
// and returns it. Without enough samples the previous value (or the default)
// is kept.
func (m *Model) UpdateVolatility(symbol string, samples []float64) float64 {
	est, ok := EWMAVolatility(samples, m.cfg.VolDecay)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, seen := m.sigma[symbol]
	switch {
	case !ok && seen:
		return prev
	case !ok:
		return m.cfg.DefaultVol
	case !seen:
		m.sigma[symbol] = est
	default:
		a := m.cfg.VolSmoothing
		m.sigma[symbol] = a*est + (1-a)*prev
	}
	return m.sigma[symbol]
}

// Volatility returns the smoothed σ for symbol.
func (m *Model) Volatility(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.sigma[symbol]; ok {
		return v
	}
	return m.cfg.DefaultVol
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
