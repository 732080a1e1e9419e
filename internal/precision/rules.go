// Package precision rounds prices and quantities to exchange tick and lot
// sizes and validates exchange minimums. Rules are loaded once at startup and
// passed by reference to the components that need them.
package precision

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// MarketLister loads trading rules from the exchange.
type MarketLister interface {
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
}

// Rules is the per-symbol precision table. It is safe for concurrent use.
type Rules struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewRules creates an empty rule table.
func NewRules() *Rules {
	return &Rules{markets: make(map[string]domain.Market)}
}

// Load fetches all markets and keeps the ones in symbols (all of them when
// symbols is empty). It fails if a requested symbol is unknown to the exchange.
func (r *Rules) Load(ctx context.Context, src MarketLister, symbols []string) error {
	markets, err := src.FetchMarkets(ctx)
	if err != nil {
		return fmt.Errorf("precision: fetch markets: %w", err)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range markets {
		if len(want) == 0 || want[m.Symbol] {
			r.markets[m.Symbol] = m
		}
	}
	for s := range want {
		if _, ok := r.markets[s]; !ok {
			return fmt.Errorf("precision: symbol %s: %w", s, domain.ErrNotFound)
		}
	}
	return nil
}

// Set registers or replaces the rules of one market.
func (r *Rules) Set(m domain.Market) {
	r.mu.Lock()
	r.markets[m.Symbol] = m
	r.mu.Unlock()
}

// Market returns the rules for symbol.
func (r *Rules) Market(symbol string) (domain.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[symbol]
	return m, ok
}

// TickSize returns the price increment for symbol, or 0 if unknown.
func (r *Rules) TickSize(symbol string) float64 {
	m, _ := r.Market(symbol)
	return m.TickSize
}

// RoundPrice rounds price to the nearest tick. Unknown symbols and zero tick
// sizes pass through unchanged.
func (r *Rules) RoundPrice(symbol string, price float64) float64 {
	m, ok := r.Market(symbol)
	if !ok || m.TickSize <= 0 {
		return price
	}
	return roundToStep(price, m.TickSize, decimal.Decimal.Round)
}

// FloorPrice rounds price down to a tick.
func (r *Rules) FloorPrice(symbol string, price float64) float64 {
	m, ok := r.Market(symbol)
	if !ok || m.TickSize <= 0 {
		return price
	}
	return roundToStep(price, m.TickSize, floor)
}

// CeilPrice rounds price up to a tick.
func (r *Rules) CeilPrice(symbol string, price float64) float64 {
	m, ok := r.Market(symbol)
	if !ok || m.TickSize <= 0 {
		return price
	}
	return roundToStep(price, m.TickSize, ceil)
}

// RoundQuantity truncates qty down to the lot size.
func (r *Rules) RoundQuantity(symbol string, qty float64) float64 {
	m, ok := r.Market(symbol)
	if !ok || m.LotSize <= 0 {
		return qty
	}
	return roundToStep(qty, m.LotSize, floor)
}

// Validate checks a rounded price/qty pair against the exchange minimums.
func (r *Rules) Validate(symbol string, price, qty float64) error {
	m, ok := r.Market(symbol)
	if !ok {
		return fmt.Errorf("precision: symbol %s: %w", symbol, domain.ErrNotFound)
	}
	if qty <= 0 || (m.MinQty > 0 && qty < m.MinQty) {
		return fmt.Errorf("precision: %s qty %g < min %g: %w", symbol, qty, m.MinQty, domain.ErrBelowMinQty)
	}
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	if m.MinNotional > 0 && notional.LessThan(decimal.NewFromFloat(m.MinNotional)) {
		return fmt.Errorf("precision: %s notional %s < min %g: %w", symbol, notional.String(), m.MinNotional, domain.ErrBelowMinNotional)
	}
	return nil
}

func floor(d decimal.Decimal, _ int32) decimal.Decimal { return d.Floor() }
func ceil(d decimal.Decimal, _ int32) decimal.Decimal  { return d.Ceil() }

// roundToStep expresses v in units of step, applies mode, and scales back.
func roundToStep(v, step float64, mode func(decimal.Decimal, int32) decimal.Decimal) float64 {
	s := decimal.NewFromFloat(step)
	units := mode(decimal.NewFromFloat(v).Div(s), 0)
	out, _ := units.Mul(s).Float64()
	return out
}
