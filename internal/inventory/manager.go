// Package inventory owns the account holdings used for risk checks and order
// sizing. Fills update it immediately; periodic reconciliation against the
// exchange overwrites it and always wins.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// BalanceFetcher reads account balances from the exchange.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context) (map[string]domain.Balance, error)
}

// Config holds limits and sizing.
type Config struct {
	QuoteAsset        string
	Targets           map[string]float64 // target base quantity per symbol
	MaxPositionValue  float64            // |base*mid| ceiling in quote units, 0 disables
	MaxSkew           float64            // |base-target| ceiling in base units, 0 disables
	ReconcileInterval time.Duration
	RequestTimeout    time.Duration
	OrderQuantity     float64 // fixed base size per leg when > 0
	OrderValuePct     float64 // otherwise this fraction of the quote balance
}

// Manager implements the inventory state machine. It is safe for concurrent use.
type Manager struct {
	client  BalanceFetcher
	cfg     Config
	symbols []string
	logger  *slog.Logger

	mu           sync.RWMutex
	quote        float64
	base         map[string]float64
	updatedAt    time.Time
	reconciledAt time.Time
	now          func() time.Time
}

// NewManager creates a manager for symbols ("BASE/QUOTE").
func NewManager(client BalanceFetcher, symbols []string, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Targets == nil {
		cfg.Targets = map[string]float64{}
	}
	return &Manager{
		client:  client,
		cfg:     cfg,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "inventory")),
		base:    make(map[string]float64, len(symbols)),
		now:     time.Now,
	}
}

// Reconcile overwrites local state with exchange balances.
func (m *Manager) Reconcile(ctx context.Context) error {
	if m.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}
	bals, err := m.client.FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("inventory: reconcile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.quote = bals[m.cfg.QuoteAsset].Total()
	for _, sym := range m.symbols {
		m.base[sym] = bals[baseAsset(sym)].Total()
	}
	now := m.now().UTC()
	m.updatedAt = now
	m.reconciledAt = now
	return nil
}

// Run reconciles every ReconcileInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.ReconcileInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				m.logger.WarnContext(ctx, "reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ApplyFill applies one execution locally. Fees are in quote units.
func (m *Manager) ApplyFill(symbol string, side domain.OrderSide, qty, price, fee float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	notional := qty * price
	switch side {
	case domain.OrderSideBuy:
		m.quote -= notional + fee
		m.base[symbol] += qty
	case domain.OrderSideSell:
		m.quote += notional - fee
		m.base[symbol] -= qty
	}
	m.updatedAt = m.now().UTC()
}

// GetSkew returns base - target for symbol.
func (m *Manager) GetSkew(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base[symbol] - m.cfg.Targets[symbol]
}

// CheckLimits evaluates the position-value and skew ceilings at mid. Each
// breach disables the side that would grow it.
func (m *Manager) CheckLimits(symbol string, mid float64) domain.LimitCheck {
	m.mu.RLock()
	base := m.base[symbol]
	m.mu.RUnlock()
	skew := base - m.cfg.Targets[symbol]

	out := domain.LimitCheck{CanBuy: true, CanSell: true}
	var reasons []string

	if pos := base * mid; m.cfg.MaxPositionValue > 0 && math.Abs(pos) > m.cfg.MaxPositionValue {
		if pos > 0 {
			out.CanBuy = false
		} else {
			out.CanSell = false
		}
		reasons = append(reasons, fmt.Sprintf("position value %.2f exceeds %.2f", math.Abs(pos), m.cfg.MaxPositionValue))
	}
	if m.cfg.MaxSkew > 0 && math.Abs(skew) > m.cfg.MaxSkew {
		if skew > 0 {
			out.CanBuy = false
		} else {
			out.CanSell = false
		}
		reasons = append(reasons, fmt.Sprintf("skew %.6f exceeds %.6f", skew, m.cfg.MaxSkew))
	}
	out.Reason = strings.Join(reasons, "; ")
	return out
}

// OrderQuantity returns the base size of one leg at mid.
func (m *Manager) OrderQuantity(_ string, mid float64) float64 {
	if m.cfg.OrderQuantity > 0 {
		return m.cfg.OrderQuantity
	}
	if mid <= 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quote * m.cfg.OrderValuePct / mid
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() domain.InventorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := domain.InventorySnapshot{
		QuoteAsset:   m.cfg.QuoteAsset,
		QuoteBalance: m.quote,
		Base:         make(map[string]float64, len(m.base)),
		Target:       make(map[string]float64, len(m.cfg.Targets)),
		UpdatedAt:    m.updatedAt,
		ReconciledAt: m.reconciledAt,
	}
	for k, v := range m.base {
		out.Base[k] = v
	}
	for k, v := range m.cfg.Targets {
		out.Target[k] = v
	}
	return out
}

// Equity marks the account to mids. Symbols without a mid count at zero.
func (m *Manager) Equity(mids map[string]float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eq := m.quote
	for sym, qty := range m.base {
		eq += qty * mids[sym]
	}
	return eq
}

func baseAsset(symbol string) string {
	b, _, _ := strings.Cut(symbol, "/")
	return b
}
