package inventory

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

type staticBalances struct {
	bals map[string]domain.Balance
	err  error
}

func (s *staticBalances) FetchBalances(context.Context) (map[string]domain.Balance, error) {
	return s.bals, s.err
}

func newManager(cfg Config, bals map[string]domain.Balance) (*Manager, *staticBalances) {
	src := &staticBalances{bals: bals}
	cfg.QuoteAsset = "USDT"
	return NewManager(src, []string{"BTC/USDT"}, cfg, slog.Default()), src
}

func TestBuyThenSellIsNeutral(t *testing.T) {
	m, _ := newManager(Config{}, nil)
	before := m.Snapshot()

	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 0.5, 100, 0)
	mid := m.Snapshot()
	assert.Equal(t, 0.5, mid.Base["BTC/USDT"])
	assert.Equal(t, -50.0, mid.QuoteBalance)

	m.ApplyFill("BTC/USDT", domain.OrderSideSell, 0.5, 100, 0)
	after := m.Snapshot()
	assert.Equal(t, before.QuoteBalance, after.QuoteBalance)
	assert.Equal(t, 0.0, after.Base["BTC/USDT"])
}

func TestFeesReduceQuote(t *testing.T) {
	m, _ := newManager(Config{}, nil)
	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 1, 100, 0.1)
	m.ApplyFill("BTC/USDT", domain.OrderSideSell, 1, 100, 0.1)
	assert.InDelta(t, -0.2, m.Snapshot().QuoteBalance, 1e-12)
}

func TestReconcileOverwrites(t *testing.T) {
	m, src := newManager(Config{}, map[string]domain.Balance{
		"USDT": {Asset: "USDT", Free: 900, Locked: 100},
		"BTC":  {Asset: "BTC", Free: 0.2, Locked: 0.05},
	})
	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 3, 100, 0)
	require.NoError(t, m.Reconcile(context.Background()))

	s := m.Snapshot()
	assert.Equal(t, 1000.0, s.QuoteBalance)
	assert.Equal(t, 0.25, s.Base["BTC/USDT"])
	assert.False(t, s.ReconciledAt.IsZero())

	src.err = errors.New("timeout")
	assert.Error(t, m.Reconcile(context.Background()))
	assert.Equal(t, 1000.0, m.Snapshot().QuoteBalance, "failed reconcile leaves state alone")
}

func TestSkewAndLimits(t *testing.T) {
	m, _ := newManager(Config{
		Targets:          map[string]float64{"BTC/USDT": 1},
		MaxPositionValue: 250,
		MaxSkew:          0.5,
	}, nil)

	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 1.2, 100, 0)
	assert.InDelta(t, 0.2, m.GetSkew("BTC/USDT"), 1e-12)
	lc := m.CheckLimits("BTC/USDT", 100)
	assert.True(t, lc.CanBuy)
	assert.True(t, lc.CanSell)
	assert.Empty(t, lc.Reason)

	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 1.8, 100, 0) // base 3: position 300, skew 2
	lc = m.CheckLimits("BTC/USDT", 100)
	assert.False(t, lc.CanBuy)
	assert.True(t, lc.CanSell, "both breaches point long, selling stays allowed")
	assert.Contains(t, lc.Reason, "position value")
	assert.Contains(t, lc.Reason, "skew")
}

func TestOppositeBreachesDisableBothSides(t *testing.T) {
	m, _ := newManager(Config{
		Targets:          map[string]float64{"BTC/USDT": 10},
		MaxPositionValue: 250,
		MaxSkew:          0.5,
	}, nil)
	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 3, 100, 0) // long 300 in value, short 7 vs target
	lc := m.CheckLimits("BTC/USDT", 100)
	assert.False(t, lc.CanBuy)
	assert.False(t, lc.CanSell)
}

func TestShortSkewDisablesSell(t *testing.T) {
	m, _ := newManager(Config{Targets: map[string]float64{"BTC/USDT": 2}, MaxSkew: 0.5}, nil)
	lc := m.CheckLimits("BTC/USDT", 100)
	assert.True(t, lc.CanBuy)
	assert.False(t, lc.CanSell)
}

func TestOrderQuantityAndEquity(t *testing.T) {
	m, _ := newManager(Config{OrderValuePct: 0.1}, map[string]domain.Balance{"USDT": {Free: 1000}})
	require.NoError(t, m.Reconcile(context.Background()))
	assert.InDelta(t, 1.0, m.OrderQuantity("BTC/USDT", 100), 1e-12)
	assert.Equal(t, 0.0, m.OrderQuantity("BTC/USDT", 0))

	fixed, _ := newManager(Config{OrderQuantity: 0.01}, nil)
	assert.Equal(t, 0.01, fixed.OrderQuantity("BTC/USDT", 100))

	m.ApplyFill("BTC/USDT", domain.OrderSideBuy, 2, 100, 0)
	assert.InDelta(t, 1020.0, m.Equity(map[string]float64{"BTC/USDT": 110}), 1e-9)
}
