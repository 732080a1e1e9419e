package paper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

type nopMarketData struct{}

func (nopMarketData) FetchMarkets(context.Context) ([]domain.Market, error) { return nil, nil }
func (nopMarketData) FetchOrderBook(context.Context, string, int) (domain.OrderbookSnapshot, error) {
	return domain.OrderbookSnapshot{}, nil
}

func newPaper() *Exchange {
	return New(nopMarketData{}, Config{Balances: map[string]float64{"USDT": 10_000, "BTC": 1}}, slog.Default())
}

func book(at time.Time, bid, bidSize, ask, askSize float64) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Symbol:     "BTC/USDT",
		Bids:       []domain.PriceLevel{{Price: bid, Size: bidSize}},
		Asks:       []domain.PriceLevel{{Price: ask, Size: askSize}},
		ObservedAt: at,
	}
}

func TestPartialFillLimitedByTouch(t *testing.T) {
	ctx := context.Background()
	ex := newPaper()
	o, err := ex.CreateLimitOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Price: 100, Quantity: 2})
	require.NoError(t, err)

	t0 := time.Now()
	assert.Equal(t, 1, ex.Match(book(t0, 99, 5, 100, 0.5)))
	assert.Equal(t, 0, ex.Match(book(t0, 99, 5, 100, 0.5)), "same snapshot is not matched twice")

	got, err := ex.FetchOrder(ctx, "BTC/USDT", o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.FilledQuantity)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	bals, _ := ex.FetchBalances(ctx)
	assert.Equal(t, 1.5, bals["BTC"].Free)
	assert.InDelta(t, 150.0, bals["USDT"].Locked, 1e-9)

	ex.Match(book(t0.Add(time.Second), 99, 5, 100, 10))
	got, _ = ex.FetchOrder(ctx, "BTC/USDT", o.ID)
	assert.Equal(t, domain.OrderStatusClosed, got.Status)
	assert.Equal(t, 2.0, got.FilledQuantity)
}

func TestNoFillWhenNotCrossing(t *testing.T) {
	ex := newPaper()
	_, err := ex.CreateLimitOrder(context.Background(), domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideSell, Price: 101, Quantity: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0, ex.Match(book(time.Now(), 100, 1, 100.5, 1)))
}

func TestTouchSharedAcrossOrders(t *testing.T) {
	ctx := context.Background()
	ex := newPaper()
	_, _ = ex.CreateLimitOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideSell, Price: 100, Quantity: 0.3})
	_, _ = ex.CreateLimitOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideSell, Price: 100, Quantity: 0.3})
	ex.Match(book(time.Now(), 100, 0.4, 101, 1))

	bals, _ := ex.FetchBalances(ctx)
	assert.InDelta(t, 0.2, bals["BTC"].Locked, 1e-9)
	assert.InDelta(t, 10_040.0, bals["USDT"].Free, 1e-9)
}

func TestCancelReleasesReservation(t *testing.T) {
	ctx := context.Background()
	ex := newPaper()
	_, err := ex.CreateLimitOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Price: 100, Quantity: 10})
	require.NoError(t, err)
	require.NoError(t, ex.CancelAllOrders(ctx, "BTC/USDT"))

	open, _ := ex.FetchOpenOrders(ctx, "BTC/USDT")
	assert.Empty(t, open)
	bals, _ := ex.FetchBalances(ctx)
	assert.Equal(t, 10_000.0, bals["USDT"].Free)
	assert.Equal(t, 0.0, bals["USDT"].Locked)
}

func TestInsufficientFunds(t *testing.T) {
	ex := newPaper()
	_, err := ex.CreateLimitOrder(context.Background(), domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideSell, Price: 100, Quantity: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestFeeCharged(t *testing.T) {
	ctx := context.Background()
	ex := New(nopMarketData{}, Config{Balances: map[string]float64{"USDT": 1000}, FeeRate: 0.001}, slog.Default())
	o, _ := ex.CreateLimitOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Price: 100, Quantity: 1})
	ex.Match(book(time.Now(), 99, 1, 100, 1))
	got, _ := ex.FetchOrder(ctx, "BTC/USDT", o.ID)
	assert.InDelta(t, 0.1, got.Fee, 1e-12)
	bals, _ := ex.FetchBalances(ctx)
	assert.InDelta(t, 899.9, bals["USDT"].Free, 1e-9)
}
