package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/breaker"
	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/executor"
	"github.com/alanyoungcy/spotmaker/internal/inventory"
	"github.com/alanyoungcy/spotmaker/internal/platform/paper"
	"github.com/alanyoungcy/spotmaker/internal/precision"
	"github.com/alanyoungcy/spotmaker/internal/quoting"
	"github.com/alanyoungcy/spotmaker/internal/retry"
)

const sym = "BTC/USDT"

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]domain.PriceQuote
}

func (f *fakePrices) GetPrice(symbol string) (domain.PriceQuote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

func (f *fakePrices) set(mid float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = map[string]domain.PriceQuote{sym: {Symbol: sym, Venue: "test", Bid: mid, Ask: mid, Mid: mid, ObservedAt: at}}
}

type fakeBooks struct {
	mu       sync.Mutex
	books    map[string]domain.OrderbookSnapshot
	activity time.Time
}

func (f *fakeBooks) GetOrderbook(symbol string) (domain.OrderbookSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[symbol]
	return b, ok
}

func (f *fakeBooks) MidSamples(string) []float64 { return nil }

func (f *fakeBooks) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity
}

func (f *fakeBooks) IsReady() bool { return true }

func (f *fakeBooks) setActivity(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = at
}

func (f *fakeBooks) set(bid, ask float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books = map[string]domain.OrderbookSnapshot{sym: {
		Symbol:     sym,
		Bids:       []domain.PriceLevel{{Price: bid, Size: 10}},
		Asks:       []domain.PriceLevel{{Price: ask, Size: 10}},
		ObservedAt: at,
	}}
	f.activity = at
}

type recordingBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, payload)
	return nil
}

func (r *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

// flakyExecutor fails the next failPairs PlacePair calls outright and
// the next failAsks ask legs while letting the bid through.
type flakyExecutor struct {
	Executor

	mu        sync.Mutex
	calls     int
	failPairs int
	failAsks  int
}

func (f *flakyExecutor) PlacePair(ctx context.Context, intent domain.QuoteIntent) (executor.PairResult, error) {
	f.mu.Lock()
	f.calls++
	failPair := f.failPairs > 0
	if failPair {
		f.failPairs--
	}
	failAsk := !failPair && f.failAsks > 0
	if failAsk {
		f.failAsks--
	}
	f.mu.Unlock()

	if failPair {
		return executor.PairResult{}, errors.New("connection reset by peer")
	}
	if failAsk {
		intent.AskPrice = 0
		res, err := f.Executor.PlacePair(ctx, intent)
		res.Errors = append(res.Errors, errors.New("ask: connection reset by peer"))
		return res, err
	}
	return f.Executor.PlacePair(ctx, intent)
}

func (f *flakyExecutor) placeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	engine *Engine
	ex     *paper.Exchange
	inv    *inventory.Manager
	prices *fakePrices
	books  *fakeBooks
	brk    *breaker.Breaker
	bus    *recordingBus
}

type options struct {
	balances map[string]float64
	inv      inventory.Config
	cfg      Config
	now      func() time.Time
	wrap     func(Executor) Executor
}

func defaultOptions() options {
	return options{
		balances: map[string]float64{"USDT": 10_000, "BTC": 1},
		inv: inventory.Config{
			QuoteAsset:    "USDT",
			Targets:       map[string]float64{sym: 1},
			OrderQuantity: 0.5,
		},
		cfg: Config{
			PricePolicy:        PolicyOracleOnly,
			OracleStaleAfter:   3 * time.Second,
			BookStaleAfter:     3 * time.Second,
			SafetyBandPct:      0.02,
			RefreshThreshold:   0.001,
			MinRefreshInterval: time.Hour,
			EventChannel:       "events",
		},
	}
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	logger := slog.Default()
	ctx := context.Background()

	rules := precision.NewRules()
	rules.Set(domain.Market{Symbol: sym, Base: "BTC", Quote: "USDT", TickSize: 0.01, LotSize: 0.001, MinQty: 0.001, MinNotional: 10})

	ex := paper.New(nil, paper.Config{Balances: opts.balances}, logger)
	inv := inventory.NewManager(ex, []string{sym}, opts.inv, logger)
	require.NoError(t, inv.Reconcile(ctx))

	qcfg := quoting.DefaultConfig()
	qcfg.DefaultVol = 0.01
	brk := breaker.New(breaker.Config{MaxDrawdownPct: 0.05, MaxDeviationPct: 0.01, NetworkTimeout: 30 * time.Second, Now: opts.now}, logger)
	var exec Executor = executor.NewExecutor(ex, nil, rules, nil, executor.Config{Retry: retry.Fixed(1, time.Millisecond)}, logger)
	if opts.wrap != nil {
		exec = opts.wrap(exec)
	}

	h := &harness{ex: ex, inv: inv, prices: &fakePrices{}, books: &fakeBooks{}, brk: brk, bus: &recordingBus{}}
	h.engine = New(opts.cfg, Deps{
		Prices:    h.prices,
		Books:     h.books,
		Model:     quoting.NewModel(qcfg, rules),
		Inventory: inv,
		Breaker:   brk,
		Executor:  exec,
		Ticks:     rules,
		Bus:       h.bus,
	}, []string{sym}, logger)
	if opts.now != nil {
		h.engine.now = opts.now
	}
	return h
}

func (h *harness) openOrders(t *testing.T) []domain.Order {
	t.Helper()
	orders, err := h.ex.FetchOpenOrders(context.Background(), sym)
	require.NoError(t, err)
	return orders
}

func TestNormalQuoting(t *testing.T) {
	h := newHarness(t, defaultOptions())
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)

	h.engine.Tick(context.Background())

	orders := h.openOrders(t)
	require.Len(t, orders, 2)
	var bid, ask float64
	for _, o := range orders {
		if o.Side == domain.OrderSideBuy {
			bid = o.Price
		} else {
			ask = o.Price
		}
	}
	assert.Less(t, bid, 100.0)
	assert.Greater(t, ask, 100.0)
	assert.LessOrEqual(t, 100-bid, 2.0, "bid within the safety band")
	assert.LessOrEqual(t, ask-100, 2.0, "ask within the safety band")

	state, err := h.engine.StateOf(sym)
	require.NoError(t, err)
	assert.Equal(t, StateQuoting, state)
	assert.NotEmpty(t, h.bus.messages)
}

func TestStaleOracleBlocksQuoting(t *testing.T) {
	h := newHarness(t, defaultOptions())
	now := time.Now()
	h.prices.set(100, now.Add(-10*time.Second))
	h.books.set(99.9, 100.1, now)

	h.engine.Tick(context.Background())

	assert.Empty(t, h.openOrders(t))
	state, _ := h.engine.StateOf(sym)
	assert.Equal(t, StateNoData, state)
}

func TestStaleBookBlocksQuoting(t *testing.T) {
	h := newHarness(t, defaultOptions())
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now.Add(-10*time.Second))
	h.books.setActivity(now)

	h.engine.Tick(context.Background())

	assert.Empty(t, h.openOrders(t))
	assert.False(t, h.engine.Halted())
	state, _ := h.engine.StateOf(sym)
	assert.Equal(t, StateNoData, state)
}

func TestOracleThenBookFallsBackToBookMid(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.PricePolicy = PolicyOracleThenBook
	h := newHarness(t, opts)
	h.books.set(99.9, 100.1, time.Now())

	h.engine.Tick(context.Background())

	assert.Len(t, h.openOrders(t), 2)
}

func TestDeviationTripsBreaker(t *testing.T) {
	h := newHarness(t, defaultOptions())
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(90, 90.2, now)

	h.engine.Tick(context.Background())

	assert.Empty(t, h.openOrders(t))
	assert.True(t, h.brk.Tripped())
	assert.True(t, h.engine.Halted())
	state, _ := h.engine.StateOf(sym)
	assert.Equal(t, StateHalted, state)
}

func TestTripCancelsRestingQuotesAndStaysHalted(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)
	h.engine.Tick(ctx)
	require.Len(t, h.openOrders(t), 2)

	h.books.set(90, 90.2, now.Add(time.Millisecond))
	h.engine.Tick(ctx)
	assert.Empty(t, h.openOrders(t))

	// Healthy data again: the halt is terminal for the session.
	h.books.set(99.9, 100.1, now.Add(2*time.Millisecond))
	h.engine.Tick(ctx)
	assert.Empty(t, h.openOrders(t))
	assert.True(t, h.engine.Halted())
}

func TestHeartbeatTimeoutHaltsAndCancels(t *testing.T) {
	clock := time.Now()
	opts := defaultOptions()
	opts.now = func() time.Time { return clock }
	h := newHarness(t, opts)
	ctx := context.Background()

	h.prices.set(100, clock)
	h.books.set(99.9, 100.1, clock)
	h.engine.Tick(ctx)
	require.Len(t, h.openOrders(t), 2)

	// Data stays fresh but no market activity for longer than the timeout.
	lastActivity := clock
	clock = clock.Add(31 * time.Second)
	h.prices.set(100, clock)
	h.books.set(99.9, 100.1, clock)
	h.books.setActivity(lastActivity)
	h.engine.Tick(ctx)

	assert.True(t, h.brk.Tripped())
	assert.Contains(t, h.brk.State().Reason, "no market activity")
	assert.True(t, h.engine.Halted())
	assert.Empty(t, h.openOrders(t))
	state, _ := h.engine.StateOf(sym)
	assert.Equal(t, StateHalted, state)

	h.books.setActivity(clock)
	h.engine.Tick(ctx)
	assert.Empty(t, h.openOrders(t))
}

func TestDrawdownHaltsAndCancels(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)
	h.engine.Tick(ctx)
	require.Len(t, h.openOrders(t), 2)
	require.InDelta(t, 10_100, h.brk.State().InitialCapital, 1e-6)

	// Buying 1 BTC at 1000 marked at 100: equity falls to 9200, about 8.9% down.
	h.inv.ApplyFill(sym, domain.OrderSideBuy, 1, 1000, 0)
	h.engine.Tick(ctx)

	assert.True(t, h.brk.Tripped())
	assert.Contains(t, h.brk.State().Reason, "pnl")
	assert.True(t, h.engine.Halted())
	assert.Empty(t, h.openOrders(t))

	h.inv.ApplyFill(sym, domain.OrderSideSell, 1, 1000, 0)
	h.engine.Tick(ctx)
	assert.True(t, h.engine.Halted())
	assert.Empty(t, h.openOrders(t))
}

func TestFailedPlacementRetriedNextTick(t *testing.T) {
	flaky := &flakyExecutor{failPairs: 1}
	opts := defaultOptions()
	opts.cfg.MinRefreshInterval = 0
	opts.wrap = func(inner Executor) Executor {
		flaky.Executor = inner
		return flaky
	}
	h := newHarness(t, opts)
	ctx := context.Background()
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)

	for range 5 {
		h.engine.Tick(ctx)
	}

	assert.Equal(t, 2, flaky.placeCalls(), "one failed attempt, one retry, then debounced")
	assert.Len(t, h.openOrders(t), 2)
	assert.False(t, h.engine.Halted())
}

func TestFailedLegRetriedNextTick(t *testing.T) {
	flaky := &flakyExecutor{failAsks: 1}
	opts := defaultOptions()
	opts.cfg.MinRefreshInterval = 0
	opts.wrap = func(inner Executor) Executor {
		flaky.Executor = inner
		return flaky
	}
	h := newHarness(t, opts)
	ctx := context.Background()
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)

	h.engine.Tick(ctx)
	orders := h.openOrders(t)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSideBuy, orders[0].Side)

	for range 3 {
		h.engine.Tick(ctx)
	}

	assert.Equal(t, 2, flaky.placeCalls())
	orders = h.openOrders(t)
	require.Len(t, orders, 2)
	sides := []domain.OrderSide{orders[0].Side, orders[1].Side}
	assert.ElementsMatch(t, []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell}, sides)
}

func TestMinimumNotionalSkipsPlacement(t *testing.T) {
	opts := defaultOptions()
	opts.balances = map[string]float64{"USDT": 5}
	opts.inv = inventory.Config{QuoteAsset: "USDT", OrderValuePct: 0.5}
	h := newHarness(t, opts)
	now := time.Now()
	h.prices.set(1000, now)
	h.books.set(999.9, 1000.1, now)

	h.engine.Tick(context.Background())

	assert.Empty(t, h.openOrders(t))
	assert.False(t, h.engine.Halted())
}

func TestDebounceKeepsRestingPair(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)

	h.engine.Tick(ctx)
	first := h.openOrders(t)
	require.Len(t, first, 2)

	h.engine.Tick(ctx)
	second := h.openOrders(t)
	require.Len(t, second, 2)
	assert.ElementsMatch(t, ids(first), ids(second), "unchanged quotes are not re-placed")

	// A large move still waits for the minimum refresh interval.
	h.prices.set(100.5, now)
	h.books.set(100.4, 100.6, now)
	h.engine.Tick(ctx)
	assert.ElementsMatch(t, ids(first), ids(h.openOrders(t)))
}

func TestRefreshAfterMoveReplacesPair(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.MinRefreshInterval = 0
	h := newHarness(t, opts)
	ctx := context.Background()
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)
	h.engine.Tick(ctx)
	first := h.openOrders(t)
	require.Len(t, first, 2)

	h.prices.set(100.5, now)
	h.books.set(100.4, 100.6, now)
	h.engine.Tick(ctx)
	second := h.openOrders(t)
	require.Len(t, second, 2)
	for _, id := range ids(first) {
		assert.NotContains(t, ids(second), id)
	}
}

func TestInventoryLimitDisablesBuySide(t *testing.T) {
	opts := defaultOptions()
	opts.inv.Targets = map[string]float64{sym: 0}
	opts.inv.MaxSkew = 0.5
	h := newHarness(t, opts)
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.9, 100.1, now)

	h.engine.Tick(context.Background())

	orders := h.openOrders(t)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSideSell, orders[0].Side)
}

func TestVolumeModeQuotesInsideTouch(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.VolumeMode = true
	opts.cfg.VolumeMinSpreadPct = 0.001
	opts.cfg.QueueJumpTicks = 1
	h := newHarness(t, opts)
	now := time.Now()
	h.prices.set(100, now)
	h.books.set(99.5, 100.5, now)

	h.engine.Tick(context.Background())

	orders := h.openOrders(t)
	require.Len(t, orders, 2)
	for _, o := range orders {
		if o.Side == domain.OrderSideBuy {
			assert.InDelta(t, 99.51, o.Price, 1e-9)
		} else {
			assert.InDelta(t, 100.49, o.Price, 1e-9)
		}
	}
}

func TestQuotesNeverCross(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.MinRefreshInterval = 0
	h := newHarness(t, opts)
	ctx := context.Background()
	for i, mid := range []float64{100, 0.05, 101.37, 99.99, 100.02} {
		at := time.Now().Add(time.Duration(i) * time.Millisecond)
		h.prices.set(mid, at)
		h.books.set(mid*0.999, mid*1.001, at)
		h.engine.Tick(ctx)
		if h.engine.Halted() {
			break
		}
		var bid, ask float64
		for _, o := range h.openOrders(t) {
			if o.Side == domain.OrderSideBuy {
				bid = o.Price
			} else {
				ask = o.Price
			}
		}
		if bid > 0 && ask > 0 {
			assert.Less(t, bid, ask, "mid %g", mid)
		}
	}
}

func TestLegMoved(t *testing.T) {
	assert.False(t, legMoved(100, 100.05, 0.001))
	assert.True(t, legMoved(100, 100.2, 0.001))
	assert.True(t, legMoved(0, 100, 0.001))
	assert.True(t, legMoved(100, 0, 0.001))
	assert.False(t, legMoved(0, 0, 0.001))
}

func ids(orders []domain.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}
