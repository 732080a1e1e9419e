// Package engine runs the quoting loop. Every tick walks the configured
// symbols in order: it gates on data freshness and the circuit breaker,
// prices a quote pair with the model, applies the safety band and inventory
// gates, and refreshes resting orders when the pair has moved enough.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/executor"
	"github.com/alanyoungcy/spotmaker/internal/quoting"
)

// State is the per-symbol lifecycle.
type State string

const (
	StateNoData  State = "no_data"
	StateQuoting State = "quoting"
	StateHalted  State = "halted"
)

// Reference price policies.
const (
	PolicyOracleOnly     = "oracle_only"
	PolicyOracleThenBook = "oracle_then_book"
)

const cancelTimeout = 10 * time.Second

// Quoter prices a quote pair.
type Quoter interface {
	Compute(symbol string, s, q, sigma, d float64) (quoting.Quote, error)
	UpdateVolatility(symbol string, samples []float64) float64
}

// Inventory is the part of the inventory manager the engine reads.
type Inventory interface {
	GetSkew(symbol string) float64
	CheckLimits(symbol string, mid float64) domain.LimitCheck
	OrderQuantity(symbol string, mid float64) float64
	Snapshot() domain.InventorySnapshot
	Equity(mids map[string]float64) float64
}

// Breaker is the circuit breaker.
type Breaker interface {
	SetInitialCapital(v float64)
	Heartbeat(t time.Time)
	CheckHeartbeat() bool
	CheckDeviation(symbol string, market, oracle float64) bool
	CheckPnL(equity float64) bool
	Tripped() bool
	State() domain.BreakerState
}

// Executor places and cancels quotes.
type Executor interface {
	PlacePair(ctx context.Context, intent domain.QuoteIntent) (executor.PairResult, error)
	CancelAll(ctx context.Context, symbol string) error
}

// TickSizer returns the price increment of a symbol.
type TickSizer interface {
	TickSize(symbol string) float64
}

// Config holds the tick loop parameters.
type Config struct {
	TickInterval       time.Duration
	PricePolicy        string
	OracleStaleAfter   time.Duration
	BookStaleAfter     time.Duration
	StaleWarnInterval  time.Duration
	SafetyBandPct      float64 // max |leg - oracle| / oracle, 0 disables
	RefreshThreshold   float64 // relative leg move that triggers a refresh
	MinRefreshInterval time.Duration
	VolumeMode         bool
	VolumeMinSpreadPct float64
	QueueJumpTicks     int
	DepthLevels        int
	DepthReference     float64 // book notional that maps to depth factor 1, 0 disables
	EventChannel       string  // event bus channel, empty disables publishing
}

// Deps are the collaborators of the engine. Bus and Ticks may be nil.
type Deps struct {
	Prices    domain.PriceSource
	Books     domain.OrderBookSource
	Model     Quoter
	Inventory Inventory
	Breaker   Breaker
	Executor  Executor
	Ticks     TickSizer
	Bus       domain.EventBus
}

// SymbolStatus is the externally visible state of one symbol.
type SymbolStatus struct {
	Symbol      string    `json:"symbol"`
	State       State     `json:"state"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Quantity    float64   `json:"quantity"`
	Volatility  float64   `json:"volatility"`
	LastRefresh time.Time `json:"last_refresh"`
	Reason      string    `json:"reason,omitempty"`
}

// Event is published to the event bus on every refresh and halt.
type Event struct {
	Type     string    `json:"type"`
	Symbol   string    `json:"symbol,omitempty"`
	Bid      float64   `json:"bid,omitempty"`
	Ask      float64   `json:"ask,omitempty"`
	Quantity float64   `json:"quantity,omitempty"`
	Placed   int       `json:"placed,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

type symbolState struct {
	state       State
	bid, ask    float64 // last refreshed pair, 0 = leg off
	qty         float64
	sigma       float64
	resting     bool
	lastRefresh time.Time
	lastWarn    time.Time
	reason      string
}

// Engine is the tick loop. Tick must not be called concurrently.
type Engine struct {
	cfg     Config
	deps    Deps
	symbols []string
	logger  *slog.Logger

	mu     sync.RWMutex
	states map[string]*symbolState
	halted bool
	ticks  int64

	now func() time.Time
}

// New creates an engine for symbols, all starting in no_data.
func New(cfg Config, deps Deps, symbols []string, logger *slog.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PricePolicy == "" {
		cfg.PricePolicy = PolicyOracleOnly
	}
	states := make(map[string]*symbolState, len(symbols))
	for _, s := range symbols {
		states[s] = &symbolState{state: StateNoData}
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "engine")),
		states:  states,
		now:     time.Now,
	}
}

// Run ticks every TickInterval until ctx is cancelled, then cancels resting
// quotes.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "engine started",
		slog.Any("symbols", e.symbols),
		slog.Duration("tick", e.cfg.TickInterval),
		slog.String("price_policy", e.cfg.PricePolicy),
	)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.cancelResting(context.WithoutCancel(ctx))
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one pass over every symbol.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	e.ticks++
	halted := e.halted
	e.mu.Unlock()
	if halted {
		return
	}

	e.deps.Breaker.Heartbeat(e.deps.Books.LastActivity())
	if e.deps.Breaker.CheckHeartbeat() {
		e.halt(ctx, e.deps.Breaker.State().Reason)
		return
	}

	mids := make(map[string]float64, len(e.symbols))
	for _, sym := range e.symbols {
		if mid, ok := e.tickSymbol(ctx, sym); ok {
			mids[sym] = mid
		}
		if e.isHalted() {
			return
		}
	}

	// PnL needs every symbol marked; a missing mid would count as zero.
	if len(mids) == len(e.symbols) {
		equity := e.deps.Inventory.Equity(mids)
		e.deps.Breaker.SetInitialCapital(equity)
		if e.deps.Breaker.CheckPnL(equity) {
			e.halt(ctx, e.deps.Breaker.State().Reason)
		}
	}
}

// tickSymbol returns the reference mid used this tick, if any.
func (e *Engine) tickSymbol(ctx context.Context, sym string) (float64, bool) {
	now := e.now()
	st := e.state(sym)

	book, okBook := e.deps.Books.GetOrderbook(sym)
	freshBook := okBook && book.Mid() > 0 && (e.cfg.BookStaleAfter <= 0 || book.Age(now) <= e.cfg.BookStaleAfter)
	oq, okOracle := e.deps.Prices.GetPrice(sym)
	freshOracle := okOracle && oq.Mid > 0 && (e.cfg.OracleStaleAfter <= 0 || oq.Age(now) <= e.cfg.OracleStaleAfter)

	if !freshBook {
		e.warnStale(ctx, sym, st, now, "order book missing or stale", okBook, book.ObservedAt)
		return 0, false
	}
	ref := oq.Mid
	if !freshOracle {
		if e.cfg.PricePolicy != PolicyOracleThenBook {
			e.warnStale(ctx, sym, st, now, "oracle quote missing or stale", okOracle, oq.ObservedAt)
			return 0, false
		}
		ref = book.Mid()
	}

	if st.state == StateNoData {
		e.setState(sym, StateQuoting, "")
		e.logger.InfoContext(ctx, "symbol quoting", slog.String("symbol", sym), slog.Float64("mid", ref))
	}

	if freshOracle && e.deps.Breaker.CheckDeviation(sym, book.Mid(), oq.Mid) {
		e.halt(ctx, e.deps.Breaker.State().Reason)
		return ref, true
	}

	sigma := e.deps.Model.UpdateVolatility(sym, e.deps.Books.MidSamples(sym))
	skew := e.deps.Inventory.GetSkew(sym)
	mq, err := e.deps.Model.Compute(sym, ref, skew, sigma, e.depthFactor(book))
	if err != nil {
		e.logger.WarnContext(ctx, "no quote this tick", slog.String("symbol", sym), slog.String("error", err.Error()))
		return ref, true
	}
	bid, ask := mq.Bid, mq.Ask

	if e.cfg.VolumeMode && book.SpreadPct() >= e.cfg.VolumeMinSpreadPct {
		bid, ask = e.touchQuote(sym, book, bid, ask)
	}

	if e.cfg.SafetyBandPct > 0 {
		band := e.cfg.SafetyBandPct * ref
		if math.Abs(bid-ref) > band {
			e.logger.DebugContext(ctx, "bid outside safety band", slog.String("symbol", sym), slog.Float64("bid", bid), slog.Float64("ref", ref))
			bid = 0
		}
		if math.Abs(ask-ref) > band {
			e.logger.DebugContext(ctx, "ask outside safety band", slog.String("symbol", sym), slog.Float64("ask", ask), slog.Float64("ref", ref))
			ask = 0
		}
	}

	limits := e.deps.Inventory.CheckLimits(sym, ref)
	if !limits.CanBuy {
		bid = 0
	}
	if !limits.CanSell {
		ask = 0
	}
	if limits.Reason != "" {
		e.logger.DebugContext(ctx, "inventory limit", slog.String("symbol", sym), slog.String("reason", limits.Reason))
	}

	qty := e.deps.Inventory.OrderQuantity(sym, ref)
	if qty <= 0 {
		bid, ask = 0, 0
	}
	inv := e.deps.Inventory.Snapshot()
	if bid > 0 && inv.QuoteBalance < bid*qty {
		bid = 0
	}
	if ask > 0 && inv.Base[sym] < qty {
		ask = 0
	}

	e.mu.Lock()
	st.sigma = sigma
	e.mu.Unlock()

	if !e.shouldRefresh(st, bid, ask, qty, now) {
		return ref, true
	}
	e.refresh(ctx, sym, st, bid, ask, qty, now)
	return ref, true
}

// depthFactor maps visible book notional to the model's liquidity input.
func (e *Engine) depthFactor(book domain.OrderbookSnapshot) float64 {
	if e.cfg.DepthReference <= 0 {
		return 1
	}
	levels := e.cfg.DepthLevels
	if levels <= 0 {
		levels = 5
	}
	return math.Min(2, book.DepthNotional(levels)/e.cfg.DepthReference)
}

// touchQuote steps inside the market spread by QueueJumpTicks. The model
// pair is kept when the jump would cross.
func (e *Engine) touchQuote(sym string, book domain.OrderbookSnapshot, bid, ask float64) (float64, float64) {
	if e.deps.Ticks == nil {
		return bid, ask
	}
	step := float64(e.cfg.QueueJumpTicks) * e.deps.Ticks.TickSize(sym)
	b, a := book.BestBid()+step, book.BestAsk()-step
	if b <= 0 || b >= a {
		return bid, ask
	}
	return b, a
}

// shouldRefresh debounces: the pair must have moved by more than
// RefreshThreshold and MinRefreshInterval must have passed.
func (e *Engine) shouldRefresh(st *symbolState, bid, ask, qty float64, now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st.lastRefresh.IsZero() {
		return bid > 0 || ask > 0
	}
	moved := legMoved(st.bid, bid, e.cfg.RefreshThreshold) ||
		legMoved(st.ask, ask, e.cfg.RefreshThreshold) ||
		legMoved(st.qty, qty, e.cfg.RefreshThreshold)
	return moved && now.Sub(st.lastRefresh) >= e.cfg.MinRefreshInterval
}

func legMoved(prev, next, threshold float64) bool {
	if (prev > 0) != (next > 0) {
		return true
	}
	if prev <= 0 {
		return false
	}
	return math.Abs(next-prev)/prev > threshold
}

func (e *Engine) refresh(ctx context.Context, sym string, st *symbolState, bid, ask, qty float64, now time.Time) {
	e.mu.RLock()
	resting := st.resting
	e.mu.RUnlock()
	if resting {
		if err := e.deps.Executor.CancelAll(ctx, sym); err != nil {
			e.logger.WarnContext(ctx, "cancel before refresh failed", slog.String("symbol", sym), slog.String("error", err.Error()))
			return
		}
	}

	var (
		res    executor.PairResult
		failed bool
	)
	if bid > 0 || ask > 0 {
		var err error
		res, err = e.deps.Executor.PlacePair(ctx, domain.QuoteIntent{Symbol: sym, BidPrice: bid, AskPrice: ask, Quantity: qty})
		switch {
		case errors.Is(err, domain.ErrExecutorHalted):
			e.halt(ctx, "executor error budget exhausted")
			return
		case err != nil:
			failed = true
			e.logger.WarnContext(ctx, "quote placement failed", slog.String("symbol", sym), slog.String("error", err.Error()))
		case res.Skipped:
			e.logger.InfoContext(ctx, "quote skipped", slog.String("symbol", sym), slog.String("reason", res.SkipReason))
		case len(res.Errors) > 0:
			failed = true
			e.logger.WarnContext(ctx, "quote leg failed",
				slog.String("symbol", sym),
				slog.String("error", errors.Join(res.Errors...).Error()),
			)
		}
	}
	placed := res.Placed()

	// After a failure only legs that reached the exchange count as quoted;
	// a zero leg always differs from the next quote, so it retries next
	// tick. Legs skipped by exchange minimums are kept and retried once the
	// quote moves.
	e.mu.Lock()
	if failed {
		if res.Bid == nil {
			bid = 0
		}
		if res.Ask == nil {
			ask = 0
		}
	}
	st.bid, st.ask, st.qty = bid, ask, qty
	if placed > 0 || !failed {
		st.lastRefresh = now
	}
	st.resting = placed > 0
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "quotes refreshed",
		slog.String("symbol", sym),
		slog.Float64("bid", bid),
		slog.Float64("ask", ask),
		slog.Float64("qty", qty),
		slog.Int("placed", placed),
	)
	e.publish(ctx, Event{Type: "refresh", Symbol: sym, Bid: bid, Ask: ask, Quantity: qty, Placed: placed, Time: now.UTC()})
}

// halt stops quoting on every symbol for the rest of the session and
// cancels resting orders.
func (e *Engine) halt(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	for _, st := range e.states {
		st.state = StateHalted
		st.reason = reason
	}
	e.mu.Unlock()

	e.logger.ErrorContext(ctx, "engine halted", slog.String("reason", reason))
	e.cancelResting(ctx)
	e.publish(ctx, Event{Type: "halt", Reason: reason, Time: e.now().UTC()})
}

// cancelResting cancels quotes on every symbol that may have some.
func (e *Engine) cancelResting(ctx context.Context) {
	for _, sym := range e.symbols {
		st := e.state(sym)
		e.mu.RLock()
		resting := st.resting
		e.mu.RUnlock()
		if !resting {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, cancelTimeout)
		err := e.deps.Executor.CancelAll(cctx, sym)
		cancel()
		if err != nil {
			e.logger.ErrorContext(ctx, "cancel resting quotes failed", slog.String("symbol", sym), slog.String("error", err.Error()))
			continue
		}
		e.mu.Lock()
		st.resting = false
		e.mu.Unlock()
	}
}

func (e *Engine) warnStale(ctx context.Context, sym string, st *symbolState, now time.Time, msg string, seen bool, observed time.Time) {
	e.mu.Lock()
	if e.cfg.StaleWarnInterval > 0 && now.Sub(st.lastWarn) < e.cfg.StaleWarnInterval {
		e.mu.Unlock()
		return
	}
	st.lastWarn = now
	e.mu.Unlock()

	attrs := []any{slog.String("symbol", sym)}
	if seen {
		attrs = append(attrs, slog.Duration("age", now.Sub(observed)))
	}
	e.logger.WarnContext(ctx, msg, attrs...)
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.deps.Bus == nil || e.cfg.EventChannel == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, e.cfg.EventChannel, payload); err != nil {
		e.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) state(sym string) *symbolState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[sym]
}

func (e *Engine) setState(sym string, s State, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[sym]
	st.state = s
	st.reason = reason
}

func (e *Engine) isHalted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// Halted reports whether the session has halted.
func (e *Engine) Halted() bool { return e.isHalted() }

// StateOf returns the lifecycle state of symbol.
func (e *Engine) StateOf(symbol string) (State, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[symbol]
	if !ok {
		return "", fmt.Errorf("engine: symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return st.state, nil
}

// Status returns every symbol's state, sorted by symbol.
func (e *Engine) Status() []SymbolStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SymbolStatus, 0, len(e.states))
	for sym, st := range e.states {
		out = append(out, SymbolStatus{
			Symbol:      sym,
			State:       st.state,
			Bid:         st.bid,
			Ask:         st.ask,
			Quantity:    st.qty,
			Volatility:  st.sigma,
			LastRefresh: st.lastRefresh,
			Reason:      st.reason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Ticks returns how many ticks have run.
func (e *Engine) Ticks() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ticks
}
