// Package executor places and cancels quote pairs. Every state-changing call
// is rate limited per action class and retried on transient failure; a
// rolling error budget halts placement for the rest of the session.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/retry"
)

// Rate-limiter keys per action class.
const (
	actionCreate = "create"
	actionCancel = "cancel"
)

// Precision rounds and validates order parameters.
type Precision interface {
	RoundPrice(symbol string, price float64) float64
	RoundQuantity(symbol string, qty float64) float64
	Validate(symbol string, price, qty float64) error
}

// Tracker receives every order the executor places.
type Tracker interface {
	Track(order domain.Order)
}

// Config tunes limits and the error budget.
type Config struct {
	CreateLimit    int // per RateWindow, 0 disables
	CancelLimit    int
	RateWindow     time.Duration
	MaxErrors      int // halts when this many errors fall inside ErrorWindow
	ErrorWindow    time.Duration
	Retry          retry.Policy
	RequestTimeout time.Duration
	KeyPrefix      string // namespaces shared limiter keys
}

// PairResult is the outcome of one PlacePair call.
type PairResult struct {
	Bid        *domain.Order
	Ask        *domain.Order
	Skipped    bool
	SkipReason string
	Errors     []error
}

// Placed returns how many legs reached the exchange.
func (r PairResult) Placed() int {
	n := 0
	if r.Bid != nil {
		n++
	}
	if r.Ask != nil {
		n++
	}
	return n
}

// Stats are cumulative executor counters.
type Stats struct {
	Placed      int64 `json:"placed"`
	Canceled    int64 `json:"cancel_calls"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Skipped     int64 `json:"skipped"`
	Halted      bool  `json:"halted"`
}

// Executor drives the exchange on behalf of the engine.
type Executor struct {
	client  domain.ExchangeClient
	limiter domain.RateLimiter
	rules   Precision
	tracker Tracker
	orders  domain.OrderStore // optional journal
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	errTimes []time.Time
	stats    Stats
	onHalt   []func(reason string)
	now      func() time.Time
}

// NewExecutor creates an executor. tracker and limiter may be nil.
func NewExecutor(client domain.ExchangeClient, limiter domain.RateLimiter, rules Precision, tracker Tracker, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		client:  client,
		limiter: limiter,
		rules:   rules,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
	}
}

// SetOrderStore enables journaling of placed orders.
func (e *Executor) SetOrderStore(s domain.OrderStore) { e.orders = s }

// OnHalt registers a callback fired once when the error budget is spent.
func (e *Executor) OnHalt(fn func(reason string)) {
	e.mu.Lock()
	e.onHalt = append(e.onHalt, fn)
	e.mu.Unlock()
}

// PlacePair rounds, validates and places both legs of intent concurrently.
// Legs below the exchange minimums are skipped without error.
func (e *Executor) PlacePair(ctx context.Context, intent domain.QuoteIntent) (PairResult, error) {
	if e.Halted() {
		return PairResult{}, fmt.Errorf("executor: place %s: %w", intent.Symbol, domain.ErrExecutorHalted)
	}
	sym := intent.Symbol
	qty := e.rules.RoundQuantity(sym, intent.Quantity)
	bidPx, askPx := 0.0, 0.0
	if intent.HasBid() {
		bidPx = e.rules.RoundPrice(sym, intent.BidPrice)
	}
	if intent.HasAsk() {
		askPx = e.rules.RoundPrice(sym, intent.AskPrice)
	}
	if bidPx > 0 && askPx > 0 && bidPx >= askPx {
		return PairResult{}, fmt.Errorf("executor: %s bid %g >= ask %g: %w", sym, bidPx, askPx, domain.ErrCrossedQuote)
	}

	type leg struct {
		side  domain.OrderSide
		price float64
	}
	var legs []leg
	var skipReasons []string
	for _, l := range []leg{{domain.OrderSideBuy, bidPx}, {domain.OrderSideSell, askPx}} {
		if l.price <= 0 {
			continue
		}
		if err := e.rules.Validate(sym, l.price, qty); err != nil {
			skipReasons = append(skipReasons, err.Error())
			continue
		}
		legs = append(legs, l)
	}

	var res PairResult
	if len(legs) == 0 {
		res.Skipped = true
		res.SkipReason = strings.Join(skipReasons, "; ")
		e.mu.Lock()
		e.stats.Skipped++
		e.mu.Unlock()
		e.logger.DebugContext(ctx, "quote pair skipped", slog.String("symbol", sym), slog.String("reason", res.SkipReason))
		return res, nil
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, l := range legs {
		wg.Add(1)
		go func(l leg) {
			defer wg.Done()
			o, err := e.placeLeg(ctx, domain.OrderRequest{
				ClientID: newClientID(),
				Symbol:   sym,
				Side:     l.side,
				Price:    l.price,
				Quantity: qty,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, err)
				return
			}
			if l.side == domain.OrderSideBuy {
				res.Bid = &o
			} else {
				res.Ask = &o
			}
		}(l)
	}
	wg.Wait()

	if res.Placed() == 0 && len(res.Errors) > 0 {
		return res, fmt.Errorf("executor: place %s: %w", sym, errors.Join(res.Errors...))
	}
	return res, nil
}

func (e *Executor) placeLeg(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	log := e.logger.With(
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("qty", req.Quantity),
	)
	if err := e.allow(ctx, actionCreate, e.cfg.CreateLimit); err != nil {
		log.WarnContext(ctx, "order create rate limited")
		return domain.Order{}, err
	}

	var placed domain.Order
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		rctx, cancel := e.withTimeout(ctx)
		defer cancel()
		o, err := e.client.CreateLimitOrder(rctx, req)
		if err != nil {
			if permanent(err) {
				return retry.Stop(err)
			}
			return err
		}
		placed = o
		return nil
	})
	if err != nil {
		e.recordError(err)
		log.ErrorContext(ctx, "order placement failed", slog.String("error", err.Error()))
		return domain.Order{}, err
	}

	e.mu.Lock()
	e.stats.Placed++
	e.mu.Unlock()
	if placed.ClientID == "" {
		placed.ClientID = req.ClientID
	}
	log.InfoContext(ctx, "order placed", slog.String("order_id", placed.ID))

	if e.tracker != nil {
		e.tracker.Track(placed)
	}
	if e.orders != nil {
		if err := e.orders.Create(ctx, placed); err != nil {
			log.WarnContext(ctx, "order journal failed", slog.String("error", err.Error()))
		}
	}
	return placed, nil
}

// CancelAll cancels every resting order on symbol. It stays available after
// a halt so the engine can pull quotes.
func (e *Executor) CancelAll(ctx context.Context, symbol string) error {
	if err := e.allow(ctx, actionCancel, e.cfg.CancelLimit); err != nil {
		return err
	}
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		rctx, cancel := e.withTimeout(ctx)
		defer cancel()
		err := e.client.CancelAllOrders(rctx, symbol)
		if err != nil && permanent(err) {
			return retry.Stop(err)
		}
		return err
	})
	e.mu.Lock()
	e.stats.Canceled++
	e.mu.Unlock()
	if err != nil {
		e.recordError(err)
		return fmt.Errorf("executor: cancel all %s: %w", symbol, err)
	}
	return nil
}

// allow consults the limiter. A rejection counts against the error budget.
func (e *Executor) allow(ctx context.Context, action string, limit int) error {
	if e.limiter == nil || limit <= 0 {
		return nil
	}
	ok, err := e.limiter.Allow(ctx, e.cfg.KeyPrefix+action, limit, e.cfg.RateWindow)
	if err != nil {
		// A broken shared limiter must not stop quoting.
		e.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if ok {
		return nil
	}
	e.mu.Lock()
	e.stats.RateLimited++
	e.mu.Unlock()
	rlErr := fmt.Errorf("executor: %s: %w", action, domain.ErrRateLimited)
	e.recordError(rlErr)
	return rlErr
}

// recordError adds to the rolling error window and halts when it is full.
func (e *Executor) recordError(err error) {
	e.mu.Lock()
	e.stats.Failed++
	now := e.now()
	e.errTimes = append(e.errTimes, now)
	if e.cfg.ErrorWindow > 0 {
		cutoff := now.Add(-e.cfg.ErrorWindow)
		i := 0
		for i < len(e.errTimes) && !e.errTimes[i].After(cutoff) {
			i++
		}
		e.errTimes = e.errTimes[i:]
	}
	if e.stats.Halted || e.cfg.MaxErrors <= 0 || len(e.errTimes) < e.cfg.MaxErrors {
		e.mu.Unlock()
		return
	}
	e.stats.Halted = true
	reason := fmt.Sprintf("%d errors within %s, last: %v", len(e.errTimes), e.cfg.ErrorWindow, err)
	callbacks := append([]func(string){}, e.onHalt...)
	e.mu.Unlock()

	e.logger.Error("executor halted", slog.String("reason", reason))
	for _, fn := range callbacks {
		fn(reason)
	}
}

// Halted reports whether the error budget has been spent.
func (e *Executor) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Halted
}

// Stats returns a copy of the counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidOrder) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrNotFound)
}

func newClientID() string {
	return "mm" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
