// Package paper simulates a spot venue for dry runs. Resting limit orders
// fill against the touch liquidity of the live order book, at most once per
// new book snapshot, so an order larger than the touch fills partially.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// MarketData is the public part of the real venue the simulator forwards to.
type MarketData interface {
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderbookSnapshot, error)
}

// BookReader provides the snapshots orders are matched against.
type BookReader interface {
	GetOrderbook(symbol string) (domain.OrderbookSnapshot, bool)
}

// Config holds the simulated account.
type Config struct {
	Balances      map[string]float64 // initial free balance per asset
	FeeRate       float64            // charged in quote on every fill
	MatchInterval time.Duration
}

// Exchange implements domain.ExchangeClient against simulated balances.
type Exchange struct {
	public MarketData
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	balances    map[string]*domain.Balance
	orders      map[string]*domain.Order
	lastMatched map[string]time.Time
	now         func() time.Time
}

// New creates a simulated exchange.
func New(public MarketData, cfg Config, logger *slog.Logger) *Exchange {
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = 100 * time.Millisecond
	}
	e := &Exchange{
		public:      public,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "paper_exchange")),
		balances:    make(map[string]*domain.Balance),
		orders:      make(map[string]*domain.Order),
		lastMatched: make(map[string]time.Time),
		now:         time.Now,
	}
	for asset, amt := range cfg.Balances {
		e.balances[asset] = &domain.Balance{Asset: asset, Free: amt}
	}
	return e
}

// FetchMarkets forwards to the real venue.
func (e *Exchange) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	return e.public.FetchMarkets(ctx)
}

// FetchOrderBook forwards to the real venue.
func (e *Exchange) FetchOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderbookSnapshot, error) {
	return e.public.FetchOrderBook(ctx, symbol, limit)
}

// FetchBalances returns a copy of the simulated balances.
func (e *Exchange) FetchBalances(_ context.Context) (map[string]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]domain.Balance, len(e.balances))
	for k, b := range e.balances {
		out[k] = *b
	}
	return out, nil
}

// CreateLimitOrder reserves funds and rests the order.
func (e *Exchange) CreateLimitOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Price <= 0 || req.Quantity <= 0 {
		return domain.Order{}, fmt.Errorf("paper: %w: price and quantity must be positive", domain.ErrInvalidOrder)
	}
	base, quote, ok := strings.Cut(req.Symbol, "/")
	if !ok {
		return domain.Order{}, fmt.Errorf("paper: %w: malformed symbol %q", domain.ErrInvalidOrder, req.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	asset, need := quote, req.Price*req.Quantity
	if req.Side == domain.OrderSideSell {
		asset, need = base, req.Quantity
	}
	bal := e.balance(asset)
	if bal.Free+1e-12 < need {
		return domain.Order{}, fmt.Errorf("paper: %w: insufficient %s (free %g, need %g)", domain.ErrInvalidOrder, asset, bal.Free, need)
	}
	bal.Free -= need
	bal.Locked += need

	now := e.now().UTC()
	o := &domain.Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    domain.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.orders[o.ID] = o
	return *o, nil
}

// CancelOrder cancels an open order and releases its reservation.
func (e *Exchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	e.cancelLocked(o)
	return nil
}

// CancelAllOrders cancels every open order on symbol.
func (e *Exchange) CancelAllOrders(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			e.cancelLocked(o)
		}
	}
	return nil
}

// FetchOrder returns the current state of an order.
func (e *Exchange) FetchOrder(_ context.Context, _ string, orderID string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return *o, nil
}

// FetchOpenOrders lists open orders on symbol, or all when symbol is empty.
func (e *Exchange) FetchOpenOrders(_ context.Context, symbol string) ([]domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Order
	for _, o := range e.orders {
		if o.Status.Terminal() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Run matches resting orders against books until ctx is cancelled.
func (e *Exchange) Run(ctx context.Context, books BookReader, symbols []string) error {
	ticker := time.NewTicker(e.cfg.MatchInterval)
	defer ticker.Stop()
	e.logger.Info("paper matcher started", slog.Int("symbols", len(symbols)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sym := range symbols {
				if book, ok := books.GetOrderbook(sym); ok {
					e.Match(book)
				}
			}
		}
	}
}

// Match fills resting orders of book.Symbol against the opposite touch. A
// snapshot is matched at most once; liquidity consumed by one order is not
// available to the next. It returns the number of orders that traded.
func (e *Exchange) Match(book domain.OrderbookSnapshot) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !book.ObservedAt.After(e.lastMatched[book.Symbol]) {
		return 0
	}
	e.lastMatched[book.Symbol] = book.ObservedAt

	var askTouch, bidTouch float64
	if len(book.Asks) > 0 {
		askTouch = book.Asks[0].Size
	}
	if len(book.Bids) > 0 {
		bidTouch = book.Bids[0].Size
	}

	// Oldest orders first.
	resting := make([]*domain.Order, 0)
	for _, o := range e.orders {
		if o.Symbol == book.Symbol && !o.Status.Terminal() {
			resting = append(resting, o)
		}
	}
	sort.Slice(resting, func(i, j int) bool { return resting[i].CreatedAt.Before(resting[j].CreatedAt) })

	traded := 0
	for _, o := range resting {
		var qty float64
		switch o.Side {
		case domain.OrderSideBuy:
			if ask := book.BestAsk(); ask > 0 && ask <= o.Price && askTouch > 0 {
				qty = math.Min(o.Remaining(), askTouch)
				askTouch -= qty
			}
		case domain.OrderSideSell:
			if bid := book.BestBid(); bid > 0 && bid >= o.Price && bidTouch > 0 {
				qty = math.Min(o.Remaining(), bidTouch)
				bidTouch -= qty
			}
		}
		if qty <= 0 {
			continue
		}
		e.fillLocked(o, qty)
		traded++
	}
	return traded
}

func (e *Exchange) fillLocked(o *domain.Order, qty float64) {
	base, quote, _ := strings.Cut(o.Symbol, "/")
	notional := qty * o.Price
	fee := notional * e.cfg.FeeRate

	if o.Side == domain.OrderSideBuy {
		e.balance(quote).Locked -= notional
		e.balance(quote).Free -= fee
		e.balance(base).Free += qty
	} else {
		e.balance(base).Locked -= qty
		e.balance(quote).Free += notional - fee
	}

	o.FilledQuantity += qty
	o.Fee += fee
	o.UpdatedAt = e.now().UTC()
	if o.Remaining() <= 1e-12 {
		o.Status = domain.OrderStatusClosed
	}
	e.logger.Info("paper fill",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.Float64("qty", qty),
		slog.Float64("price", o.Price),
	)
}

func (e *Exchange) cancelLocked(o *domain.Order) {
	base, quote, _ := strings.Cut(o.Symbol, "/")
	if o.Side == domain.OrderSideBuy {
		release := o.Remaining() * o.Price
		e.balance(quote).Locked -= release
		e.balance(quote).Free += release
	} else {
		e.balance(base).Locked -= o.Remaining()
		e.balance(base).Free += o.Remaining()
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = e.now().UTC()
}

func (e *Exchange) balance(asset string) *domain.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &domain.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

var _ domain.ExchangeClient = (*Exchange)(nil)
