// Package monitor follows our orders at the exchange. It turns every increase
// of an order's filled quantity into a fill, feeds fills to the inventory and
// drops orders from the active set once they are closed or canceled.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/retry"
)

const (
	fillEpsilon = 1e-12
	doneTTL     = 10 * time.Minute
)

// OrderReader is the part of the exchange client the monitor polls.
type OrderReader interface {
	FetchOrder(ctx context.Context, symbol, orderID string) (domain.Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
}

// FillApplier receives every fill. Implemented by the inventory manager.
type FillApplier interface {
	ApplyFill(symbol string, side domain.OrderSide, qty, price, fee float64)
}

// Config tunes polling and stream reconnects.
type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	StreamRetry    retry.Policy
}

// Stats are cumulative fill statistics.
type Stats struct {
	Mode         string  `json:"mode"`
	Active       int     `json:"active"`
	Fills        int64   `json:"fills"`
	BuyQuantity  float64 `json:"buy_quantity"`
	SellQuantity float64 `json:"sell_quantity"`
	BuyNotional  float64 `json:"buy_notional"`
	SellNotional float64 `json:"sell_notional"`
	Fees         float64 `json:"fees"`
	Closed       int64   `json:"closed"`
	Canceled     int64   `json:"canceled"`
}

// Monitor tracks the active order set.
type Monitor struct {
	client  OrderReader
	stream  domain.OrderStream // nil means poll-only
	inv     FillApplier
	orders  domain.OrderStore // optional journal
	symbols []string
	cfg     Config
	logger  *slog.Logger

	mu       sync.RWMutex
	active   map[string]domain.Order
	done     map[string]time.Time
	stats    Stats
	onFill   []func(domain.Fill)
	onCancel []func(domain.Order)
}

// New creates a monitor for symbols. stream may be nil.
func New(client OrderReader, stream domain.OrderStream, inv FillApplier, symbols []string, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Monitor{
		client:  client,
		stream:  stream,
		inv:     inv,
		symbols: symbols,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "monitor")),
		active:  make(map[string]domain.Order),
		done:    make(map[string]time.Time),
		stats:   Stats{Mode: "starting"},
	}
}

// SetOrderStore enables journaling of status changes.
func (m *Monitor) SetOrderStore(s domain.OrderStore) { m.orders = s }

// OnFill registers a fill callback.
func (m *Monitor) OnFill(fn func(domain.Fill)) {
	m.mu.Lock()
	m.onFill = append(m.onFill, fn)
	m.mu.Unlock()
}

// OnCancel registers a cancel callback.
func (m *Monitor) OnCancel(fn func(domain.Order)) {
	m.mu.Lock()
	m.onCancel = append(m.onCancel, fn)
	m.mu.Unlock()
}

// Seed loads resting orders left by a previous session. Their fills so far
// are not replayed.
func (m *Monitor) Seed(ctx context.Context) error {
	var errs []error
	for _, sym := range m.symbols {
		rctx, cancel := m.withTimeout(ctx)
		open, err := m.client.FetchOpenOrders(rctx, sym)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.mu.Lock()
		for _, o := range open {
			m.active[o.ID] = o
		}
		m.mu.Unlock()
		if len(open) > 0 {
			m.logger.InfoContext(ctx, "seeded open orders", slog.String("symbol", sym), slog.Int("count", len(open)))
		}
	}
	return errors.Join(errs...)
}

// Start seeds the active set, then follows order updates through the push
// stream, falling back to polling when the stream is unsupported or its
// retry budget is spent. It blocks until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.Seed(ctx); err != nil {
		m.logger.WarnContext(ctx, "seeding open orders failed", slog.String("error", err.Error()))
	}

	if m.stream != nil {
		m.setMode("push")
		err := retry.Do(ctx, m.cfg.StreamRetry, func(ctx context.Context) error {
			// Catch up on anything missed while disconnected.
			m.pollOnce(ctx)
			err := m.stream.Run(ctx, m.Update)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, domain.ErrUnsupported) {
				return retry.Stop(err)
			}
			if err == nil {
				err = domain.ErrWSDisconnect
			}
			m.logger.WarnContext(ctx, "order stream dropped", slog.String("error", err.Error()))
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		m.logger.WarnContext(ctx, "order stream unavailable, polling", slog.String("error", errString(err)))
	}

	m.setMode("poll")
	return m.pollLoop(ctx)
}

func (m *Monitor) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes every active order.
func (m *Monitor) pollOnce(ctx context.Context) {
	for _, o := range m.GetActiveOrders("") {
		rctx, cancel := m.withTimeout(ctx)
		cur, err := m.client.FetchOrder(rctx, o.Symbol, o.ID)
		cancel()
		switch {
		case err == nil:
			m.Update(cur)
		case errors.Is(err, domain.ErrNotFound):
			m.logger.WarnContext(ctx, "tracked order vanished", slog.String("order_id", o.ID))
			o.Status = domain.OrderStatusCanceled
			m.Update(o)
		case ctx.Err() != nil:
			return
		default:
			m.logger.WarnContext(ctx, "order poll failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
	}
}

// Track adds an order we just placed. An update that already arrived
// through the stream is not overwritten.
func (m *Monitor) Track(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.done[o.ID]; gone {
		return
	}
	if cur, ok := m.active[o.ID]; ok && cur.FilledQuantity >= o.FilledQuantity {
		return
	}
	if !o.Status.Terminal() {
		m.active[o.ID] = o
	}
}

// Update applies a fresh order snapshot from the stream or a poll.
func (m *Monitor) Update(o domain.Order) {
	m.mu.Lock()
	prev, known := m.active[o.ID]
	if !known {
		if _, gone := m.done[o.ID]; gone {
			m.mu.Unlock()
			return
		}
		if !m.watches(o.Symbol) {
			m.mu.Unlock()
			return
		}
		prev = o
		prev.FilledQuantity = 0
		prev.Fee = 0
	}

	var fill *domain.Fill
	if delta := o.FilledQuantity - prev.FilledQuantity; delta > fillEpsilon {
		fee := o.Fee - prev.Fee
		if fee < 0 {
			fee = 0
		}
		price := o.Price
		if price <= 0 {
			price = prev.Price
		}
		fill = &domain.Fill{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Quantity:  delta,
			Price:     price,
			Fee:       fee,
			Timestamp: fillTime(o),
		}
		m.stats.Fills++
		m.stats.Fees += fee
		if o.Side == domain.OrderSideBuy {
			m.stats.BuyQuantity += delta
			m.stats.BuyNotional += delta * price
		} else {
			m.stats.SellQuantity += delta
			m.stats.SellNotional += delta * price
		}
	} else if o.FilledQuantity < prev.FilledQuantity {
		// Out-of-order snapshot: keep the larger fill.
		o.FilledQuantity = prev.FilledQuantity
		o.Fee = prev.Fee
	}

	statusChanged := o.Status != prev.Status || !known
	if o.Status.Terminal() {
		delete(m.active, o.ID)
		m.done[o.ID] = time.Now()
		if o.Status == domain.OrderStatusClosed {
			m.stats.Closed++
		} else {
			m.stats.Canceled++
		}
		m.pruneDoneLocked()
	} else {
		m.active[o.ID] = o
	}
	fillCbs := m.onFill
	cancelCbs := m.onCancel
	m.mu.Unlock()

	if fill != nil {
		m.logger.Info("order filled",
			slog.String("order_id", fill.OrderID),
			slog.String("symbol", fill.Symbol),
			slog.String("side", string(fill.Side)),
			slog.Float64("qty", fill.Quantity),
			slog.Float64("price", fill.Price),
			slog.Float64("fee", fill.Fee),
		)
		if m.inv != nil {
			m.inv.ApplyFill(fill.Symbol, fill.Side, fill.Quantity, fill.Price, fill.Fee)
		}
		for _, fn := range fillCbs {
			fn(*fill)
		}
	}
	if o.Status == domain.OrderStatusCanceled && statusChanged {
		for _, fn := range cancelCbs {
			fn(o)
		}
	}
	if m.orders != nil && (fill != nil || statusChanged) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.orders.UpdateStatus(ctx, o.ID, o.Status, o.FilledQuantity); err != nil {
			m.logger.Warn("order journal update failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// GetActiveOrders returns open orders, for one symbol or all when empty,
// oldest first.
func (m *Monitor) GetActiveOrders(symbol string) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Order, 0, len(m.active))
	for _, o := range m.active {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns a copy of the fill statistics.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Active = len(m.active)
	return s
}

func (m *Monitor) setMode(mode string) {
	m.mu.Lock()
	m.stats.Mode = mode
	m.mu.Unlock()
}

func (m *Monitor) watches(symbol string) bool {
	if len(m.symbols) == 0 {
		return true
	}
	for _, s := range m.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (m *Monitor) pruneDoneLocked() {
	cutoff := time.Now().Add(-doneTTL)
	for id, at := range m.done {
		if at.Before(cutoff) {
			delete(m.done, id)
		}
	}
}

func (m *Monitor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func fillTime(o domain.Order) time.Time {
	if !o.UpdatedAt.IsZero() {
		return o.UpdatedAt
	}
	return time.Now().UTC()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
