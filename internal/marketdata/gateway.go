// Package marketdata keeps a local order-book snapshot per symbol. A push
// feed is primary; a REST poller joins when the feed is silent during the
// startup grace window or has spent its reconnect budget. Both feeders write
// the same cache and the newest observation wins.
package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/retry"
)

// BookFetcher is the REST snapshot source used by the poller.
type BookFetcher interface {
	FetchOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderbookSnapshot, error)
}

// Config tunes the gateway.
type Config struct {
	GraceWindow    time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
	DepthLevels    int
	SampleWindow   int // mid samples kept per symbol for volatility
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		GraceWindow:    5 * time.Second,
		PollInterval:   time.Second,
		RequestTimeout: 3 * time.Second,
		ReconnectDelay: 2 * time.Second,
		MaxReconnects:  10,
		DepthLevels:    20,
		SampleWindow:   300,
	}
}

// Gateway implements domain.OrderBookSource.
type Gateway struct {
	stream domain.DepthStream // nil means poll-only
	rest   BookFetcher
	cfg    Config
	logger *slog.Logger

	mu           sync.RWMutex
	books        map[string]domain.OrderbookSnapshot
	samples      map[string][]float64
	lastActivity time.Time

	firstPush     chan struct{}
	firstPushOnce sync.Once
	pollerOnce    sync.Once
	polling       atomic.Bool
	pollOnly      atomic.Bool
	reconnects    atomic.Int64
}

// New creates a gateway. stream may be nil.
func New(stream domain.DepthStream, rest BookFetcher, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 300
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 20
	}
	return &Gateway{
		stream:    stream,
		rest:      rest,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "marketdata")),
		books:     make(map[string]domain.OrderbookSnapshot),
		samples:   make(map[string][]float64),
		firstPush: make(chan struct{}),
	}
}

// Run feeds the cache for symbols until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, symbols []string) error {
	eg, ctx := errgroup.WithContext(ctx)

	startPoller := func(reason string) {
		g.pollerOnce.Do(func() {
			g.polling.Store(true)
			g.logger.WarnContext(ctx, "starting rest poller", slog.String("reason", reason))
			eg.Go(func() error { return g.pollLoop(ctx, symbols) })
		})
	}

	if g.stream == nil {
		g.pollOnly.Store(true)
		startPoller("no push feed configured")
		return eg.Wait()
	}

	eg.Go(func() error {
		g.pushLoop(ctx, symbols)
		if ctx.Err() == nil {
			g.pollOnly.Store(true)
			startPoller("push reconnect budget exhausted")
		}
		return nil
	})

	eg.Go(func() error {
		timer := time.NewTimer(g.cfg.GraceWindow)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-g.firstPush:
		case <-timer.C:
			startPoller("no push data within grace window")
		}
		return nil
	})

	return eg.Wait()
}

// pushLoop runs the stream under the session-wide reconnect budget.
func (g *Gateway) pushLoop(ctx context.Context, symbols []string) {
	policy := retry.Fixed(g.cfg.MaxReconnects+1, g.cfg.ReconnectDelay)
	attempt := 0
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			g.reconnects.Add(1)
			g.logger.InfoContext(ctx, "reconnecting push feed", slog.Int("attempt", attempt-1))
		}
		err := g.stream.Run(ctx, symbols, g.onBook, g.onTrade)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = domain.ErrWSDisconnect
		}
		g.logger.WarnContext(ctx, "push feed dropped", slog.String("error", err.Error()))
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.ErrorContext(ctx, "push feed abandoned, poll-only for the session",
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) pollLoop(ctx context.Context, symbols []string) error {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for _, sym := range symbols {
			g.pollOnce(ctx, sym)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Gateway) pollOnce(ctx context.Context, symbol string) {
	rctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	snap, err := g.rest.FetchOrderBook(rctx, symbol, g.cfg.DepthLevels)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.WarnContext(ctx, "order book poll failed",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
		return
	}
	snap.Symbol = symbol
	snap.Source = "poll"
	g.onBook(snap)
}

// onBook replaces the cached book unless a newer one is already held.
func (g *Gateway) onBook(snap domain.OrderbookSnapshot) {
	if snap.Source == "push" {
		g.firstPushOnce.Do(func() { close(g.firstPush) })
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.books[snap.Symbol]; ok && !snap.ObservedAt.After(cur.ObservedAt) {
		return
	}
	g.books[snap.Symbol] = snap
	if snap.ObservedAt.After(g.lastActivity) {
		g.lastActivity = snap.ObservedAt
	}
	if mid := snap.Mid(); mid > 0 {
		s := append(g.samples[snap.Symbol], mid)
		if len(s) > g.cfg.SampleWindow {
			s = s[len(s)-g.cfg.SampleWindow:]
		}
		g.samples[snap.Symbol] = s
	}
}

func (g *Gateway) onTrade(t domain.Trade) {
	at := t.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	g.mu.Lock()
	if at.After(g.lastActivity) {
		g.lastActivity = at
	}
	g.mu.Unlock()
}

// GetOrderbook returns the cached snapshot. Freshness is the caller's decision.
func (g *Gateway) GetOrderbook(symbol string) (domain.OrderbookSnapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.books[symbol]
	return s, ok
}

// MidSamples returns a copy of the recent mids, oldest first.
func (g *Gateway) MidSamples(symbol string) []float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := g.samples[symbol]
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

// LastActivity is the time of the most recent book or trade observation.
func (g *Gateway) LastActivity() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastActivity
}

// IsReady reports whether at least one book is cached.
func (g *Gateway) IsReady() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.books) > 0
}

// Status summarises the feeder state.
type Status struct {
	Polling    bool  `json:"polling"`
	PollOnly   bool  `json:"poll_only"`
	Reconnects int64 `json:"reconnects"`
	Symbols    int   `json:"symbols"`
}

// Status returns the feeder state for the status API.
func (g *Gateway) Status() Status {
	g.mu.RLock()
	n := len(g.books)
	g.mu.RUnlock()
	return Status{
		Polling:    g.polling.Load(),
		PollOnly:   g.pollOnly.Load(),
		Reconnects: g.reconnects.Load(),
		Symbols:    n,
	}
}

var _ domain.OrderBookSource = (*Gateway)(nil)
