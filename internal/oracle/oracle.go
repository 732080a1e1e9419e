// Package oracle maintains a reference price per symbol from the first
// healthy external venue in a priority list. A symbol stays latched to the
// venue found at startup for the whole session.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/retry"
)

// Config tunes probing and polling.
type Config struct {
	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	// Backoff spaces out polls after consecutive failures on the latched venue.
	Backoff retry.Policy
}

// DefaultConfig returns a 1s poll cadence with a 2s probe timeout.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		ProbeTimeout:   2 * time.Second,
		RequestTimeout: 2 * time.Second,
		Backoff:        retry.Exponential(0, time.Second, 30*time.Second),
	}
}

// Oracle implements domain.PriceSource.
type Oracle struct {
	venues []domain.Venue
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	quotes  map[string]domain.PriceQuote
	latched map[string]domain.Venue
}

// New creates an oracle over venues in priority order.
func New(venues []domain.Venue, cfg Config, logger *slog.Logger) *Oracle {
	return &Oracle{
		venues:  venues,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "oracle")),
		quotes:  make(map[string]domain.PriceQuote),
		latched: make(map[string]domain.Venue),
	}
}

// Start probes every symbol and latches the first venue that answers. It
// returns the symbols no venue could price; those cannot be traded. An error
// is returned only when no symbol at all could be latched.
func (o *Oracle) Start(ctx context.Context, symbols []string) ([]string, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		excluded []string
	)
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			v, err := o.probe(ctx, sym)
			if err != nil {
				o.logger.ErrorContext(ctx, "no reference venue for symbol",
					slog.String("symbol", sym), slog.String("error", err.Error()))
				mu.Lock()
				excluded = append(excluded, sym)
				mu.Unlock()
				return
			}
			o.logger.InfoContext(ctx, "reference venue latched",
				slog.String("symbol", sym), slog.String("venue", v.Name()))
		}(sym)
	}
	wg.Wait()

	if len(symbols) > 0 && len(excluded) == len(symbols) {
		return excluded, fmt.Errorf("oracle: start: %w", domain.ErrNoVenue)
	}
	return excluded, nil
}

// probe walks the venue list for one symbol with a per-candidate timeout.
func (o *Oracle) probe(ctx context.Context, symbol string) (domain.Venue, error) {
	for _, v := range o.venues {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
		q, err := v.FetchQuote(pctx, symbol)
		cancel()
		if err != nil {
			o.logger.Debug("venue probe failed",
				slog.String("symbol", symbol), slog.String("venue", v.Name()), slog.String("error", err.Error()))
			continue
		}
		o.mu.Lock()
		o.latched[symbol] = v
		o.mu.Unlock()
		o.store(q)
		return v, nil
	}
	return nil, fmt.Errorf("oracle: %s: %w", symbol, domain.ErrNoVenue)
}

// Run polls every latched venue until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context) error {
	o.mu.RLock()
	latched := make(map[string]domain.Venue, len(o.latched))
	for s, v := range o.latched {
		latched[s] = v
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for sym, v := range latched {
		wg.Add(1)
		go func(sym string, v domain.Venue) {
			defer wg.Done()
			o.pollLoop(ctx, sym, v)
		}(sym, v)
	}
	wg.Wait()
	return nil
}

func (o *Oracle) pollLoop(ctx context.Context, symbol string, v domain.Venue) {
	failures := 0
	for {
		wait := o.cfg.PollInterval
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		q, err := v.FetchQuote(rctx, symbol)
		cancel()
		switch {
		case err == nil:
			failures = 0
			o.store(q)
		case ctx.Err() != nil:
			return
		default:
			failures++
			if d := o.cfg.Backoff.Delay(failures); d > wait {
				wait = d
			}
			o.logger.WarnContext(ctx, "oracle poll failed",
				slog.String("symbol", symbol),
				slog.String("venue", v.Name()),
				slog.Int("failures", failures),
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
			)
		}
		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}

// store keeps q unless a newer observation is already cached.
func (o *Oracle) store(q domain.PriceQuote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.quotes[q.Symbol]; ok && cur.ObservedAt.After(q.ObservedAt) {
		return
	}
	o.quotes[q.Symbol] = q
}

// GetPrice returns the latest quote. Freshness is the caller's decision.
func (o *Oracle) GetPrice(symbol string) (domain.PriceQuote, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[symbol]
	return q, ok
}

// Venue returns the name of the venue latched for symbol.
func (o *Oracle) Venue(symbol string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.latched[symbol]; ok {
		return v.Name()
	}
	return ""
}

var _ domain.PriceSource = (*Oracle)(nil)
