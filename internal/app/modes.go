package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotmaker/internal/breaker"
	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/engine"
	"github.com/alanyoungcy/spotmaker/internal/executor"
	"github.com/alanyoungcy/spotmaker/internal/inventory"
	"github.com/alanyoungcy/spotmaker/internal/marketdata"
	"github.com/alanyoungcy/spotmaker/internal/monitor"
	"github.com/alanyoungcy/spotmaker/internal/notify"
	"github.com/alanyoungcy/spotmaker/internal/oracle"
	"github.com/alanyoungcy/spotmaker/internal/platform/binance"
	"github.com/alanyoungcy/spotmaker/internal/platform/paper"
	"github.com/alanyoungcy/spotmaker/internal/platform/venue"
	"github.com/alanyoungcy/spotmaker/internal/precision"
	"github.com/alanyoungcy/spotmaker/internal/quoting"
	"github.com/alanyoungcy/spotmaker/internal/retry"
	"github.com/alanyoungcy/spotmaker/internal/server"
	"github.com/alanyoungcy/spotmaker/internal/server/handler"
)

// auditTimeout bounds journal writes issued from callbacks. Callbacks on the
// tick path (breaker trips, executor halts) write in the background.
const auditTimeout = 5 * time.Second

// LiveMode trades against the exchange with real credentials. Order updates
// come from the user-data stream when enabled, otherwise from polling.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	client := a.exchangeClient(true)
	var stream domain.OrderStream
	if a.cfg.Monitor.UserStream {
		stream = binance.NewUserStream(client, a.cfg.Exchange.UserStreamURL, a.logger)
	}
	return a.runSession(ctx, deps, client, client, stream, nil)
}

// PaperMode quotes against live public data while orders are simulated
// against the gateway's order book.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Any("balances", a.cfg.Paper.Balances),
	)

	public := a.exchangeClient(false)
	sim := paper.New(public, paper.Config{
		Balances:      a.cfg.Paper.Balances,
		FeeRate:       a.cfg.Paper.FeeRate,
		MatchInterval: a.cfg.Paper.MatchInterval.Duration,
	}, a.logger)
	return a.runSession(ctx, deps, public, sim, nil, sim)
}

// exchangeClient builds the REST client. Public-only clients carry no keys.
func (a *App) exchangeClient(signed bool) *binance.Client {
	cc := binance.ClientConfig{
		BaseURL:    a.cfg.Exchange.RESTURL,
		RecvWindow: a.cfg.Exchange.RecvWindow.Duration,
		Timeout:    a.cfg.Exchange.RequestTimeout.Duration,
		FeeRate:    a.cfg.Exchange.FeeRate,
	}
	if signed {
		cc.APIKey = a.cfg.Exchange.APIKey
		cc.APISecret = a.cfg.Exchange.APISecret
	}
	return binance.NewClient(cc)
}

// runSession builds the trading pipeline and supervises it. public serves
// market metadata and order books; trading receives orders. sim is non-nil in
// paper mode and is driven by the gateway's books.
func (a *App) runSession(
	ctx context.Context,
	deps *Dependencies,
	public *binance.Client,
	trading domain.ExchangeClient,
	stream domain.OrderStream,
	sim *paper.Exchange,
) error {
	cfg := a.cfg

	// Precision rules must be known before anything is quoted.
	rules := precision.NewRules()
	if err := rules.Load(ctx, public, cfg.Symbols); err != nil {
		return fmt.Errorf("app: load market rules: %w", err)
	}

	// Reference prices. Symbols without a healthy venue are dropped.
	venues, err := a.buildVenues()
	if err != nil {
		return err
	}
	orc := oracle.New(venues, oracle.Config{
		PollInterval:   cfg.Oracle.PollInterval.Duration,
		ProbeTimeout:   cfg.Oracle.ProbeTimeout.Duration,
		RequestTimeout: cfg.Oracle.RequestTimeout.Duration,
		Backoff:        retry.Exponential(0, cfg.Oracle.BackoffBase.Duration, cfg.Oracle.BackoffMax.Duration),
	}, a.logger)
	excluded, err := orc.Start(ctx, cfg.Symbols)
	if err != nil {
		return fmt.Errorf("app: oracle: %w", err)
	}
	symbols := activeSymbols(cfg.Symbols, excluded)
	for _, sym := range excluded {
		deps.Notifier.Go(notify.EventSymbolExcluded, "Symbol excluded",
			fmt.Sprintf("No reference venue answered for %s; it will not be quoted.", sym))
		a.audit(deps, notify.EventSymbolExcluded, map[string]any{"symbol": sym})
	}

	// Order books.
	gateway := marketdata.New(
		binance.NewMarketStream(cfg.Exchange.StreamURL, cfg.MarketData.DepthLevels, a.logger),
		public,
		marketdata.Config{
			GraceWindow:    cfg.MarketData.GraceWindow.Duration,
			PollInterval:   cfg.MarketData.PollInterval.Duration,
			RequestTimeout: cfg.MarketData.RequestTimeout.Duration,
			ReconnectDelay: cfg.MarketData.ReconnectDelay.Duration,
			MaxReconnects:  cfg.MarketData.MaxReconnects,
			DepthLevels:    cfg.MarketData.DepthLevels,
			SampleWindow:   cfg.MarketData.SampleWindow,
		},
		a.logger,
	)

	// Inventory starts from exchange balances.
	inv := inventory.NewManager(trading, symbols, inventory.Config{
		QuoteAsset:        cfg.Inventory.QuoteAsset,
		Targets:           cfg.Inventory.Targets,
		MaxPositionValue:  cfg.Inventory.MaxPositionValue,
		MaxSkew:           cfg.Inventory.MaxSkew,
		ReconcileInterval: cfg.Inventory.ReconcileInterval.Duration,
		RequestTimeout:    cfg.Exchange.RequestTimeout.Duration,
		OrderQuantity:     cfg.Engine.OrderQuantity,
		OrderValuePct:     cfg.Engine.OrderValuePct,
	}, a.logger)
	if err := inv.Reconcile(ctx); err != nil {
		return fmt.Errorf("app: initial balances: %w", err)
	}

	brk := breaker.New(breaker.Config{
		MaxDrawdownPct:  cfg.Breaker.MaxDrawdownPct,
		MaxDeviationPct: cfg.Breaker.MaxDeviationPct,
		NetworkTimeout:  cfg.Breaker.NetworkTimeout.Duration,
	}, a.logger)
	brk.OnTrip(func(st domain.BreakerState) {
		deps.Notifier.Go(notify.EventBreakerTrip, "Circuit breaker tripped",
			fmt.Sprintf("Trading halted for the session: %s", st.Reason))
		go a.audit(deps, notify.EventBreakerTrip, map[string]any{
			"reason":          st.Reason,
			"initial_capital": st.InitialCapital,
		})
	})

	mon := monitor.New(trading, stream, inv, symbols, monitor.Config{
		PollInterval:   cfg.Monitor.PollInterval.Duration,
		RequestTimeout: cfg.Exchange.RequestTimeout.Duration,
		StreamRetry:    retry.Fixed(cfg.Monitor.StreamRetries, cfg.Monitor.StreamRetryDelay.Duration),
	}, a.logger)
	mon.OnFill(a.fillRecorder(deps))
	if deps.OrderStore != nil {
		mon.SetOrderStore(deps.OrderStore)
	}

	retryDelay := cfg.Executor.RetryDelay.Duration
	exec := executor.NewExecutor(trading, deps.RateLimiter, rules, mon, executor.Config{
		CreateLimit:    cfg.Executor.CreateLimit,
		CancelLimit:    cfg.Executor.CancelLimit,
		RateWindow:     cfg.Executor.RateWindow.Duration,
		MaxErrors:      cfg.Executor.MaxErrors,
		ErrorWindow:    cfg.Executor.ErrorWindow.Duration,
		Retry:          retry.Exponential(cfg.Executor.MaxRetries+1, retryDelay, 8*retryDelay),
		RequestTimeout: cfg.Executor.RequestTimeout.Duration,
		KeyPrefix:      "exec:",
	}, a.logger)
	exec.OnHalt(func(reason string) {
		deps.Notifier.Go(notify.EventExecutorHalt, "Executor halted", reason)
		go a.audit(deps, notify.EventExecutorHalt, map[string]any{"reason": reason})
	})
	if deps.OrderStore != nil {
		exec.SetOrderStore(deps.OrderStore)
	}

	eng := engine.New(engine.Config{
		TickInterval:       cfg.Engine.TickInterval.Duration,
		PricePolicy:        cfg.Engine.PricePolicy,
		OracleStaleAfter:   cfg.Oracle.StaleAfter.Duration,
		BookStaleAfter:     cfg.MarketData.StaleAfter.Duration,
		StaleWarnInterval:  cfg.Engine.StaleWarnInterval.Duration,
		SafetyBandPct:      cfg.Engine.SafetyBandPct,
		RefreshThreshold:   cfg.Engine.RefreshThreshold,
		MinRefreshInterval: cfg.Engine.MinRefreshInterval.Duration,
		VolumeMode:         cfg.Engine.VolumeMode,
		VolumeMinSpreadPct: cfg.Engine.VolumeMinSpreadPct,
		QueueJumpTicks:     cfg.Engine.QueueJumpTicks,
		DepthLevels:        cfg.MarketData.DepthLevels,
		DepthReference:     cfg.Engine.DepthReference,
		EventChannel:       cfg.Redis.EventChannel,
	}, engine.Deps{
		Prices: orc,
		Books:  gateway,
		Model: quoting.NewModel(quoting.Config{
			Gamma:         cfg.Quoting.Gamma,
			Horizon:       cfg.Quoting.Horizon,
			MinSpreadPct:  cfg.Quoting.MinSpreadPct,
			MaxSpreadPct:  cfg.Quoting.MaxSpreadPct,
			InventoryUnit: cfg.Quoting.InventoryUnit,
			VolDecay:      cfg.Quoting.VolDecay,
			VolSmoothing:  cfg.Quoting.VolSmoothing,
			DefaultVol:    cfg.Quoting.DefaultVol,
		}, rules),
		Inventory: inv,
		Breaker:   brk,
		Executor:  exec,
		Ticks:     rules,
		Bus:       deps.Bus,
	}, symbols, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return gateway.Run(ctx, symbols) })
	g.Go(func() error { return orc.Run(ctx) })
	g.Go(func() error { return mon.Start(ctx) })
	g.Go(func() error { return inv.Run(ctx) })
	g.Go(func() error { return deps.Hub.Run(ctx) })
	if sim != nil {
		g.Go(func() error { return sim.Run(ctx, gateway, symbols) })
	}

	if cfg.Server.Enabled {
		srv := a.buildServer(deps, symbols, eng, brk, exec, mon, gateway, orc, inv)
		g.Go(func() error { return srv.Run(ctx) })
	}

	deps.Notifier.Go(notify.EventEngineStarted, "Market maker started",
		fmt.Sprintf("mode=%s symbols=%s", cfg.Mode, strings.Join(symbols, ",")))
	a.audit(deps, notify.EventEngineStarted, map[string]any{"mode": cfg.Mode, "symbols": symbols})

	g.Go(func() error {
		err := eng.Run(ctx)
		// Notify with a fresh context; ctx is already done here.
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		_ = deps.Notifier.Notify(nctx, notify.EventEngineStopped, "Market maker stopped",
			fmt.Sprintf("halted=%t ticks=%d", eng.Halted(), eng.Ticks()))
		a.audit(deps, notify.EventEngineStopped, map[string]any{"halted": eng.Halted(), "ticks": eng.Ticks()})
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) buildVenues() ([]domain.Venue, error) {
	venues := make([]domain.Venue, 0, len(a.cfg.Oracle.Venues))
	for _, name := range a.cfg.Oracle.Venues {
		v, err := venue.New(name, "", a.cfg.Oracle.RequestTimeout.Duration)
		if err != nil {
			return nil, fmt.Errorf("app: oracle venues: %w", err)
		}
		venues = append(venues, v)
	}
	return venues, nil
}

func (a *App) buildServer(
	deps *Dependencies,
	symbols []string,
	eng *engine.Engine,
	brk *breaker.Breaker,
	exec *executor.Executor,
	mon *monitor.Monitor,
	gateway *marketdata.Gateway,
	orc *oracle.Oracle,
	inv *inventory.Manager,
) *server.Server {
	checks := map[string]handler.HealthCheck{
		"market_data": func(context.Context) error {
			if !gateway.IsReady() {
				return errors.New("no order book yet")
			}
			return nil
		},
		"engine": func(context.Context) error {
			if eng.Halted() {
				return fmt.Errorf("halted: %s", brk.State().Reason)
			}
			return nil
		},
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres.Ping
	}

	return server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		APIKey:     a.cfg.Server.APIKey,
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Status: handler.NewStatusHandler(handler.StatusSources{
			Mode:     a.cfg.Mode,
			Symbols:  symbols,
			Engine:   eng,
			Breaker:  brk,
			Executor: exec,
			Monitor:  mon,
			Gateway:  gateway,
			Oracle:   orc,
		}),
		Orders:    handler.NewOrderHandler(mon, deps.FillStore, a.logger),
		Inventory: handler.NewInventoryHandler(inv, deps.AuditStore, a.logger),
	}, deps.Hub, deps.APILimiter, a.logger)
}

// fillEvent is the payload appended to the fill stream.
type fillEvent struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// fillRecorder journals every fill and appends it to the fill stream.
func (a *App) fillRecorder(deps *Dependencies) func(domain.Fill) {
	return func(f domain.Fill) {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if deps.FillStore != nil {
			if err := deps.FillStore.Insert(ctx, f); err != nil {
				a.logger.WarnContext(ctx, "journal fill failed",
					slog.String("order_id", f.OrderID),
					slog.String("error", err.Error()),
				)
			}
		}

		payload, err := json.Marshal(fillEvent{
			OrderID:   f.OrderID,
			Symbol:    f.Symbol,
			Side:      string(f.Side),
			Quantity:  f.Quantity,
			Price:     f.Price,
			Fee:       f.Fee,
			Timestamp: f.Timestamp,
		})
		if err != nil {
			return
		}
		if err := deps.Bus.StreamAppend(ctx, a.cfg.Redis.FillStream, payload); err != nil {
			a.logger.WarnContext(ctx, "append fill stream failed", slog.String("error", err.Error()))
		}
	}
}

// audit writes a journal entry when the journal is enabled.
func (a *App) audit(deps *Dependencies, event string, detail map[string]any) {
	if deps.AuditStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := deps.AuditStore.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// activeSymbols returns symbols minus excluded, preserving order.
func activeSymbols(symbols, excluded []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !slices.Contains(excluded, s) {
			out = append(out, s)
		}
	}
	return out
}
