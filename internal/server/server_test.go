package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/engine"
	"github.com/alanyoungcy/spotmaker/internal/executor"
	"github.com/alanyoungcy/spotmaker/internal/marketdata"
	"github.com/alanyoungcy/spotmaker/internal/monitor"
	"github.com/alanyoungcy/spotmaker/internal/ratelimit"
	"github.com/alanyoungcy/spotmaker/internal/server/handler"
	"github.com/alanyoungcy/spotmaker/internal/server/ws"
)

type fakeEngine struct{ halted bool }

func (f fakeEngine) Status() []engine.SymbolStatus {
	return []engine.SymbolStatus{{Symbol: "BTC/USDT", State: engine.StateQuoting, Bid: 99.5, Ask: 100.5, Quantity: 0.1}}
}
func (f fakeEngine) Halted() bool { return f.halted }
func (f fakeEngine) Ticks() int64 { return 42 }

type fakeBreaker struct{}

func (fakeBreaker) State() domain.BreakerState {
	return domain.BreakerState{InitialCapital: 10000}
}

type fakeExecutor struct{}

func (fakeExecutor) Stats() executor.Stats { return executor.Stats{Placed: 6} }

type fakeMonitor struct{ orders []domain.Order }

func (f fakeMonitor) Stats() monitor.Stats { return monitor.Stats{Mode: "stream", Active: len(f.orders)} }

func (f fakeMonitor) GetActiveOrders(symbol string) []domain.Order {
	var out []domain.Order
	for _, o := range f.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

type fakeGateway struct{}

func (fakeGateway) Status() marketdata.Status { return marketdata.Status{Symbols: 1} }

type fakeOracle struct{}

func (fakeOracle) Venue(string) string { return "binance" }

type fakeInventory struct{}

func (fakeInventory) Snapshot() domain.InventorySnapshot {
	return domain.InventorySnapshot{
		QuoteAsset:   "USDT",
		QuoteBalance: 5000,
		Base:         map[string]float64{"BTC/USDT": 0.6},
		Target:       map[string]float64{"BTC/USDT": 0.5},
	}
}
func (fakeInventory) GetSkew(string) float64 { return 0.2 }

type fakeFills struct{ err error }

func (f fakeFills) Insert(context.Context, domain.Fill) error { return nil }

func (f fakeFills) ListRecent(_ context.Context, symbol string, limit int) ([]domain.Fill, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Fill{{OrderID: "o-1", Symbol: symbol, Side: domain.OrderSideBuy, Quantity: 0.5, Price: 100}}, nil
}

type fakeAudit struct{}

func (fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (fakeAudit) List(context.Context, int) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: 1, Event: "breaker_trip", Detail: map[string]any{"reason": "drawdown"}}}, nil
}

type testOpts struct {
	apiKey  string
	fills   domain.FillStore
	audit   domain.AuditStore
	checks  map[string]handler.HealthCheck
	limit   int
	limiter domain.RateLimiter
	hub     *ws.Hub
}

func newTestServer(opts testOpts) *Server {
	logger := slog.New(slog.DiscardHandler)
	mon := fakeMonitor{orders: []domain.Order{
		{ID: "b-1", Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Price: 99.5, Quantity: 0.1, Status: domain.OrderStatusOpen},
		{ID: "a-1", Symbol: "ETH/USDT", Side: domain.OrderSideSell, Price: 2001, Quantity: 1, Status: domain.OrderStatusOpen},
	}}
	return NewServer(Config{
		Port:       0,
		APIKey:     opts.apiKey,
		RateLimit:  opts.limit,
		RateWindow: time.Minute,
	}, Handlers{
		Health: handler.NewHealthHandler(opts.checks, logger),
		Status: handler.NewStatusHandler(handler.StatusSources{
			Mode:     "paper",
			Symbols:  []string{"BTC/USDT"},
			Engine:   fakeEngine{},
			Breaker:  fakeBreaker{},
			Executor: fakeExecutor{},
			Monitor:  mon,
			Gateway:  fakeGateway{},
			Oracle:   fakeOracle{},
		}),
		Orders:    handler.NewOrderHandler(mon, opts.fills, logger),
		Inventory: handler.NewInventoryHandler(fakeInventory{}, opts.audit, logger),
	}, opts.hub, opts.limiter, logger)
}

func do(t *testing.T, h http.Handler, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthIsPublicAndReportsChecks(t *testing.T) {
	srv := newTestServer(testOpts{
		apiKey: "secret",
		checks: map[string]handler.HealthCheck{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rec, body := do(t, srv.Handler(), "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["redis"])
	assert.Equal(t, "connection refused", checks["postgres"])
}

func TestAuthRequiredForStatus(t *testing.T) {
	srv := newTestServer(testOpts{apiKey: "secret"})

	rec, _ := do(t, srv.Handler(), "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, srv.Handler(), "/api/status", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid authentication token", body["error"])
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec, _ = do(t, srv.Handler(), "/api/status", map[string]string{"Authorization": "bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv.Handler(), "/api/status", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The query parameter is only honoured on a WebSocket handshake.
	rec, _ = do(t, srv.Handler(), "/api/status?api_key=secret", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebSocketAuthByQueryParameter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub("paper", slog.New(slog.DiscardHandler))
	go hub.Run(ctx)

	srv := newTestServer(testOpts{apiKey: "secret", hub: hub})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?api_key=secret", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["channel"])
}

func TestStatusAggregatesComponents(t *testing.T) {
	srv := newTestServer(testOpts{})

	rec, body := do(t, srv.Handler(), "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, false, body["halted"])
	assert.EqualValues(t, 42, body["ticks"])
	assert.Equal(t, map[string]any{"BTC/USDT": "binance"}, body["venues"])

	symbols := body["symbols"].([]any)
	require.Len(t, symbols, 1)
	assert.Equal(t, "quoting", symbols[0].(map[string]any)["state"])

	assert.EqualValues(t, 10000, body["breaker"].(map[string]any)["initial_capital"])
	assert.EqualValues(t, 6, body["executor"].(map[string]any)["placed"])
	assert.Equal(t, "stream", body["monitor"].(map[string]any)["mode"])
	assert.EqualValues(t, 1, body["market_data"].(map[string]any)["symbols"])
}

func TestOrdersFilterBySymbol(t *testing.T) {
	srv := newTestServer(testOpts{})

	_, body := do(t, srv.Handler(), "/api/orders", nil)
	assert.Len(t, body["orders"], 2)

	_, body = do(t, srv.Handler(), "/api/orders?symbol=BTC/USDT", nil)
	orders := body["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "b-1", orders[0].(map[string]any)["id"])
	assert.Equal(t, "buy", orders[0].(map[string]any)["side"])
}

func TestJournalEndpointsWithoutStores(t *testing.T) {
	srv := newTestServer(testOpts{})

	rec, _ := do(t, srv.Handler(), "/api/fills", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, srv.Handler(), "/api/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJournalEndpoints(t *testing.T) {
	srv := newTestServer(testOpts{fills: fakeFills{}, audit: fakeAudit{}})

	rec, body := do(t, srv.Handler(), "/api/fills?symbol=BTC/USDT&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fills := body["fills"].([]any)
	require.Len(t, fills, 1)
	assert.Equal(t, "BTC/USDT", fills[0].(map[string]any)["symbol"])

	rec, body = do(t, srv.Handler(), "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "breaker_trip", entries[0].(map[string]any)["event"])
}

func TestFillStoreErrorIs500(t *testing.T) {
	srv := newTestServer(testOpts{fills: fakeFills{err: errors.New("db down")}})

	rec, body := do(t, srv.Handler(), "/api/fills", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to list fills", body["error"])
}

func TestInventory(t *testing.T) {
	srv := newTestServer(testOpts{})

	rec, body := do(t, srv.Handler(), "/api/inventory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "USDT", body["quote_asset"])
	pos := body["positions"].(map[string]any)["BTC/USDT"].(map[string]any)
	assert.InDelta(t, 0.6, pos["base"], 1e-9)
	assert.InDelta(t, 0.5, pos["target"], 1e-9)
	assert.InDelta(t, 0.2, pos["skew"], 1e-9)
}

func TestRateLimitPerClient(t *testing.T) {
	srv := newTestServer(testOpts{limit: 2, limiter: ratelimit.NewSlidingWindow()})
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, "/api/status", map[string]string{"X-Real-IP": "10.0.0.1"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := do(t, h, "/api/status", map[string]string{"X-Real-IP": "10.0.0.1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", body["error"])

	rec, _ = do(t, h, "/api/status", map[string]string{"X-Real-IP": "10.0.0.2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHubStreamsPublishedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub("paper", slog.New(slog.DiscardHandler))
	go hub.Run(ctx)

	srv := newTestServer(testOpts{hub: hub})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["channel"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, "spotmm:events", []byte(`{"type":"refresh","symbol":"BTC/USDT"}`)))

	var msg struct {
		Channel string         `json:"channel"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "spotmm:events", msg.Channel)
	assert.Equal(t, "refresh", msg.Data["type"])
}

func TestHubHonoursUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub("paper", slog.New(slog.DiscardHandler))
	go hub.Run(ctx)

	srv := newTestServer(testOpts{hub: hub})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "channels": []string{"*"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "channels": []string{"spotmm:fills"}}))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// The subscription change travels over the socket; give it a moment to land.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Publish(ctx, "spotmm:events", []byte(`{"type":"halt"}`)))
	require.NoError(t, hub.StreamAppend(ctx, "spotmm:fills", []byte(`{"order_id":"o-1"}`)))

	var msg struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "spotmm:fills", msg.Channel)
}
