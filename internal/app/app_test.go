package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/config"
	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/ratelimit"
)

type recordingBus struct {
	mu      sync.Mutex
	err     error
	streams map[string][][]byte
}

func (b *recordingBus) Publish(context.Context, string, []byte) error { return b.err }

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = map[string][][]byte{}
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return b.err
}

type recordingFills struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (r *recordingFills) Insert(_ context.Context, f domain.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
	return nil
}

func (r *recordingFills) ListRecent(context.Context, string, int) ([]domain.Fill, error) {
	return nil, nil
}

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Defaults()
	return New(&cfg, slog.New(slog.DiscardHandler))
}

func TestActiveSymbolsPreservesOrder(t *testing.T) {
	got := activeSymbols([]string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, []string{"ETH/USDT"})
	assert.Equal(t, []string{"BTC/USDT", "SOL/USDT"}, got)
	assert.Empty(t, activeSymbols([]string{"BTC/USDT"}, []string{"BTC/USDT"}))
}

func TestFanoutBusDeliversToEveryBus(t *testing.T) {
	ok := &recordingBus{}
	failing := &recordingBus{err: errors.New("redis down")}
	bus := fanoutBus{failing, ok}

	err := bus.StreamAppend(context.Background(), "fills", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Len(t, ok.streams["fills"], 1)

	assert.NoError(t, fanoutBus{ok}.Publish(context.Background(), "events", []byte(`{}`)))
}

func TestWireWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Redis)
	assert.Nil(t, deps.Postgres)
	assert.Nil(t, deps.OrderStore)
	assert.Nil(t, deps.FillStore)
	assert.Nil(t, deps.AuditStore)
	assert.IsType(t, &ratelimit.SlidingWindow{}, deps.RateLimiter)
	require.NotNil(t, deps.Hub)
	assert.Equal(t, fanoutBus{deps.Hub}, deps.Bus)
	assert.False(t, deps.Notifier.Enabled())
}

func TestFillRecorderJournalsAndStreams(t *testing.T) {
	a := testApp(t)
	bus := &recordingBus{}
	fills := &recordingFills{}
	deps := &Dependencies{Bus: bus, FillStore: fills}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.fillRecorder(deps)(domain.Fill{
		OrderID:   "o-1",
		Symbol:    "BTC/USDT",
		Side:      domain.OrderSideBuy,
		Quantity:  0.5,
		Price:     100,
		Fee:       0.05,
		Timestamp: ts,
	})

	require.Len(t, fills.fills, 1)
	assert.Equal(t, "o-1", fills.fills[0].OrderID)

	entries := bus.streams[a.cfg.Redis.FillStream]
	require.Len(t, entries, 1)
	var ev fillEvent
	require.NoError(t, json.Unmarshal(entries[0], &ev))
	assert.Equal(t, "buy", ev.Side)
	assert.InDelta(t, 0.5, ev.Quantity, 1e-12)
	assert.True(t, ev.Timestamp.Equal(ts))
}

func TestUnsupportedMode(t *testing.T) {
	a := testApp(t)
	a.cfg.Mode = "backtest"
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}
