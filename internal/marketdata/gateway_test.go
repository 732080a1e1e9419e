package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

type fakeStream struct {
	runs    atomic.Int64
	publish bool
}

func (f *fakeStream) Run(ctx context.Context, symbols []string, onBook domain.BookHandler, onTrade domain.TradeHandler) error {
	f.runs.Add(1)
	if !f.publish {
		return errors.New("dial refused")
	}
	onBook(book(symbols[0], 100, "push", time.Now()))
	onTrade(domain.Trade{Symbol: symbols[0], Price: 100, Size: 1, Timestamp: time.Now()})
	<-ctx.Done()
	return nil
}

type fakeREST struct {
	calls atomic.Int64
}

func (f *fakeREST) FetchOrderBook(_ context.Context, symbol string, _ int) (domain.OrderbookSnapshot, error) {
	f.calls.Add(1)
	return book(symbol, 200, "", time.Now()), nil
}

func book(symbol string, mid float64, source string, at time.Time) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Symbol:     symbol,
		Bids:       []domain.PriceLevel{{Price: mid - 0.1, Size: 1}},
		Asks:       []domain.PriceLevel{{Price: mid + 0.1, Size: 1}},
		Source:     source,
		ObservedAt: at,
	}
}

func fastConfig() Config {
	return Config{
		GraceWindow:    30 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: 50 * time.Millisecond,
		ReconnectDelay: time.Millisecond,
		MaxReconnects:  3,
		DepthLevels:    20,
		SampleWindow:   4,
	}
}

func TestPushFeedKeepsPollerOff(t *testing.T) {
	stream := &fakeStream{publish: true}
	rest := &fakeREST{}
	g := New(stream, rest, fastConfig(), slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Run(ctx, []string{"BTC/USDT"}))

	assert.Zero(t, rest.calls.Load())
	snap, ok := g.GetOrderbook("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "push", snap.Source)
	assert.True(t, g.IsReady())
	assert.False(t, g.LastActivity().IsZero())
}

func TestReconnectBudgetFallsBackToPolling(t *testing.T) {
	stream := &fakeStream{publish: false}
	rest := &fakeREST{}
	g := New(stream, rest, fastConfig(), slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Run(ctx, []string{"BTC/USDT"}))

	assert.Equal(t, int64(4), stream.runs.Load(), "one dial plus three reconnects")
	st := g.Status()
	assert.True(t, st.PollOnly)
	assert.True(t, st.Polling)
	assert.Equal(t, int64(3), st.Reconnects)
	assert.Positive(t, rest.calls.Load())

	snap, ok := g.GetOrderbook("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "poll", snap.Source)
}

func TestNoStreamPollsImmediately(t *testing.T) {
	rest := &fakeREST{}
	g := New(nil, rest, fastConfig(), slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Run(ctx, []string{"BTC/USDT", "ETH/USDT"}))
	_, ok := g.GetOrderbook("ETH/USDT")
	assert.True(t, ok)
}

func TestLastWriteWinsAndSampleWindow(t *testing.T) {
	g := New(nil, &fakeREST{}, fastConfig(), slog.Default())
	now := time.Now()

	g.onBook(book("BTC/USDT", 100, "push", now))
	g.onBook(book("BTC/USDT", 90, "poll", now.Add(-time.Second)))
	snap, _ := g.GetOrderbook("BTC/USDT")
	assert.InDelta(t, 100.0, snap.Mid(), 1e-9, "older snapshot dropped")

	for i := 1; i <= 6; i++ {
		g.onBook(book("BTC/USDT", 100+float64(i), "push", now.Add(time.Duration(i)*time.Millisecond)))
	}
	samples := g.MidSamples("BTC/USDT")
	require.Len(t, samples, 4)
	assert.InDelta(t, 103.0, samples[0], 1e-9)
	assert.InDelta(t, 106.0, samples[3], 1e-9)
}
