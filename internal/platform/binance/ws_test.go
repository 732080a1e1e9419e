package binance

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestMarketStreamDispatch(t *testing.T) {
	subscribed := make(chan WSCommand, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var cmd WSCommand
		require.NoError(t, conn.ReadJSON(&cmd))
		subscribed <- cmd
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":5,"bids":[["99.9","1"]],"asks":[["100.1","2"]]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"100","q":"0.5","T":1700000000000}}`))
		// Hold the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewMarketStream(wsURL(srv, "/stream"), 20, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var books []domain.OrderbookSnapshot
	var trades []domain.Trade
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.Run(ctx, []string{"BTC/USDT"},
			func(s domain.OrderbookSnapshot) { mu.Lock(); books = append(books, s); mu.Unlock() },
			func(tr domain.Trade) { mu.Lock(); trades = append(trades, tr); mu.Unlock() },
		)
	}()

	cmd := <-subscribed
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.ElementsMatch(t, []string{"btcusdt@depth20@100ms", "btcusdt@trade"}, cmd.Params)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(books) == 1 && len(trades) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "BTC/USDT", books[0].Symbol)
	assert.Equal(t, "push", books[0].Source)
	assert.Equal(t, 100.0, books[0].Mid())
	assert.Equal(t, 0.5, trades[0].Size)
	mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMarketStreamDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		var cmd WSCommand
		_ = conn.ReadJSON(&cmd)
		conn.Close()
	}))
	defer srv.Close()

	err := NewMarketStream(wsURL(srv, "/stream"), 5, slog.Default()).
		Run(context.Background(), []string{"BTC/USDT"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestUserStreamExecutionReports(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		_, _ = w.Write([]byte(`{"listenKey":"lk1"}`))
	})
	mux.HandleFunc("DELETE /api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/ws/lk1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		partial := map[string]any{"e": "executionReport", "s": "BTCUSDT", "c": "cid", "S": "BUY", "q": "1", "p": "100",
			"X": "PARTIALLY_FILLED", "i": 9, "l": "0.4", "z": "0.4", "L": "100", "n": "0.04", "N": "USDT", "T": 1700000000000, "O": 1700000000000}
		filled := map[string]any{"e": "executionReport", "s": "BTCUSDT", "c": "cid", "S": "BUY", "q": "1", "p": "100",
			"X": "FILLED", "i": 9, "l": "0.6", "z": "1", "L": "100", "n": "0.0006", "N": "BTC", "T": 1700000001000, "O": 1700000000000}
		for _, m := range []map[string]any{partial, filled} {
			data, _ := json.Marshal(m)
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	us := NewUserStream(client, wsURL(srv, "/ws"), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orders := make(chan domain.Order, 4)
	go func() { _ = us.Run(ctx, func(o domain.Order) { orders <- o }) }()

	first := <-orders
	assert.Equal(t, "9", first.ID)
	assert.Equal(t, "BTC/USDT", first.Symbol)
	assert.Equal(t, domain.OrderStatusOpen, first.Status)
	assert.Equal(t, 0.4, first.FilledQuantity)
	assert.InDelta(t, 0.04, first.Fee, 1e-12)

	second := <-orders
	assert.Equal(t, domain.OrderStatusClosed, second.Status)
	assert.Equal(t, 1.0, second.FilledQuantity)
	assert.InDelta(t, 0.1, second.Fee, 1e-12, "base-asset commission converted at last price")
}

func TestUserStreamWithoutKeys(t *testing.T) {
	us := NewUserStream(NewClient(ClientConfig{}), "ws://unused", slog.Default())
	assert.ErrorIs(t, us.Run(context.Background(), nil), domain.ErrUnsupported)
}
