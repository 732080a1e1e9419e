package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	// The venue pings every 20s.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// MarketStream is the combined depth+trade push feed. It implements
// domain.DepthStream; one Run call owns one connection.
type MarketStream struct {
	wsURL       string
	depthLevels int
	updateSpeed string
	nextID      atomic.Int64
	logger      *slog.Logger
}

// NewMarketStream creates a market stream against wsURL, e.g.
// "wss://stream.binance.com:9443/stream". depthLevels must be 5, 10 or 20.
func NewMarketStream(wsURL string, depthLevels int, logger *slog.Logger) *MarketStream {
	switch depthLevels {
	case 5, 10, 20:
	default:
		depthLevels = 20
	}
	return &MarketStream{
		wsURL:       strings.TrimRight(wsURL, "/"),
		depthLevels: depthLevels,
		updateSpeed: "100ms",
		logger:      logger.With(slog.String("component", "binance_ws")),
	}
}

// Run connects, subscribes to depth and trade streams for symbols and
// dispatches updates until ctx is cancelled (nil) or the connection drops
// (wrapped domain.ErrWSDisconnect).
func (s *MarketStream) Run(ctx context.Context, symbols []string, onBook domain.BookHandler, onTrade domain.TradeHandler) error {
	byStream := make(map[string]string, len(symbols))
	params := make([]string, 0, 2*len(symbols))
	for _, sym := range symbols {
		byStream[strings.ToLower(nativeSymbol(sym))] = sym
		params = append(params,
			streamName(sym, fmt.Sprintf("depth%d@%s", s.depthLevels, s.updateSpeed)),
			streamName(sym, "trade"),
		)
	}

	conn, err := dial(ctx, s.wsURL)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w: %w", domain.ErrWSDisconnect, err)
	}
	defer conn.Close()

	cmd := WSCommand{Method: "SUBSCRIBE", Params: params, ID: s.nextID.Add(1)}
	if err := writeJSON(conn, cmd); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w: %w", domain.ErrWSDisconnect, err)
	}
	s.logger.Info("market stream subscribed", slog.Int("streams", len(params)))

	return readLoop(ctx, conn, func(raw []byte) {
		s.handleMessage(raw, byStream, onBook, onTrade)
	})
}

func (s *MarketStream) handleMessage(raw []byte, byStream map[string]string, onBook domain.BookHandler, onTrade domain.TradeHandler) {
	var env wsCombined
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" {
		return // subscription acks and unparseable frames
	}
	native, kind, ok := strings.Cut(env.Stream, "@")
	if !ok {
		return
	}
	symbol, known := byStream[native]
	if !known {
		return
	}

	switch {
	case strings.HasPrefix(kind, "depth"):
		var d wsPartialDepth
		if err := json.Unmarshal(env.Data, &d); err != nil {
			s.logger.Debug("bad depth frame", slog.String("error", err.Error()))
			return
		}
		if onBook != nil {
			onBook(domain.OrderbookSnapshot{
				Symbol:     symbol,
				Bids:       d.Bids.toDomain(),
				Asks:       d.Asks.toDomain(),
				Source:     "push",
				ObservedAt: time.Now().UTC(),
			})
		}
	case kind == "trade":
		var t wsTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return
		}
		if onTrade != nil {
			onTrade(domain.Trade{
				Symbol:    symbol,
				Price:     parseFloat(t.Price),
				Size:      parseFloat(t.Quantity),
				Timestamp: msToTime(t.TradeTime),
			})
		}
	}
}

// --------------------------------------------------------------------------
// Connection helpers shared with the user-data stream
// --------------------------------------------------------------------------

func dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Server pings must be answered with a pong carrying the same payload.
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return conn, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches frames until ctx ends or the read fails. It also
// keeps the connection alive with client pings.
func readLoop(ctx context.Context, conn *websocket.Conn, handle func([]byte)) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("binance/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(message)
	}
}

var _ domain.DepthStream = (*MarketStream)(nil)
