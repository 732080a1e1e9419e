package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// listenKeyKeepAlive is how often the listen key is extended. Keys expire
// after 60 minutes without a keepalive.
const listenKeyKeepAlive = 30 * time.Minute

// UserStream is the order-update push feed. It implements domain.OrderStream.
type UserStream struct {
	client *Client
	wsURL  string
	logger *slog.Logger

	mu   sync.Mutex
	fees map[string]float64 // order id -> cumulative fee in quote units
}

// NewUserStream creates a user-data stream. wsURL is the raw-stream root,
// e.g. "wss://stream.binance.com:9443/ws".
func NewUserStream(client *Client, wsURL string, logger *slog.Logger) *UserStream {
	return &UserStream{
		client: client,
		wsURL:  strings.TrimRight(wsURL, "/"),
		logger: logger.With(slog.String("component", "binance_user_stream")),
		fees:   make(map[string]float64),
	}
}

// Run opens a listen key and forwards executionReport events as orders until
// ctx ends or the connection drops. Without API credentials it returns
// domain.ErrUnsupported.
func (u *UserStream) Run(ctx context.Context, onOrder domain.OrderHandler) error {
	if u.client.auth == nil {
		return fmt.Errorf("binance/user: %w: no api credentials", domain.ErrUnsupported)
	}
	key, err := u.client.createListenKey(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = u.client.closeListenKey(closeCtx, key)
	}()

	conn, err := dial(ctx, u.wsURL+"/"+key)
	if err != nil {
		return fmt.Errorf("binance/user: connect: %w: %w", domain.ErrWSDisconnect, err)
	}
	defer conn.Close()
	u.logger.Info("user stream connected")

	keepCtx, stopKeep := context.WithCancel(ctx)
	defer stopKeep()
	go u.keepAlive(keepCtx, key)

	return readLoop(ctx, conn, func(raw []byte) {
		if o, ok := u.decode(raw); ok && onOrder != nil {
			onOrder(o)
		}
	})
}

func (u *UserStream) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := u.client.keepAliveListenKey(reqCtx, key); err != nil {
				u.logger.Warn("listen key keepalive failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// decode turns an executionReport into an order snapshot with a cumulative
// fee expressed in the quote asset.
func (u *UserStream) decode(raw []byte) (domain.Order, bool) {
	var r wsExecutionReport
	if err := json.Unmarshal(raw, &r); err != nil || r.EventType != "executionReport" {
		return domain.Order{}, false
	}
	symbol := u.client.CanonicalSymbol(r.Symbol)
	id := strconv.FormatInt(r.OrderID, 10)
	status := statusFromAPI(r.Status)

	fee := u.accumulateFee(id, symbol, r)
	if status.Terminal() {
		u.mu.Lock()
		delete(u.fees, id)
		u.mu.Unlock()
	}

	clientID := r.ClientOrderID
	if r.OrigClientID != "" {
		clientID = r.OrigClientID // cancels carry the original id in C
	}
	return domain.Order{
		ID:             id,
		ClientID:       clientID,
		Symbol:         symbol,
		Side:           sideFromAPI(r.Side),
		Price:          parseFloat(r.Price),
		Quantity:       parseFloat(r.Quantity),
		FilledQuantity: parseFloat(r.CumFilledQty),
		Fee:            fee,
		Status:         status,
		CreatedAt:      msToTime(r.CreationTime),
		UpdatedAt:      msToTime(r.TransactionTime),
	}, true
}

func (u *UserStream) accumulateFee(id, symbol string, r wsExecutionReport) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := parseFloat(r.Commission)
	if n > 0 {
		base, quote, _ := strings.Cut(symbol, "/")
		switch r.CommissionAsset {
		case quote:
			u.fees[id] += n
		case base:
			u.fees[id] += n * parseFloat(r.LastExecPrice)
		default:
			// Third-asset discounts (e.g. BNB) are not converted.
			u.logger.Debug("fee in foreign asset ignored",
				slog.String("order_id", id), slog.String("asset", r.CommissionAsset))
		}
	}
	return u.fees[id]
}

var _ domain.OrderStream = (*UserStream)(nil)
