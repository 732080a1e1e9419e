package domain

import (
	"context"
	"time"
)

// PriceSource provides reference prices. Implemented by the oracle.
type PriceSource interface {
	GetPrice(symbol string) (PriceQuote, bool)
}

// OrderBookSource provides local order-book snapshots. Implemented by the
// market-data gateway.
type OrderBookSource interface {
	GetOrderbook(symbol string) (OrderbookSnapshot, bool)
	MidSamples(symbol string) []float64
	LastActivity() time.Time
	IsReady() bool
}

// ExchangeClient is the trading and public REST surface of the exchange.
type ExchangeClient interface {
	FetchMarkets(ctx context.Context) ([]Market, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (OrderbookSnapshot, error)
	FetchBalances(ctx context.Context) (map[string]Balance, error)
	CreateLimitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrder(ctx context.Context, symbol, orderID string) (Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
}

// BookHandler receives full order-book snapshots from a push feed.
type BookHandler func(OrderbookSnapshot)

// TradeHandler receives public trade prints from a push feed.
type TradeHandler func(Trade)

// DepthStream is a push market-data feed. Run blocks until the connection
// drops or ctx is cancelled; a nil return means a clean shutdown.
type DepthStream interface {
	Run(ctx context.Context, symbols []string, onBook BookHandler, onTrade TradeHandler) error
}

// OrderHandler receives order-state updates from a push feed.
type OrderHandler func(Order)

// OrderStream is a push subscription to our own order-state events. Run
// returns ErrUnsupported when the venue offers no such channel.
type OrderStream interface {
	Run(ctx context.Context, onOrder OrderHandler) error
}

// Venue is an external reference-price source.
type Venue interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (PriceQuote, error)
}
