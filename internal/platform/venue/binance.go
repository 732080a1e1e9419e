package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// Binance reads /api/v3/ticker/bookTicker.
type Binance struct {
	rest restClient
}

// NewBinance creates a Binance book-ticker client.
func NewBinance(baseURL string, timeout time.Duration) *Binance {
	return &Binance{rest: newRESTClient(baseURL, timeout)}
}

// Name returns "binance".
func (b *Binance) Name() string { return "binance" }

type binanceBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// FetchQuote returns the current best bid/ask for symbol.
func (b *Binance) FetchQuote(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	params := url.Values{}
	params.Set("symbol", base+quote)

	body, err := b.rest.doGet(ctx, "/api/v3/ticker/bookTicker?"+params.Encode())
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/binance: book ticker %s: %w", symbol, err)
	}
	var t binanceBookTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/binance: decode book ticker: %w", err)
	}
	return buildQuote(b.Name(), symbol, t.BidPrice, t.AskPrice, time.Now().UTC())
}

var _ domain.Venue = (*Binance)(nil)
