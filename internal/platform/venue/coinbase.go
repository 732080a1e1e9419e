package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// Coinbase reads /products/{id}/ticker from the Exchange API. Coinbase lists
// USD rather than USDT books for most assets, so USDT quotes are mapped to USD.
type Coinbase struct {
	rest restClient
}

// NewCoinbase creates a Coinbase product-ticker client.
func NewCoinbase(baseURL string, timeout time.Duration) *Coinbase {
	return &Coinbase{rest: newRESTClient(baseURL, timeout)}
}

// Name returns "coinbase".
func (c *Coinbase) Name() string { return "coinbase" }

type coinbaseTicker struct {
	Bid  string    `json:"bid"`
	Ask  string    `json:"ask"`
	Time time.Time `json:"time"`
}

// FetchQuote returns the current best bid/ask for symbol.
func (c *Coinbase) FetchQuote(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if quote == "USDT" {
		quote = "USD"
	}
	path := fmt.Sprintf("/products/%s/ticker", url.PathEscape(base+"-"+quote))

	body, err := c.rest.doGet(ctx, path)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/coinbase: ticker %s: %w", symbol, err)
	}
	var t coinbaseTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/coinbase: decode ticker: %w", err)
	}
	at := t.Time.UTC()
	if t.Time.IsZero() {
		at = time.Now().UTC()
	}
	return buildQuote(c.Name(), symbol, t.Bid, t.Ask, at)
}

var _ domain.Venue = (*Coinbase)(nil)
