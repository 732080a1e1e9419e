package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// OKX reads /api/v5/market/ticker.
type OKX struct {
	rest restClient
}

// NewOKX creates an OKX ticker client.
func NewOKX(baseURL string, timeout time.Duration) *OKX {
	return &OKX{rest: newRESTClient(baseURL, timeout)}
}

// Name returns "okx".
func (o *OKX) Name() string { return "okx" }

type okxTickerResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID string `json:"instId"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
		TS     string `json:"ts"`
	} `json:"data"`
}

// FetchQuote returns the current best bid/ask for symbol.
func (o *OKX) FetchQuote(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	params := url.Values{}
	params.Set("instId", base+"-"+quote)

	body, err := o.rest.doGet(ctx, "/api/v5/market/ticker?"+params.Encode())
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/okx: ticker %s: %w", symbol, err)
	}
	var resp okxTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/okx: decode ticker: %w", err)
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return domain.PriceQuote{}, fmt.Errorf("venue/okx: ticker %s code=%s msg=%s: %w", symbol, resp.Code, resp.Msg, domain.ErrNotFound)
	}
	d := resp.Data[0]
	at := time.Now().UTC()
	if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil && ms > 0 {
		at = time.UnixMilli(ms).UTC()
	}
	return buildQuote(o.Name(), symbol, d.BidPx, d.AskPx, at)
}

var _ domain.Venue = (*OKX)(nil)
