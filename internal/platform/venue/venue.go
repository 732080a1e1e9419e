// Package venue implements reference-price clients for external spot
// exchanges. Each client answers domain.Venue with the current best bid/ask.
package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Default REST roots.
const (
	BinanceURL  = "https://api.binance.com"
	OKXURL      = "https://www.okx.com"
	CoinbaseURL = "https://api.exchange.coinbase.com"
)

// New builds a venue by name. An empty baseURL selects the public endpoint.
func New(name, baseURL string, timeout time.Duration) (domain.Venue, error) {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinance(orDefault(baseURL, BinanceURL), timeout), nil
	case "okx":
		return NewOKX(orDefault(baseURL, OKXURL), timeout), nil
	case "coinbase":
		return NewCoinbase(orDefault(baseURL, CoinbaseURL), timeout), nil
	default:
		return nil, fmt.Errorf("venue: unknown venue %q: %w", name, domain.ErrUnsupported)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// restClient is the unauthenticated GET helper shared by the venue clients.
type restClient struct {
	baseURL    string
	httpClient *http.Client
}

func newRESTClient(baseURL string, timeout time.Duration) restClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return restClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c restClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound, http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// splitSymbol splits a canonical "BASE/QUOTE" symbol.
func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("venue: malformed symbol %q", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// buildQuote validates a bid/ask pair and fills in the mid.
func buildQuote(venue, symbol, bidStr, askStr string, at time.Time) (domain.PriceQuote, error) {
	bid, err := strconv.ParseFloat(bidStr, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue: %s: parse bid %q: %w", venue, bidStr, err)
	}
	ask, err := strconv.ParseFloat(askStr, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue: %s: parse ask %q: %w", venue, askStr, err)
	}
	if bid <= 0 || ask <= 0 || bid > ask {
		return domain.PriceQuote{}, fmt.Errorf("venue: %s: %s bad book bid=%g ask=%g", venue, symbol, bid, ask)
	}
	return domain.PriceQuote{
		Symbol:     symbol,
		Venue:      venue,
		Bid:        bid,
		Ask:        ask,
		Mid:        (bid + ask) / 2,
		ObservedAt: at,
	}, nil
}
