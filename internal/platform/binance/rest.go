// Package binance implements the Binance-compatible spot exchange: the signed
// REST trading API, the combined market-data stream and the user-data stream.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// ClientConfig holds the REST connection parameters.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
	Timeout    time.Duration
	// FeeRate estimates commissions for REST order snapshots, which do not
	// carry them.
	FeeRate float64
}

// Client is the REST client for the spot API. It implements
// domain.ExchangeClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *HMACAuth
	recvWindow time.Duration
	feeRate    float64

	mu        sync.RWMutex
	canonical map[string]string // native id -> "BASE/QUOTE"
}

// NewClient creates a REST client. Signed endpoints fail with
// domain.ErrUnauthorized when no API key is configured.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var auth *HMACAuth
	if cfg.APIKey != "" && cfg.APISecret != "" {
		auth = &HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		recvWindow: cfg.RecvWindow,
		feeRate:    cfg.FeeRate,
		canonical:  make(map[string]string),
	}
}

// FetchMarkets returns the trading rules of every TRADING symbol and
// remembers the native id mapping used by the streams.
func (c *Client) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	var info apiExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("binance: decode exchange info: %w", err)
	}

	markets := make([]domain.Market, 0, len(info.Symbols))
	c.mu.Lock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Status != "TRADING" {
			continue
		}
		m := s.ToDomainMarket()
		c.canonical[m.ExchangeID] = m.Symbol
		markets = append(markets, m)
	}
	c.mu.Unlock()
	return markets, nil
}

// FetchOrderBook returns a depth snapshot with up to limit levels per side.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderbookSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("limit", strconv.Itoa(depthLimit(limit)))

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/depth", params, false)
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("binance: depth %s: %w", symbol, err)
	}
	var d apiDepth
	if err := json.Unmarshal(body, &d); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("binance: decode depth: %w", err)
	}
	return domain.OrderbookSnapshot{
		Symbol:     symbol,
		Bids:       d.Bids.toDomain(),
		Asks:       d.Asks.toDomain(),
		Source:     "poll",
		ObservedAt: time.Now().UTC(),
	}, nil
}

// FetchBalances returns every asset balance keyed by asset code.
func (c *Client) FetchBalances(ctx context.Context) (map[string]domain.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("binance: account: %w", err)
	}
	var acct apiAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}
	out := make(map[string]domain.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		out[b.Asset] = domain.Balance{Asset: b.Asset, Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
	}
	return out, nil
}

// CreateLimitOrder submits a GTC limit order.
func (c *Client) CreateLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(req.Symbol))
	params.Set("side", sideToAPI(req.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", decimal.NewFromFloat(req.Price).String())
	params.Set("quantity", decimal.NewFromFloat(req.Quantity).String())
	params.Set("newOrderRespType", "RESULT")
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: create order %s: %w", req.Symbol, err)
	}
	var o APIOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return domain.Order{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return o.ToDomainOrder(req.Symbol, c.feeRate), nil
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("orderId", orderID)
	if _, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, true); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order on symbol. Having nothing to
// cancel is not an error.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/openOrders", params, true)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("binance: cancel all %s: %w", symbol, err)
	}
	return nil
}

// FetchOrder returns the current state of one order.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("orderId", orderID)

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: get order %s: %w", orderID, err)
	}
	var o APIOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return domain.Order{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return o.ToDomainOrder(symbol, c.feeRate), nil
}

// FetchOpenOrders lists open orders, for one symbol or for all when symbol
// is empty.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", nativeSymbol(symbol))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("binance: open orders: %w", err)
	}
	var raw []APIOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode open orders: %w", err)
	}
	out := make([]domain.Order, 0, len(raw))
	for i := range raw {
		sym := symbol
		if sym == "" {
			sym = c.CanonicalSymbol(raw[i].Symbol)
		}
		out = append(out, raw[i].ToDomainOrder(sym, c.feeRate))
	}
	return out, nil
}

// CanonicalSymbol maps a native id such as "BTCUSDT" to "BTC/USDT". Unknown
// ids are split on a well-known quote suffix.
func (c *Client) CanonicalSymbol(native string) string {
	c.mu.RLock()
	s, ok := c.canonical[native]
	c.mu.RUnlock()
	if ok {
		return s
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(native, q) && len(native) > len(q) {
			return native[:len(native)-len(q)] + "/" + q
		}
	}
	return native
}

var knownQuotes = []string{"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// --------------------------------------------------------------------------
// Listen keys for the user-data stream
// --------------------------------------------------------------------------

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/api/v3/userDataStream", nil)
	if err != nil {
		return "", fmt.Errorf("binance: create listen key: %w", err)
	}
	var lk apiListenKey
	if err := json.Unmarshal(body, &lk); err != nil {
		return "", fmt.Errorf("binance: decode listen key: %w", err)
	}
	return lk.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	if _, err := c.doKeyed(ctx, http.MethodPut, "/api/v3/userDataStream", params); err != nil {
		return fmt.Errorf("binance: keepalive listen key: %w", err)
	}
	return nil
}

func (c *Client) closeListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := c.doKeyed(ctx, http.MethodDelete, "/api/v3/userDataStream", params)
	return err
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest sends a request with params in the query string. Signed requests
// carry the API key header and an HMAC signature.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	query := ""
	if signed {
		if c.auth == nil {
			return nil, fmt.Errorf("%w: no api credentials", domain.ErrUnauthorized)
		}
		query = c.auth.SignedQuery(params, c.recvWindow)
	} else if len(params) > 0 {
		query = params.Encode()
	}
	target := c.baseURL + path
	if query != "" {
		target += "?" + query
	}
	return c.send(ctx, method, target, signed)
}

// doKeyed sends an API-key-only request (no signature).
func (c *Client) doKeyed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("%w: no api credentials", domain.ErrUnauthorized)
	}
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return c.send(ctx, method, target, true)
}

func (c *Client) send(ctx context.Context, method, target string, withKey bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if withKey && c.auth != nil {
		req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	}

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

// checkHTTPStatus maps non-2xx responses to domain errors, using the API
// error code where the status alone is ambiguous.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr APIError
	_ = json.Unmarshal(body, &apiErr)
	bodyStr := string(body)

	switch {
	case apiErr.Code == codeUnknownOrder || apiErr.Code == codeNoSuchOrder:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case apiErr.Code == codeTooManyOrders || apiErr.Code == codeTooManyWeights:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// depthLimit rounds n up to a limit the depth endpoint accepts.
func depthLimit(n int) int {
	for _, v := range []int{5, 10, 20, 50, 100, 500, 1000, 5000} {
		if n <= v {
			return v
		}
	}
	return 5000
}

var _ domain.ExchangeClient = (*Client)(nil)
