package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// APIError is the error body returned by the REST API.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error codes that mean the order (or any open order) does not exist.
const (
	codeUnknownOrder   = -2011
	codeNoSuchOrder    = -2013
	codeTooManyOrders  = -1015
	codeTooManyWeights = -1003
)

type apiFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

type apiSymbol struct {
	Symbol     string      `json:"symbol"`
	Status     string      `json:"status"`
	BaseAsset  string      `json:"baseAsset"`
	QuoteAsset string      `json:"quoteAsset"`
	Filters    []apiFilter `json:"filters"`
}

type apiExchangeInfo struct {
	Symbols []apiSymbol `json:"symbols"`
}

// ToDomainMarket converts exchange-info rules into a domain.Market.
func (s *apiSymbol) ToDomainMarket() domain.Market {
	m := domain.Market{
		Symbol:     s.BaseAsset + "/" + s.QuoteAsset,
		ExchangeID: s.Symbol,
		Base:       s.BaseAsset,
		Quote:      s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			m.TickSize = parseFloat(f.TickSize)
		case "LOT_SIZE":
			m.LotSize = parseFloat(f.StepSize)
			m.MinQty = parseFloat(f.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			m.MinNotional = parseFloat(f.MinNotional)
		}
	}
	return m
}

// apiLevels decodes [["price","qty"], ...] arrays.
type apiLevels [][2]string

func (l apiLevels) toDomain() []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(l))
	for _, lv := range l {
		out = append(out, domain.PriceLevel{Price: parseFloat(lv[0]), Size: parseFloat(lv[1])})
	}
	return out
}

type apiDepth struct {
	LastUpdateID int64     `json:"lastUpdateId"`
	Bids         apiLevels `json:"bids"`
	Asks         apiLevels `json:"asks"`
}

// APIOrder is an order as returned by /api/v3/order and /api/v3/openOrders.
type APIOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

// ToDomainOrder converts the DTO. The REST API does not report commissions,
// so the fee is estimated from the filled quote amount and feeRate.
func (o *APIOrder) ToDomainOrder(symbol string, feeRate float64) domain.Order {
	created := o.Time
	if created == 0 {
		created = o.TransactTime
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = created
	}
	return domain.Order{
		ID:             strconv.FormatInt(o.OrderID, 10),
		ClientID:       o.ClientOrderID,
		Symbol:         symbol,
		Side:           sideFromAPI(o.Side),
		Price:          parseFloat(o.Price),
		Quantity:       parseFloat(o.OrigQty),
		FilledQuantity: parseFloat(o.ExecutedQty),
		Fee:            parseFloat(o.CummulativeQuoteQty) * feeRate,
		Status:         statusFromAPI(o.Status),
		CreatedAt:      msToTime(created),
		UpdatedAt:      msToTime(updated),
	}
}

type apiBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type apiAccount struct {
	Balances []apiBalance `json:"balances"`
}

type apiListenKey struct {
	ListenKey string `json:"listenKey"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is the method/params subscription envelope.
type WSCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsCombined is the envelope of the /stream endpoint.
type wsCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsPartialDepth is a <symbol>@depth<levels> payload.
type wsPartialDepth struct {
	LastUpdateID int64     `json:"lastUpdateId"`
	Bids         apiLevels `json:"bids"`
	Asks         apiLevels `json:"asks"`
}

// wsTrade is a <symbol>@trade payload.
type wsTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// wsExecutionReport is the user-data stream order update.
type wsExecutionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	Quantity        string `json:"q"`
	Price           string `json:"p"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastExecQty     string `json:"l"`
	CumFilledQty    string `json:"z"`
	LastExecPrice   string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactionTime int64  `json:"T"`
	CreationTime    int64  `json:"O"`
	OrigClientID    string `json:"C"`
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

func sideFromAPI(s string) domain.OrderSide {
	if strings.EqualFold(s, "SELL") {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func sideToAPI(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

// statusFromAPI folds the venue lifecycle into open/closed/canceled.
func statusFromAPI(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED":
		return domain.OrderStatusClosed
	case "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusOpen
	}
}

// nativeSymbol turns "BTC/USDT" into "BTCUSDT".
func nativeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// streamName turns "BTC/USDT" and a suffix into "btcusdt@suffix".
func streamName(symbol, suffix string) string {
	return strings.ToLower(nativeSymbol(symbol)) + "@" + suffix
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code %d: %s", e.Code, e.Msg)
}
