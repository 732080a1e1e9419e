package domain

// Market holds the trading rules of one spot symbol.
type Market struct {
	Symbol      string // canonical "BASE/QUOTE"
	ExchangeID  string // venue-native id, e.g. "BTCUSDT"
	Base        string
	Quote       string
	TickSize    float64
	LotSize     float64
	MinQty      float64
	MinNotional float64
}

// Balance is the holding of one asset on the exchange.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free + locked.
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}
