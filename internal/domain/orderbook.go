package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a full multi-level view of one symbol. Bids are sorted
// descending, asks ascending. Snapshots are replaced wholesale, never merged.
type OrderbookSnapshot struct {
	Symbol     string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Source     string // "push" or "poll"
	ObservedAt time.Time
}

// BestBid returns the top bid price, or 0 when the side is empty.
func (s OrderbookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the side is empty.
func (s OrderbookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// Mid returns the average of best bid and best ask, or 0 if either is missing.
func (s OrderbookSnapshot) Mid() float64 {
	bid, ask := s.BestBid(), s.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns ask - bid relative to mid.
func (s OrderbookSnapshot) SpreadPct() float64 {
	mid := s.Mid()
	if mid <= 0 {
		return 0
	}
	return (s.BestAsk() - s.BestBid()) / mid
}

// DepthNotional sums price*size over the first n levels of both sides.
func (s OrderbookSnapshot) DepthNotional(n int) float64 {
	var total float64
	for i := 0; i < n && i < len(s.Bids); i++ {
		total += s.Bids[i].Price * s.Bids[i].Size
	}
	for i := 0; i < n && i < len(s.Asks); i++ {
		total += s.Asks[i].Price * s.Asks[i].Size
	}
	return total
}

// Age returns how old the snapshot is relative to now.
func (s OrderbookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// Trade is a public trade print on the exchange.
type Trade struct {
	Symbol    string
	Price     float64
	Size      float64
	Timestamp time.Time
}

// PriceQuote is the oracle's current view of fair value for a symbol.
type PriceQuote struct {
	Symbol     string
	Venue      string
	Bid        float64
	Ask        float64
	Mid        float64
	ObservedAt time.Time
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// QuoteIntent is the engine's desired two-sided quote for one tick. A zero
// price disables that leg.
type QuoteIntent struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
	Quantity float64
}

// HasBid reports whether the bid leg is enabled.
func (q QuoteIntent) HasBid() bool { return q.BidPrice > 0 }

// HasAsk reports whether the ask leg is enabled.
func (q QuoteIntent) HasAsk() bool { return q.AskPrice > 0 }
