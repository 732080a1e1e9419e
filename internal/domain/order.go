package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle. Only limit orders are ever placed.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCanceled
}

// Order is an order known to be live or recently terminal at the exchange.
type Order struct {
	ID             string
	ClientID       string
	Symbol         string
	Side           OrderSide
	Price          float64
	Quantity       float64
	FilledQuantity float64
	Fee            float64 // cumulative, in quote currency
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// OrderRequest is a limit order to be submitted.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     OrderSide
	Price    float64
	Quantity float64
}

// Fill is a single observed execution against one of our orders.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      OrderSide
	Quantity  float64
	Price     float64
	Fee       float64
	Timestamp time.Time
}

// Notional returns qty * price.
func (f Fill) Notional() float64 {
	return f.Quantity * f.Price
}
