package domain

import "time"

// InventorySnapshot is an immutable copy of the account holdings used for
// risk checks and sizing.
type InventorySnapshot struct {
	QuoteAsset   string
	QuoteBalance float64
	Base         map[string]float64 // per symbol
	Target       map[string]float64 // per symbol
	UpdatedAt    time.Time
	ReconciledAt time.Time
}

// LimitCheck is the outcome of an inventory limit evaluation.
type LimitCheck struct {
	CanBuy  bool
	CanSell bool
	Reason  string
}

// BreakerState is the circuit breaker bookkeeping.
type BreakerState struct {
	InitialCapital float64
	LastHeartbeat  time.Time
	Tripped        bool
	Reason         string
	TrippedAt      time.Time
}
