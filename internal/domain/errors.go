package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrStale            = errors.New("stale data")
	ErrNoVenue          = errors.New("no reachable reference venue")
	ErrCrossedQuote     = errors.New("crossed quote")
	ErrBelowMinQty      = errors.New("quantity below exchange minimum")
	ErrBelowMinNotional = errors.New("notional below exchange minimum")
	ErrExecutorHalted   = errors.New("executor halted by error budget")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrUnsupported      = errors.New("unsupported")
)
