package domain

import (
	"context"
	"time"
)

// AuditEntry is a journal record of a session-level event.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// OrderStore journals orders placed by the executor.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus, filled float64) error
}

// FillStore journals observed fills.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListRecent(ctx context.Context, symbol string, limit int) ([]Fill, error)
}

// AuditStore journals breaker trips and halts.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
