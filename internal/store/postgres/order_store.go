package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore on pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a placed order. Re-inserting the same id is a no-op.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, client_id, symbol, side, price, quantity,
			filled_quantity, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ClientID, o.Symbol, string(o.Side), o.Price, o.Quantity,
		o.FilledQuantity, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus records a status or fill change and stamps the terminal
// timestamp. It returns domain.ErrNotFound for an unknown id.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, filled float64) error {
	var query string
	switch status {
	case domain.OrderStatusClosed:
		query = `UPDATE orders SET status = $1, filled_quantity = $2, closed_at = NOW(), updated_at = NOW() WHERE id = $3`
	case domain.OrderStatusCanceled:
		query = `UPDATE orders SET status = $1, filled_quantity = $2, canceled_at = NOW(), updated_at = NOW() WHERE id = $3`
	default:
		query = `UPDATE orders SET status = $1, filled_quantity = $2, updated_at = NOW() WHERE id = $3`
	}

	tag, err := s.pool.Exec(ctx, query, string(status), filled, id)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
