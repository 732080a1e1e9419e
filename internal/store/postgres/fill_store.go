package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// FillStore implements domain.FillStore.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore on pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Insert appends one fill.
func (s *FillStore) Insert(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (order_id, symbol, side, quantity, price, fee, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, query,
		f.OrderID, f.Symbol, string(f.Side), f.Quantity, f.Price, f.Fee, f.Timestamp,
	); err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", f.OrderID, err)
	}
	return nil
}

// ListRecent returns the newest fills, for one symbol or all when symbol is
// empty.
func (s *FillStore) ListRecent(ctx context.Context, symbol string, limit int) ([]domain.Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT order_id, symbol, side, quantity, price, fee, filled_at FROM fills`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = $1`
		args = append(args, symbol)
	}
	query += fmt.Sprintf(` ORDER BY filled_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &f.Quantity, &f.Price, &f.Fee, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return out, nil
}

var _ domain.FillStore = (*FillStore)(nil)
