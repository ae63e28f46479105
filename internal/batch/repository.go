package batch

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists batches in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert resolves a batch by its identity key, creating it on first sight.
// Re-submitting the same (product, key) returns the existing row.
func (r *Repository) Upsert(ctx context.Context, b Batch) (Batch, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO batches (product_id, number, best_before, batch_key, physical_quantity, created_at)
VALUES ($1, $2, $3, $4, 0, $5)
ON CONFLICT (product_id, batch_key)
DO UPDATE SET number = COALESCE(batches.number, EXCLUDED.number),
              best_before = COALESCE(batches.best_before, EXCLUDED.best_before)
RETURNING id, physical_quantity, created_at`,
		b.ProductID, b.Number, b.BestBefore, b.Key, time.Now().UTC()).
		Scan(&b.ID, &b.PhysicalQuantity, &b.CreatedAt)
	return b, err
}

// Get loads one batch by id.
func (r *Repository) Get(ctx context.Context, id int64) (Batch, error) {
	var b Batch
	err := r.pool.QueryRow(ctx, `SELECT id, product_id, number, best_before, batch_key, physical_quantity, created_at
FROM batches WHERE id=$1`, id).
		Scan(&b.ID, &b.ProductID, &b.Number, &b.BestBefore, &b.Key, &b.PhysicalQuantity, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	return b, err
}

// ListForProduct returns a product's batches, oldest best-before first.
func (r *Repository) ListForProduct(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, number, best_before, batch_key, physical_quantity, created_at
FROM batches WHERE product_id=$1
ORDER BY best_before NULLS LAST, id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Batch{}
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.Number, &b.BestBefore, &b.Key, &b.PhysicalQuantity, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// StockByLocation returns a batch's allocated quantities per location key.
func (r *Repository) StockByLocation(ctx context.Context, batchID int64) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT location_key, quantity FROM batch_stock WHERE batch_id=$1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			key string
			qty int64
		)
		if err := rows.Scan(&key, &qty); err != nil {
			return nil, err
		}
		out[key] = qty
	}
	return out, rows.Err()
}
