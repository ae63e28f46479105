package product

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists product master data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads one product by id.
func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, version_id, sku, name, is_active, created_at, updated_at
FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.VersionID, &p.SKU, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// Exists reports whether the (product, version) pair is known.
func (r *Repository) Exists(ctx context.Context, ref Ref) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id=$1 AND version_id=$2)`,
		ref.ProductID, ref.VersionID).Scan(&ok)
	return ok, err
}

// Create inserts a product and returns it with generated fields populated.
func (r *Repository) Create(ctx context.Context, p Product) (Product, error) {
	if strings.TrimSpace(p.SKU) == "" {
		return Product{}, errors.New("product: sku is required")
	}
	if p.VersionID == 0 {
		p.VersionID = 1
	}
	err := r.pool.QueryRow(ctx, `INSERT INTO products (version_id, sku, name, is_active)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at`, p.VersionID, p.SKU, p.Name, p.IsActive).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// List returns products ordered by sku.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Product, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, version_id, sku, name, is_active, created_at, updated_at
FROM products ORDER BY sku LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.VersionID, &p.SKU, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
