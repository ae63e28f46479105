package stocktake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockroom-erp/stockroom/internal/platform/db"
)

// Repository persists stocktakes in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateStocktake inserts the header and freezes the projection snapshot for
// the warehouse scope in one transaction.
func (r *Repository) CreateStocktake(ctx context.Context, st Stocktake) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO stocktakes (id, warehouse_id, status, started_at)
VALUES ($1, $2, $3, $4)`, st.ID, st.WarehouseID, string(st.Status), st.StartedAt); err != nil {
			return err
		}
		// Snapshot every projection row belonging to the warehouse: its bins
		// plus its own unknown bucket.
		_, err := tx.Exec(ctx, `INSERT INTO stocktake_snapshots (stocktake_id, product_id, location_key, quantity)
SELECT $1, s.product_id, s.location_key, s.quantity
FROM stocks s
LEFT JOIN bin_locations b
  ON s.location_kind = 'bin_location' AND s.location_key = 'bin_location:' || b.id
WHERE b.warehouse_id = $2
   OR (s.location_kind = 'warehouse' AND s.location_key = 'warehouse:' || $2::text)`,
			st.ID, st.WarehouseID)
		return err
	})
}

// GetStocktake loads one stocktake header.
func (r *Repository) GetStocktake(ctx context.Context, id uuid.UUID) (Stocktake, error) {
	var (
		st     Stocktake
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, warehouse_id, status, started_at, completed_at
FROM stocktakes WHERE id=$1`, id).
		Scan(&st.ID, &st.WarehouseID, &status, &st.StartedAt, &st.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stocktake{}, ErrNotFound
		}
		return Stocktake{}, err
	}
	st.Status = Status(status)
	return st, nil
}

// FindOrCreateProcess returns the counting process for the bin (nil for the
// unknown-location process), creating it on first use.
func (r *Repository) FindOrCreateProcess(ctx context.Context, stocktakeID uuid.UUID, binLocationID *int64) (CountingProcess, error) {
	var cp CountingProcess
	err := r.pool.QueryRow(ctx, `SELECT id, stocktake_id, bin_location_id, created_at
FROM counting_processes
WHERE stocktake_id=$1 AND bin_location_id IS NOT DISTINCT FROM $2`, stocktakeID, binLocationID).
		Scan(&cp.ID, &cp.StocktakeID, &cp.BinLocationID, &cp.CreatedAt)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CountingProcess{}, err
	}

	cp = CountingProcess{ID: uuid.New(), StocktakeID: stocktakeID, BinLocationID: binLocationID, CreatedAt: time.Now().UTC()}
	_, err = r.pool.Exec(ctx, `INSERT INTO counting_processes (id, stocktake_id, bin_location_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (stocktake_id, COALESCE(bin_location_id, 0)) DO NOTHING`,
		cp.ID, cp.StocktakeID, cp.BinLocationID, cp.CreatedAt)
	if err != nil {
		return CountingProcess{}, err
	}
	// Re-read in case a concurrent counter created it first.
	return r.FindOrCreateProcess(ctx, stocktakeID, binLocationID)
}

// SnapshotQuantity returns the frozen start quantity; 0 when the product had
// no row at that location when the stocktake started.
func (r *Repository) SnapshotQuantity(ctx context.Context, stocktakeID uuid.UUID, productID int64, locationKey string) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx, `SELECT quantity FROM stocktake_snapshots
WHERE stocktake_id=$1 AND product_id=$2 AND location_key=$3`, stocktakeID, productID, locationKey).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// MovementDelta aggregates the ledger's net effect on (product, location)
// inside (from, to]: the point-in-time reconstruction primitive.
func (r *Repository) MovementDelta(ctx context.Context, productID int64, locationKey string, from, to time.Time) (int64, error) {
	var delta int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(
  CASE WHEN destination_key = $2 THEN quantity ELSE 0 END -
  CASE WHEN source_key = $2 THEN quantity ELSE 0 END), 0)
FROM stock_movements
WHERE product_id = $1 AND created_at > $3 AND created_at <= $4
  AND (source_key = $2 OR destination_key = $2)`,
		productID, locationKey, from, to).Scan(&delta)
	return delta, err
}

// UpsertCountItem records a count. Recounting the same product in the same
// process replaces the previous count instead of adding a row.
func (r *Repository) UpsertCountItem(ctx context.Context, item CountItem) (CountItem, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO counting_items (id, process_id, product_id, product_version_id, counted_quantity, expected_quantity, counted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (process_id, product_id)
DO UPDATE SET product_version_id = EXCLUDED.product_version_id,
              counted_quantity = EXCLUDED.counted_quantity,
              expected_quantity = EXCLUDED.expected_quantity,
              counted_at = EXCLUDED.counted_at
RETURNING id`, item.ID, item.ProcessID, item.ProductID, item.ProductVersionID, item.CountedQuantity, item.ExpectedQuantity, item.CountedAt).
		Scan(&item.ID)
	return item, err
}

// ItemsForStocktake lists all count items with their process bin.
func (r *Repository) ItemsForStocktake(ctx context.Context, stocktakeID uuid.UUID) ([]CountItem, map[uuid.UUID]CountingProcess, error) {
	rows, err := r.pool.Query(ctx, `SELECT i.id, i.process_id, i.product_id, i.product_version_id, i.counted_quantity, i.expected_quantity, i.counted_at,
  p.id, p.stocktake_id, p.bin_location_id, p.created_at
FROM counting_items i
JOIN counting_processes p ON p.id = i.process_id
WHERE p.stocktake_id = $1
ORDER BY i.counted_at ASC`, stocktakeID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	items := []CountItem{}
	processes := map[uuid.UUID]CountingProcess{}
	for rows.Next() {
		var (
			item CountItem
			cp   CountingProcess
		)
		if err := rows.Scan(&item.ID, &item.ProcessID, &item.ProductID, &item.ProductVersionID, &item.CountedQuantity, &item.ExpectedQuantity, &item.CountedAt,
			&cp.ID, &cp.StocktakeID, &cp.BinLocationID, &cp.CreatedAt); err != nil {
			return nil, nil, err
		}
		items = append(items, item)
		processes[cp.ID] = cp
	}
	return items, processes, rows.Err()
}

// CompleteStocktake flips the status and stores the summary; fails with
// ErrNotActive when the stocktake is already completed.
func (r *Repository) CompleteStocktake(ctx context.Context, id uuid.UUID, completedAt time.Time, summary []SummaryRow) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE stocktakes SET status=$2, completed_at=$3 WHERE id=$1 AND status=$4`,
			id, string(StatusCompleted), completedAt, string(StatusActive))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotActive
		}
		for _, row := range summary {
			if _, err := tx.Exec(ctx, `INSERT INTO stocktake_summaries (stocktake_id, product_id, counted_quantity, expected_quantity, difference, difference_pct)
VALUES ($1, $2, $3, $4, $5, $6)`,
				id, row.ProductID, row.CountedQuantity, row.ExpectedQuantity, row.Difference, row.DifferencePct); err != nil {
				return err
			}
		}
		return nil
	})
}

// Summary returns the stored per-product summary of a completed stocktake.
func (r *Repository) Summary(ctx context.Context, id uuid.UUID) ([]SummaryRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, counted_quantity, expected_quantity, difference, difference_pct
FROM stocktake_summaries WHERE stocktake_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []SummaryRow{}
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(&row.ProductID, &row.CountedQuantity, &row.ExpectedQuantity, &row.Difference, &row.DifferencePct); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListActiveStartedBefore returns active stocktakes older than the cutoff.
func (r *Repository) ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]Stocktake, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, warehouse_id, status, started_at, completed_at
FROM stocktakes WHERE status=$1 AND started_at < $2 ORDER BY started_at`, string(StatusActive), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Stocktake{}
	for rows.Next() {
		var (
			st     Stocktake
			status string
		)
		if err := rows.Scan(&st.ID, &st.WarehouseID, &status, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		st.Status = Status(status)
		out = append(out, st)
	}
	return out, rows.Err()
}
