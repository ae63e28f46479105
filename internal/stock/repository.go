package stock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/platform/db"
	"github.com/stockroom-erp/stockroom/internal/product"
)

// Repository persists the ledger and projection in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations that must share one transaction:
// the ledger insert, the projection deltas and the batch allocations.
type TxRepository interface {
	ProductExists(ctx context.Context, ref product.Ref) (bool, error)
	InsertMovement(ctx context.Context, m Movement, payloadHash string) (bool, error)
	GetMovementHash(ctx context.Context, id uuid.UUID) (string, error)
	ApplyDelta(ctx context.Context, productID int64, loc location.StockLocation, delta int64) error
	GetRecordQuantity(ctx context.Context, productID int64, loc location.StockLocation) (int64, error)
	BatchAllocatedQuantity(ctx context.Context, productID int64, loc location.StockLocation) (int64, error)
	InsertBatchAllocation(ctx context.Context, movementID uuid.UUID, productID int64, loc location.StockLocation, alloc BatchAllocation) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction and
// retries the whole transaction on serialization failures. Bounded retries
// surfacing ErrTransientConflict are the contract for hot projection rows.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithRetryingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (t *txRepository) ProductExists(ctx context.Context, ref product.Ref) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id=$1 AND version_id=$2)`,
		ref.ProductID, ref.VersionID).Scan(&ok)
	return ok, err
}

// locationColumns spreads a StockLocation over the mutually-exclusive
// discriminator columns of the ledger table. Exactly one value is non-nil;
// a database trigger re-checks this before every insert.
func locationColumns(loc location.StockLocation) (ids [7]*int64, special *string) {
	id := loc.ID()
	switch loc.Kind() {
	case location.KindWarehouse:
		ids[0] = &id
	case location.KindBinLocation:
		ids[1] = &id
	case location.KindOrder:
		ids[2] = &id
	case location.KindReturnOrder:
		ids[3] = &id
	case location.KindSupplierOrder:
		ids[4] = &id
	case location.KindGoodsReceipt:
		ids[5] = &id
	case location.KindStockContainer:
		ids[6] = &id
	case location.KindSpecial:
		name := loc.SpecialName()
		special = &name
	}
	return ids, special
}

func (t *txRepository) InsertMovement(ctx context.Context, m Movement, payloadHash string) (bool, error) {
	src, srcSpecial := locationColumns(m.Source)
	dst, dstSpecial := locationColumns(m.Destination)
	tag, err := t.tx.Exec(ctx, `INSERT INTO stock_movements (
  id, product_id, product_version_id, quantity,
  source_kind, source_key,
  source_warehouse_id, source_bin_location_id, source_order_id, source_return_order_id,
  source_supplier_order_id, source_goods_receipt_id, source_stock_container_id, source_special,
  destination_kind, destination_key,
  destination_warehouse_id, destination_bin_location_id, destination_order_id, destination_return_order_id,
  destination_supplier_order_id, destination_goods_receipt_id, destination_stock_container_id, destination_special,
  source_snapshot, destination_snapshot, process_id, actor_id, payload_hash, created_at
) VALUES (
  $1, $2, $3, $4,
  $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
  $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
  $25, $26, $27, $28, $29, $30
) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Product.ProductID, m.Product.VersionID, m.Quantity,
		string(m.Source.Kind()), m.Source.Key(),
		src[0], src[1], src[2], src[3], src[4], src[5], src[6], srcSpecial,
		string(m.Destination.Kind()), m.Destination.Key(),
		dst[0], dst[1], dst[2], dst[3], dst[4], dst[5], dst[6], dstSpecial,
		m.SourceSnapshot, m.DestinationSnapshot, m.ProcessID, nullableActor(m.ActorID), payloadHash, m.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func nullableActor(actorID int64) *int64 {
	if actorID == 0 {
		return nil
	}
	return &actorID
}

func (t *txRepository) GetMovementHash(ctx context.Context, id uuid.UUID) (string, error) {
	var hash string
	err := t.tx.QueryRow(ctx, `SELECT payload_hash FROM stock_movements WHERE id=$1`, id).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrMovementNotFound
		}
		return "", err
	}
	return hash, nil
}

// ApplyDelta performs the atomic insert-or-increment on the projection row.
// Never read-then-write; the contended path must be a single statement.
func (t *txRepository) ApplyDelta(ctx context.Context, productID int64, loc location.StockLocation, delta int64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stocks (product_id, location_kind, location_key, quantity, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (product_id, location_kind, location_key)
DO UPDATE SET quantity = stocks.quantity + EXCLUDED.quantity, updated_at = NOW()`,
		productID, string(loc.Kind()), loc.Key(), delta)
	return err
}

func (t *txRepository) GetRecordQuantity(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx, `SELECT quantity FROM stocks WHERE product_id=$1 AND location_kind=$2 AND location_key=$3`,
		productID, string(loc.Kind()), loc.Key()).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

func (t *txRepository) BatchAllocatedQuantity(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM batch_stock
WHERE product_id=$1 AND location_key=$2`, productID, loc.Key()).Scan(&qty)
	return qty, err
}

func (t *txRepository) InsertBatchAllocation(ctx context.Context, movementID uuid.UUID, productID int64, loc location.StockLocation, alloc BatchAllocation) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO batch_stock_movements (batch_id, stock_movement_id, quantity, origin)
VALUES ($1, $2, $3, $4)`, alloc.BatchID, movementID, alloc.Quantity, alloc.Origin); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO batch_stock (batch_id, product_id, location_key, quantity)
VALUES ($1, $2, $3, $4)
ON CONFLICT (batch_id, product_id, location_key)
DO UPDATE SET quantity = batch_stock.quantity + EXCLUDED.quantity`,
		alloc.BatchID, productID, loc.Key(), alloc.Quantity); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE batches SET physical_quantity = physical_quantity + $2 WHERE id=$1`,
		alloc.BatchID, alloc.Quantity)
	return err
}

// GetStock returns the projected quantity at one location; 0 when absent.
func (r *Repository) GetStock(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx, `SELECT quantity FROM stocks WHERE product_id=$1 AND location_kind=$2 AND location_key=$3`,
		productID, string(loc.Kind()), loc.Key()).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// GetWarehouseStock sums stock across all bin locations of the warehouse plus
// the warehouse "unknown" bucket.
func (r *Repository) GetWarehouseStock(ctx context.Context, productID, warehouseID int64) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(s.quantity), 0)
FROM stocks s
LEFT JOIN bin_locations b
  ON s.location_kind = 'bin_location' AND s.location_key = 'bin_location:' || b.id
WHERE s.product_id = $1
  AND (b.warehouse_id = $2
       OR (s.location_kind = 'warehouse' AND s.location_key = 'warehouse:' || $2::text))`,
		productID, warehouseID).Scan(&qty)
	return qty, err
}

// GetMovement loads one ledger row by id.
func (r *Repository) GetMovement(ctx context.Context, id uuid.UUID) (Movement, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, product_id, product_version_id, quantity,
  source_key, destination_key, source_snapshot, destination_snapshot, process_id, actor_id, created_at
FROM stock_movements WHERE id=$1`, id)
	m, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrMovementNotFound
	}
	return m, err
}

// ListMovements returns ledger rows for a product in a time range,
// chronologically, with the total count for pagination.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	from := filter.From
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}

	where := `WHERE product_id=$1 AND created_at >= $2 AND created_at <= $3`
	args := []any{filter.ProductID, from, to}
	if filter.Location != nil {
		where += ` AND (source_key=$4 OR destination_key=$4)`
		args = append(args, filter.Location.Key())
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, product_id, product_version_id, quantity,
  source_key, destination_key, source_snapshot, destination_snapshot, process_id, actor_id, created_at
FROM stock_movements ` + where +
		` ORDER BY created_at ASC, id ASC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	movements := []Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, 0, err
		}
		movements = append(movements, m)
	}
	return movements, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMovement(row rowScanner) (Movement, error) {
	var (
		m        Movement
		srcKey   string
		dstKey   string
		actor    *int64
		process  *uuid.UUID
		srcSnap  []byte
		dstSnap  []byte
	)
	if err := row.Scan(&m.ID, &m.Product.ProductID, &m.Product.VersionID, &m.Quantity,
		&srcKey, &dstKey, &srcSnap, &dstSnap, &process, &actor, &m.CreatedAt); err != nil {
		return Movement{}, err
	}
	var err error
	if m.Source, err = location.ParseKey(srcKey); err != nil {
		return Movement{}, err
	}
	if m.Destination, err = location.ParseKey(dstKey); err != nil {
		return Movement{}, err
	}
	m.SourceSnapshot = srcSnap
	m.DestinationSnapshot = dstSnap
	m.ProcessID = process
	if actor != nil {
		m.ActorID = *actor
	}
	return m, nil
}

// Rebuild truncates the projection for the scope and replays the whole ledger
// into it in one statement pair inside one transaction. The caller must hold
// the exclusive scope lock.
func (r *Repository) Rebuild(ctx context.Context, scope RebuildScope) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		scopeCond := ``
		args := []any{}
		if scope.ProductID != 0 {
			scopeCond = ` WHERE product_id = $1`
			args = append(args, scope.ProductID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stocks`+scopeCond, args...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO stocks (product_id, location_kind, location_key, quantity, updated_at)
SELECT product_id, kind, key, SUM(delta), NOW()
FROM (
  SELECT product_id, destination_kind AS kind, destination_key AS key, quantity AS delta FROM stock_movements
  UNION ALL
  SELECT product_id, source_kind, source_key, -quantity FROM stock_movements
) ledger`+scopeCond+`
GROUP BY product_id, kind, key`, args...)
		return err
	})
}
