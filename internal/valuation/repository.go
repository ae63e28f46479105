package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockroom-erp/stockroom/internal/platform/db"
)

// Repository persists valuation reports in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// StockQuantities returns per-product total stock, optionally scoped to one
// warehouse (its bins plus its unknown bucket). Products whose total is zero
// are excluded.
func (r *Repository) StockQuantities(ctx context.Context, warehouseID *int64) ([]StockQuantity, error) {
	query := `SELECT s.product_id, p.version_id, SUM(s.quantity)
FROM stocks s
JOIN products p ON p.id = s.product_id
GROUP BY s.product_id, p.version_id
HAVING SUM(s.quantity) <> 0
ORDER BY s.product_id`
	args := []any{}
	if warehouseID != nil {
		query = `SELECT s.product_id, p.version_id, SUM(s.quantity)
FROM stocks s
JOIN products p ON p.id = s.product_id
LEFT JOIN bin_locations b
  ON s.location_kind = 'bin_location' AND s.location_key = 'bin_location:' || b.id
WHERE b.warehouse_id = $1
   OR (s.location_kind = 'warehouse' AND s.location_key = 'warehouse:' || $1::text)
GROUP BY s.product_id, p.version_id
HAVING SUM(s.quantity) <> 0
ORDER BY s.product_id`
		args = append(args, *warehouseID)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StockQuantity{}
	for rows.Next() {
		var sq StockQuantity
		if err := rows.Scan(&sq.ProductID, &sq.ProductVersionID, &sq.Quantity); err != nil {
			return nil, err
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// receiptIntake aggregates the goods-receipt movements of one (receipt,
// product) pair: how much left the receipt inside the report window and how
// much already left before the window opened.
type receiptIntake struct {
	ReceiptID        int64
	ProductID        int64
	ProductVersionID int64
	PriorQuantity    int64
	WindowQuantity   int64
	FirstMovedAt     time.Time
}

// receiptLine is one priced line item of a goods receipt.
type receiptLine struct {
	ID             int64
	GoodsReceiptID int64
	ProductID      int64
	Quantity       int64
	UnitPrice      decimal.Decimal
}

// PurchaseLayers derives cost layers from ledger movements out of goods
// receipts inside (from, to]. Movements are aggregated per (receipt, product)
// and apportioned over the receipt's line items, so a receipt holding several
// line items for the same product yields one capped layer per line item
// instead of fanning the full moved quantity out to each.
func (r *Repository) PurchaseLayers(ctx context.Context, from, to time.Time) ([]PurchaseLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.source_goods_receipt_id, m.product_id, m.product_version_id,
  COALESCE(SUM(m.quantity) FILTER (WHERE m.created_at <= $1), 0),
  SUM(m.quantity) FILTER (WHERE m.created_at > $1),
  MIN(m.created_at) FILTER (WHERE m.created_at > $1)
FROM stock_movements m
WHERE m.source_kind = 'goods_receipt' AND m.created_at <= $2
GROUP BY m.source_goods_receipt_id, m.product_id, m.product_version_id
HAVING COALESCE(SUM(m.quantity) FILTER (WHERE m.created_at > $1), 0) > 0
ORDER BY 6`, from, to)
	if err != nil {
		return nil, err
	}

	intakes := []receiptIntake{}
	receiptIDs := []int64{}
	seen := map[int64]bool{}
	for rows.Next() {
		var in receiptIntake
		if err := rows.Scan(&in.ReceiptID, &in.ProductID, &in.ProductVersionID,
			&in.PriorQuantity, &in.WindowQuantity, &in.FirstMovedAt); err != nil {
			rows.Close()
			return nil, err
		}
		intakes = append(intakes, in)
		if !seen[in.ReceiptID] {
			seen[in.ReceiptID] = true
			receiptIDs = append(receiptIDs, in.ReceiptID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(intakes) == 0 {
		return []PurchaseLayer{}, nil
	}

	lineRows, err := r.pool.Query(ctx, `SELECT id, goods_receipt_id, product_id, quantity, unit_price
FROM goods_receipt_line_items
WHERE goods_receipt_id = ANY($1)
ORDER BY goods_receipt_id, id`, receiptIDs)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	lines := []receiptLine{}
	for lineRows.Next() {
		var line receiptLine
		if err := lineRows.Scan(&line.ID, &line.GoodsReceiptID, &line.ProductID,
			&line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return apportionLayers(intakes, lines), nil
}

// apportionLayers maps each intake's window quantity onto the receipt's line
// items. Line items cover consecutive quantity intervals in id order and the
// movements consume them in the same order, so an intake that already moved
// stock before the window resumes where the previous window left off rather
// than re-entering the first line item. Quantity moved beyond the recorded
// line items stays priced at the last line item; intakes with no line items
// carry no price and are dropped.
func apportionLayers(intakes []receiptIntake, lines []receiptLine) []PurchaseLayer {
	byKey := map[[2]int64][]receiptLine{}
	for _, line := range lines {
		key := [2]int64{line.GoodsReceiptID, line.ProductID}
		byKey[key] = append(byKey[key], line)
	}

	out := []PurchaseLayer{}
	for _, in := range intakes {
		items := byKey[[2]int64{in.ReceiptID, in.ProductID}]
		if len(items) == 0 {
			continue
		}
		movedFrom := in.PriorQuantity
		movedTo := in.PriorQuantity + in.WindowQuantity
		var offset int64
		for i, item := range items {
			lineFrom, lineTo := offset, offset+item.Quantity
			offset = lineTo
			if i == len(items)-1 && lineTo < movedTo {
				lineTo = movedTo
			}
			qty := min(lineTo, movedTo) - max(lineFrom, movedFrom)
			if qty <= 0 {
				continue
			}
			lineItemID, receiptID := item.ID, in.ReceiptID
			out = append(out, PurchaseLayer{
				LineItemID:       &lineItemID,
				GoodsReceiptID:   &receiptID,
				ProductID:        in.ProductID,
				ProductVersionID: in.ProductVersionID,
				Quantity:         qty,
				UnitPrice:        item.UnitPrice,
				ReceivedAt:       in.FirstMovedAt,
			})
		}
	}
	return out
}

// CarryLayers returns the leftover layers a previous report carried forward.
func (r *Repository) CarryLayers(ctx context.Context, reportID uuid.UUID) ([]PurchaseLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT line_item_id, goods_receipt_id, product_id, product_version_id,
  quantity, unit_price, received_at
FROM valuation_carry_layers WHERE report_id = $1 ORDER BY received_at`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PurchaseLayer{}
	for rows.Next() {
		layer := PurchaseLayer{CarriedFrom: &reportID}
		if err := rows.Scan(&layer.LineItemID, &layer.GoodsReceiptID, &layer.ProductID, &layer.ProductVersionID,
			&layer.Quantity, &layer.UnitPrice, &layer.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, layer)
	}
	return out, rows.Err()
}

// LatestReport returns the most recent persisted report for the scope; ok is
// false when none exists yet.
func (r *Repository) LatestReport(ctx context.Context, warehouseID *int64) (Report, bool, error) {
	var (
		report Report
		order  string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, warehouse_id, consumption_order, generated_at, total_value
FROM valuation_reports
WHERE warehouse_id IS NOT DISTINCT FROM $1
ORDER BY generated_at DESC LIMIT 1`, warehouseID).
		Scan(&report.ID, &report.WarehouseID, &order, &report.GeneratedAt, &report.TotalValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	report.ConsumptionOrder = ConsumptionOrder(order)
	return report, true, nil
}

// SaveReport persists the report header, rows, and the leftover layers the
// next report inherits, in one transaction.
func (r *Repository) SaveReport(ctx context.Context, report Report, leftovers []PurchaseLayer) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO valuation_reports (id, warehouse_id, consumption_order, generated_at, total_value)
VALUES ($1, $2, $3, $4, $5)`,
			report.ID, report.WarehouseID, string(report.ConsumptionOrder), report.GeneratedAt, report.TotalValue); err != nil {
			return err
		}
		for _, row := range report.Rows {
			if _, err := tx.Exec(ctx, `INSERT INTO valuation_rows (report_id, product_id, product_version_id, source, quantity, unit_price, total_price, line_item_id, carried_from)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				report.ID, row.ProductID, row.ProductVersionID, string(row.Source), row.Quantity,
				row.UnitPrice, row.TotalPrice, row.LineItemID, row.CarriedFrom); err != nil {
				return err
			}
		}
		for _, layer := range leftovers {
			if _, err := tx.Exec(ctx, `INSERT INTO valuation_carry_layers (report_id, line_item_id, goods_receipt_id, product_id, product_version_id, quantity, unit_price, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				report.ID, layer.LineItemID, layer.GoodsReceiptID, layer.ProductID, layer.ProductVersionID,
				layer.Quantity, layer.UnitPrice, layer.ReceivedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReport loads one report with its rows.
func (r *Repository) GetReport(ctx context.Context, id uuid.UUID) (Report, error) {
	var (
		report Report
		order  string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, warehouse_id, consumption_order, generated_at, total_value
FROM valuation_reports WHERE id=$1`, id).
		Scan(&report.ID, &report.WarehouseID, &order, &report.GeneratedAt, &report.TotalValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, err
	}
	report.ConsumptionOrder = ConsumptionOrder(order)

	rows, err := r.pool.Query(ctx, `SELECT product_id, product_version_id, source, quantity, unit_price, total_price, line_item_id, carried_from
FROM valuation_rows WHERE report_id=$1 ORDER BY product_id, source`, id)
	if err != nil {
		return Report{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row Row
			src string
		)
		if err := rows.Scan(&row.ProductID, &row.ProductVersionID, &src, &row.Quantity,
			&row.UnitPrice, &row.TotalPrice, &row.LineItemID, &row.CarriedFrom); err != nil {
			return Report{}, err
		}
		row.Source = RowSource(src)
		report.Rows = append(report.Rows, row)
	}
	return report, rows.Err()
}
