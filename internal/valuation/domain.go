// Package valuation builds stock valuation reports by attributing current
// stock quantities to purchase cost layers. Layers come from goods-receipt
// line items linked through the ledger, plus unconsumed layers carried over
// from the previous report. Report generation is read-only with respect to
// the ledger and the projection.
package valuation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConsumptionOrder decides which cost layers a product's stock is attributed
// to first. The source data is ambiguous on this, so it is a policy knob.
type ConsumptionOrder string

const (
	// MostRecentFirst consumes the newest purchases first.
	MostRecentFirst ConsumptionOrder = "most_recent_first"
	// OldestFirst consumes purchases in receipt order.
	OldestFirst ConsumptionOrder = "oldest_first"
)

// ParseConsumptionOrder validates a policy string; empty selects the default.
func ParseConsumptionOrder(s string) (ConsumptionOrder, error) {
	switch ConsumptionOrder(s) {
	case "":
		return MostRecentFirst, nil
	case MostRecentFirst, OldestFirst:
		return ConsumptionOrder(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownConsumptionOrder, s)
	}
}

// RowSource tags how a report row was valued.
type RowSource string

const (
	// RowSourcePurchase values stock against a goods-receipt line item.
	RowSourcePurchase RowSource = "purchase"
	// RowSourceCarryOver values stock against a layer inherited from the
	// previous report.
	RowSourceCarryOver RowSource = "carry_over"
	// RowSourceSurplus values stock that exceeds all recorded purchases at
	// an explicitly supplied price.
	RowSourceSurplus RowSource = "surplus"
)

// PurchaseLayer is one historical purchase not yet fully consumed.
type PurchaseLayer struct {
	LineItemID       *int64          `json:"line_item_id,omitempty"`
	GoodsReceiptID   *int64          `json:"goods_receipt_id,omitempty"`
	ProductID        int64           `json:"product_id"`
	ProductVersionID int64           `json:"product_version_id"`
	Quantity         int64           `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ReceivedAt       time.Time       `json:"received_at"`
	CarriedFrom      *uuid.UUID      `json:"carried_from,omitempty"`
}

// Row attributes part of a product's stock to one cost source.
type Row struct {
	ProductID        int64           `json:"product_id"`
	ProductVersionID int64           `json:"product_version_id"`
	Source           RowSource       `json:"source"`
	Quantity         int64           `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TotalPrice       decimal.Decimal `json:"total_price"`
	LineItemID       *int64          `json:"line_item_id,omitempty"`
	CarriedFrom      *uuid.UUID      `json:"carried_from,omitempty"`
}

// Report is the header plus rows of one valuation run.
type Report struct {
	ID               uuid.UUID        `json:"id"`
	WarehouseID      *int64           `json:"warehouse_id,omitempty"`
	ConsumptionOrder ConsumptionOrder `json:"consumption_order"`
	GeneratedAt      time.Time        `json:"generated_at"`
	TotalValue       decimal.Decimal  `json:"total_value"`
	Rows             []Row            `json:"rows"`
}

// StockQuantity is one product's total stock at report time.
type StockQuantity struct {
	ProductID        int64
	ProductVersionID int64
	Quantity         int64
}

var (
	// ErrNotFound indicates an unknown report.
	ErrNotFound = errors.New("valuation: report not found")
	// ErrSurplusPriceRequired indicates stock exceeding purchase history
	// with no explicit surplus price supplied.
	ErrSurplusPriceRequired = errors.New("valuation: stock exceeds purchase history and no surplus price was supplied")
	// ErrUnknownConsumptionOrder indicates an unrecognised policy string.
	ErrUnknownConsumptionOrder = errors.New("valuation: unknown consumption order")
)
