// Package stocktake implements stocktaking: a bounded counting exercise that
// compares physical counts against the stock projection. Counting reads are
// reconstructed "as of counting time" from the start snapshot plus the ledger
// delta, never from the live projection.
package stocktake

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the stocktake lifecycle state.
type Status string

const (
	// StatusActive accepts counting processes and counts.
	StatusActive Status = "ACTIVE"
	// StatusCompleted is terminal; aggregation queries exclude further counts.
	StatusCompleted Status = "COMPLETED"
)

// Stocktake is the header of one counting exercise over a warehouse.
type Stocktake struct {
	ID          uuid.UUID  `json:"id"`
	WarehouseID int64      `json:"warehouse_id"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CountingProcess groups counts for one physical location within a stocktake.
// A nil BinLocationID marks the "unknown location" process, of which repeated
// product counts are merged instead of duplicated.
type CountingProcess struct {
	ID            uuid.UUID `json:"id"`
	StocktakeID   uuid.UUID `json:"stocktake_id"`
	BinLocationID *int64    `json:"bin_location_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CountItem records one product count with the reconstructed expected
// quantity at counting time.
type CountItem struct {
	ID               uuid.UUID `json:"id"`
	ProcessID        uuid.UUID `json:"process_id"`
	ProductID        int64     `json:"product_id"`
	ProductVersionID int64     `json:"product_version_id"`
	CountedQuantity  int64     `json:"counted_quantity"`
	ExpectedQuantity int64     `json:"expected_quantity"`
	CountedAt        time.Time `json:"counted_at"`
}

// SnapshotRow freezes one projection row at stocktake start.
type SnapshotRow struct {
	ProductID   int64
	LocationKey string
	Quantity    int64
}

// SummaryRow compares counted against projected stock for one product.
type SummaryRow struct {
	ProductID        int64   `json:"product_id"`
	CountedQuantity  int64   `json:"counted_quantity"`
	ExpectedQuantity int64   `json:"expected_quantity"`
	Difference       int64   `json:"difference"`
	DifferencePct    float64 `json:"difference_pct"`
}

var (
	// ErrNotFound indicates an unknown stocktake.
	ErrNotFound = errors.New("stocktake: not found")
	// ErrNotActive indicates an attempted mutation of a completed stocktake.
	ErrNotActive = errors.New("stocktake: not active")
	// ErrInvalidCount indicates a negative counted quantity.
	ErrInvalidCount = errors.New("stocktake: counted quantity must not be negative")
)
