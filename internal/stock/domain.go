// Package stock implements the movement ledger and the materialized stock
// projection. The ledger is the source of truth: an append-only log of
// movements between two typed locations. The projection holds one row per
// (product, location) and is updated in the same transaction as every append.
package stock

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/product"
)

// Movement is one immutable ledger row: a fixed quantity of one product
// moved from Source to Destination. Never updated or deleted.
type Movement struct {
	ID                  uuid.UUID              `json:"id"`
	Product             product.Ref            `json:"product"`
	Quantity            int64                  `json:"quantity"`
	Source              location.StockLocation `json:"-"`
	Destination         location.StockLocation `json:"-"`
	SourceSnapshot      json.RawMessage        `json:"source_snapshot,omitempty"`
	DestinationSnapshot json.RawMessage        `json:"destination_snapshot,omitempty"`
	ProcessID           *uuid.UUID             `json:"process_id,omitempty"`
	ActorID             int64                  `json:"actor_id,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// Record is one projection row: current quantity of a product at a location.
type Record struct {
	ProductID int64                  `json:"product_id"`
	Location  location.StockLocation `json:"-"`
	Quantity  int64                  `json:"quantity"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// BatchAllocation attributes part of a movement's quantity to a batch. The
// allocation is written in the same transaction as the movement itself.
type BatchAllocation struct {
	BatchID  int64  `json:"batch_id" validate:"required,gt=0"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
	Origin   string `json:"origin" validate:"required,oneof=system user"`
}

// Batch allocation origins.
const (
	AllocationOriginSystem = "system"
	AllocationOriginUser   = "user"
)

// AppendInput describes one movement to append. MovementID may be supplied by
// the caller for idempotent retry; the zero UUID means "generate one".
type AppendInput struct {
	MovementID          uuid.UUID
	Product             product.Ref
	Quantity            int64
	Source              location.Reference
	Destination         location.Reference
	SourceSnapshot      json.RawMessage
	DestinationSnapshot json.RawMessage
	ProcessID           *uuid.UUID
	ActorID             int64
	Batches             []BatchAllocation
}

// MovementFilter filters ledger range queries.
type MovementFilter struct {
	ProductID int64
	Location  *location.StockLocation
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// RebuildScope narrows a projection rebuild. The zero value means the whole
// projection.
type RebuildScope struct {
	ProductID int64
}

var (
	// ErrInvalidQuantity indicates a quantity that is not strictly positive.
	// Direction is carried by source and destination, never by sign.
	ErrInvalidQuantity = errors.New("stock: quantity must be a positive integer")
	// ErrInvalidSnapshot indicates a malformed or missing snapshot payload.
	ErrInvalidSnapshot = errors.New("stock: snapshot must be valid non-empty JSON for non-special locations")
	// ErrPayloadMismatch indicates a movement id replayed with a different payload.
	ErrPayloadMismatch = errors.New("stock: movement id already used with a different payload")
	// ErrMovementNotFound indicates an unknown movement id.
	ErrMovementNotFound = errors.New("stock: movement not found")
	// ErrBatchQuantityExceeded indicates batch allocations exceeding the
	// projected quantity of the affected stock record.
	ErrBatchQuantityExceeded = errors.New("stock: batch allocation exceeds stock record quantity")
	// ErrRebuildInProgress indicates appends are blocked by a projection rebuild.
	ErrRebuildInProgress = errors.New("stock: projection rebuild in progress")
)
