// Package batch tracks per-product lots. A lot is identified by its number
// or, when numberless, by a key synthesized from its best-before date, so
// two numberless lots with the same date resolve to the same row.
package batch

import (
	"errors"
	"time"
)

// Batch is one traceable lot of a product.
type Batch struct {
	ID               int64      `json:"id"`
	ProductID        int64      `json:"product_id"`
	Number           *string    `json:"number,omitempty"`
	BestBefore       *time.Time `json:"best_before,omitempty"`
	Key              string     `json:"key"`
	PhysicalQuantity int64      `json:"physical_quantity"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Key derives the identity key: the explicit number when present, otherwise
// a date-derived key.
func Key(number *string, bestBefore *time.Time) (string, error) {
	if number != nil && *number != "" {
		return *number, nil
	}
	if bestBefore == nil {
		return "", ErrNoIdentity
	}
	return "bbd:" + bestBefore.UTC().Format("2006-01-02"), nil
}

var (
	// ErrNotFound indicates an unknown batch.
	ErrNotFound = errors.New("batch: not found")
	// ErrNoIdentity indicates a lot with neither number nor best-before
	// date, which cannot be addressed.
	ErrNoIdentity = errors.New("batch: number or best-before date required")
)
