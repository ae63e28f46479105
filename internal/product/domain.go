package product

import (
	"errors"
	"time"
)

// Product is a versioned product master record. Movements always reference a
// concrete (product, version) pair because the source catalogue versions
// products over time.
type Product struct {
	ID        int64     `json:"id"`
	VersionID int64     `json:"version_id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref identifies a product version as referenced by ledger rows.
type Ref struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	VersionID int64 `json:"product_version_id" validate:"required,gt=0"`
}

// ErrNotFound indicates the referenced product version does not exist.
var ErrNotFound = errors.New("product: not found")
