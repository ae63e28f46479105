// Package location implements the stock location registry: a closed set of
// location kinds and a tagged-union value with exactly one identifier.
package location

import (
	"errors"
	"fmt"
)

// Kind enumerates the closed set of stock-holding concepts.
type Kind string

const (
	KindWarehouse      Kind = "warehouse"
	KindBinLocation    Kind = "bin_location"
	KindOrder          Kind = "order"
	KindReturnOrder    Kind = "return_order"
	KindSupplierOrder  Kind = "supplier_order"
	KindGoodsReceipt   Kind = "goods_receipt"
	KindStockContainer Kind = "stock_container"
	KindSpecial        Kind = "special"
)

// Technical names of the special/virtual locations.
const (
	SpecialUnknown         = "unknown"
	SpecialStockCorrection = "stock_correction"
	SpecialInitialisation  = "initialisation"
	SpecialScrapped        = "scrapped"
)

// ErrInvalidReference indicates a reference whose discriminator fields do not
// identify exactly one location of the declared kind.
var ErrInvalidReference = errors.New("location: invalid reference")

// StockLocation is a validated typed reference to a stock location. The zero
// value is invalid; construct via the typed constructors or Resolve.
type StockLocation struct {
	kind        Kind
	id          int64
	specialName string
}

// Warehouse references the unassigned ("unknown bin") bucket of a warehouse.
func Warehouse(id int64) StockLocation { return StockLocation{kind: KindWarehouse, id: id} }

// BinLocation references a physical bin inside a warehouse.
func BinLocation(id int64) StockLocation { return StockLocation{kind: KindBinLocation, id: id} }

// Order references stock bound to a sales order.
func Order(id int64) StockLocation { return StockLocation{kind: KindOrder, id: id} }

// ReturnOrder references stock held against a return order.
func ReturnOrder(id int64) StockLocation { return StockLocation{kind: KindReturnOrder, id: id} }

// SupplierOrder references stock expected from a supplier order.
func SupplierOrder(id int64) StockLocation { return StockLocation{kind: KindSupplierOrder, id: id} }

// GoodsReceipt references stock booked in through a goods receipt.
func GoodsReceipt(id int64) StockLocation { return StockLocation{kind: KindGoodsReceipt, id: id} }

// StockContainer references a movable container.
func StockContainer(id int64) StockLocation { return StockLocation{kind: KindStockContainer, id: id} }

// Special references a virtual location by its technical name.
func Special(name string) StockLocation {
	return StockLocation{kind: KindSpecial, specialName: name}
}

// Kind returns the location kind tag.
func (l StockLocation) Kind() Kind { return l.kind }

// ID returns the numeric identifier. Zero for special locations.
func (l StockLocation) ID() int64 { return l.id }

// SpecialName returns the technical name for special locations, empty otherwise.
func (l StockLocation) SpecialName() string { return l.specialName }

// IsSpecial reports whether the location is virtual.
func (l StockLocation) IsSpecial() bool { return l.kind == KindSpecial }

// IsZero reports whether the location is the invalid zero value.
func (l StockLocation) IsZero() bool { return l.kind == "" }

// Key returns the canonical string key, e.g. "bin_location:42" or
// "special:stock_correction". Stable; persisted in the projection.
func (l StockLocation) Key() string {
	if l.kind == KindSpecial {
		return fmt.Sprintf("%s:%s", l.kind, l.specialName)
	}
	return fmt.Sprintf("%s:%d", l.kind, l.id)
}

func (l StockLocation) String() string { return l.Key() }

// Equal reports whether two locations reference the same place.
func (l StockLocation) Equal(other StockLocation) bool {
	return l.kind == other.kind && l.id == other.id && l.specialName == other.specialName
}

// Validate checks the exactly-one-discriminator invariant on the value itself.
func (l StockLocation) Validate() error {
	switch l.kind {
	case KindWarehouse, KindBinLocation, KindOrder, KindReturnOrder,
		KindSupplierOrder, KindGoodsReceipt, KindStockContainer:
		if l.id <= 0 || l.specialName != "" {
			return fmt.Errorf("%w: kind %s requires a positive id and no special name", ErrInvalidReference, l.kind)
		}
	case KindSpecial:
		if l.id != 0 {
			return fmt.Errorf("%w: special location must not carry an id", ErrInvalidReference)
		}
		if !validSpecialName(l.specialName) {
			return fmt.Errorf("%w: unknown special location %q", ErrInvalidReference, l.specialName)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReference, l.kind)
	}
	return nil
}

func validSpecialName(name string) bool {
	switch name {
	case SpecialUnknown, SpecialStockCorrection, SpecialInitialisation, SpecialScrapped:
		return true
	}
	return false
}
