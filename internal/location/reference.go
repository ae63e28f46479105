package location

import "fmt"

// Reference mirrors the persisted shape of a polymorphic location foreign key:
// a kind tag next to one nullable identifier column per kind. It is the raw
// caller-supplied form handed to Resolve before anything reaches storage.
type Reference struct {
	Kind             Kind    `json:"kind" validate:"required"`
	WarehouseID      *int64  `json:"warehouse_id,omitempty"`
	BinLocationID    *int64  `json:"bin_location_id,omitempty"`
	OrderID          *int64  `json:"order_id,omitempty"`
	ReturnOrderID    *int64  `json:"return_order_id,omitempty"`
	SupplierOrderID  *int64  `json:"supplier_order_id,omitempty"`
	GoodsReceiptID   *int64  `json:"goods_receipt_id,omitempty"`
	StockContainerID *int64  `json:"stock_container_id,omitempty"`
	SpecialName      *string `json:"special_name,omitempty"`
}

// Resolve validates a raw reference and produces the canonical StockLocation.
// It fails with ErrInvalidReference when zero or more than one discriminator
// is set, or when the set discriminator does not match the kind tag. The same
// rule is enforced again by a database trigger as defense in depth.
func Resolve(ref Reference) (StockLocation, error) {
	set := 0
	var resolved StockLocation
	consider := func(kind Kind, id *int64) {
		if id == nil {
			return
		}
		set++
		if kind == ref.Kind {
			resolved = StockLocation{kind: kind, id: *id}
		}
	}
	consider(KindWarehouse, ref.WarehouseID)
	consider(KindBinLocation, ref.BinLocationID)
	consider(KindOrder, ref.OrderID)
	consider(KindReturnOrder, ref.ReturnOrderID)
	consider(KindSupplierOrder, ref.SupplierOrderID)
	consider(KindGoodsReceipt, ref.GoodsReceiptID)
	consider(KindStockContainer, ref.StockContainerID)
	if ref.SpecialName != nil {
		set++
		if ref.Kind == KindSpecial {
			resolved = StockLocation{kind: KindSpecial, specialName: *ref.SpecialName}
		}
	}

	if set != 1 {
		return StockLocation{}, fmt.Errorf("%w: %d discriminators set, want exactly 1", ErrInvalidReference, set)
	}
	if resolved.IsZero() {
		return StockLocation{}, fmt.Errorf("%w: discriminator does not match kind %q", ErrInvalidReference, ref.Kind)
	}
	if err := resolved.Validate(); err != nil {
		return StockLocation{}, err
	}
	return resolved, nil
}

// ReferenceFor converts a canonical location back into its raw reference form.
func ReferenceFor(loc StockLocation) Reference {
	ref := Reference{Kind: loc.kind}
	id := loc.id
	switch loc.kind {
	case KindWarehouse:
		ref.WarehouseID = &id
	case KindBinLocation:
		ref.BinLocationID = &id
	case KindOrder:
		ref.OrderID = &id
	case KindReturnOrder:
		ref.ReturnOrderID = &id
	case KindSupplierOrder:
		ref.SupplierOrderID = &id
	case KindGoodsReceipt:
		ref.GoodsReceiptID = &id
	case KindStockContainer:
		ref.StockContainerID = &id
	case KindSpecial:
		name := loc.specialName
		ref.SpecialName = &name
	}
	return ref
}
