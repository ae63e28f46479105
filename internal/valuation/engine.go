package valuation

import (
	"sort"

	"github.com/shopspring/decimal"
)

// valuateProduct attributes qty units of one product to cost layers in the
// configured order. It returns the report rows and the leftover layer
// remainders that the next report inherits as carry-overs. A surplus beyond
// all layers requires an explicit price.
func valuateProduct(stock StockQuantity, layers []PurchaseLayer, order ConsumptionOrder, surplusPrice *decimal.Decimal) ([]Row, []PurchaseLayer, error) {
	sorted := make([]PurchaseLayer, len(layers))
	copy(sorted, layers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if order == OldestFirst {
			return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
		}
		return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt)
	})

	rows := []Row{}
	leftover := []PurchaseLayer{}
	remaining := stock.Quantity
	for _, layer := range sorted {
		if remaining <= 0 {
			leftover = append(leftover, layer)
			continue
		}
		take := layer.Quantity
		if take > remaining {
			take = remaining
		}
		source := RowSourcePurchase
		if layer.CarriedFrom != nil {
			source = RowSourceCarryOver
		}
		rows = append(rows, Row{
			ProductID:        layer.ProductID,
			ProductVersionID: layer.ProductVersionID,
			Source:           source,
			Quantity:         take,
			UnitPrice:        layer.UnitPrice,
			TotalPrice:       layer.UnitPrice.Mul(decimal.NewFromInt(take)),
			LineItemID:       layer.LineItemID,
			CarriedFrom:      layer.CarriedFrom,
		})
		remaining -= take
		if rest := layer.Quantity - take; rest > 0 {
			carried := layer
			carried.Quantity = rest
			leftover = append(leftover, carried)
		}
	}

	if remaining > 0 {
		if surplusPrice == nil {
			return nil, nil, ErrSurplusPriceRequired
		}
		rows = append(rows, Row{
			ProductID:        stock.ProductID,
			ProductVersionID: stock.ProductVersionID,
			Source:           RowSourceSurplus,
			Quantity:         remaining,
			UnitPrice:        *surplusPrice,
			TotalPrice:       surplusPrice.Mul(decimal.NewFromInt(remaining)),
		})
	}
	return rows, leftover, nil
}
