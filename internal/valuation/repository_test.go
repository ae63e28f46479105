package valuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApportionLayersSplitsDuplicateProductLines(t *testing.T) {
	movedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	// Receipt 7 holds two line items for product 3 at different prices. The
	// 20 units moved out of it must split 10/10 across the lines, not count
	// as 20 against each.
	intakes := []receiptIntake{
		{ReceiptID: 7, ProductID: 3, ProductVersionID: 30, WindowQuantity: 20, FirstMovedAt: movedAt},
	}
	lines := []receiptLine{
		{ID: 1, GoodsReceiptID: 7, ProductID: 3, Quantity: 10, UnitPrice: price("10.00")},
		{ID: 2, GoodsReceiptID: 7, ProductID: 3, Quantity: 10, UnitPrice: price("12.00")},
	}

	layers := apportionLayers(intakes, lines)
	require.Len(t, layers, 2)

	require.Equal(t, int64(1), *layers[0].LineItemID)
	require.Equal(t, int64(10), layers[0].Quantity)
	require.True(t, layers[0].UnitPrice.Equal(price("10.00")))

	require.Equal(t, int64(2), *layers[1].LineItemID)
	require.Equal(t, int64(10), layers[1].Quantity)
	require.True(t, layers[1].UnitPrice.Equal(price("12.00")))

	var total int64
	for _, l := range layers {
		total += l.Quantity
	}
	require.Equal(t, int64(20), total, "layer quantities must sum to the moved quantity")
}

func TestApportionLayersResumesAfterEarlierWindow(t *testing.T) {
	movedAt := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	// 10 units already left the receipt before this window, consuming line 1
	// entirely. The 10 moved inside the window belongs to line 2 only; line 1
	// must not re-enter next to its own carry-over.
	intakes := []receiptIntake{
		{ReceiptID: 7, ProductID: 3, ProductVersionID: 30, PriorQuantity: 10, WindowQuantity: 10, FirstMovedAt: movedAt},
	}
	lines := []receiptLine{
		{ID: 1, GoodsReceiptID: 7, ProductID: 3, Quantity: 10, UnitPrice: price("10.00")},
		{ID: 2, GoodsReceiptID: 7, ProductID: 3, Quantity: 10, UnitPrice: price("12.00")},
	}

	layers := apportionLayers(intakes, lines)
	require.Len(t, layers, 1)
	require.Equal(t, int64(2), *layers[0].LineItemID)
	require.Equal(t, int64(10), layers[0].Quantity)
	require.True(t, layers[0].UnitPrice.Equal(price("12.00")))
}

func TestApportionLayersStraddlesLineBoundary(t *testing.T) {
	movedAt := time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC)
	// 4 units moved earlier, 9 in this window: the window covers the last 6
	// of line 1 and the first 3 of line 2.
	intakes := []receiptIntake{
		{ReceiptID: 9, ProductID: 5, ProductVersionID: 50, PriorQuantity: 4, WindowQuantity: 9, FirstMovedAt: movedAt},
	}
	lines := []receiptLine{
		{ID: 11, GoodsReceiptID: 9, ProductID: 5, Quantity: 10, UnitPrice: price("8.00")},
		{ID: 12, GoodsReceiptID: 9, ProductID: 5, Quantity: 10, UnitPrice: price("9.50")},
	}

	layers := apportionLayers(intakes, lines)
	require.Len(t, layers, 2)
	require.Equal(t, int64(6), layers[0].Quantity)
	require.True(t, layers[0].UnitPrice.Equal(price("8.00")))
	require.Equal(t, int64(3), layers[1].Quantity)
	require.True(t, layers[1].UnitPrice.Equal(price("9.50")))
}

func TestApportionLayersExcessStaysAtLastLinePrice(t *testing.T) {
	movedAt := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	// Moved quantity exceeding the recorded line items keeps the last line's
	// price so the total stays attributed.
	intakes := []receiptIntake{
		{ReceiptID: 4, ProductID: 2, ProductVersionID: 20, WindowQuantity: 15, FirstMovedAt: movedAt},
	}
	lines := []receiptLine{
		{ID: 21, GoodsReceiptID: 4, ProductID: 2, Quantity: 10, UnitPrice: price("5.00")},
	}

	layers := apportionLayers(intakes, lines)
	require.Len(t, layers, 1)
	require.Equal(t, int64(15), layers[0].Quantity)
	require.True(t, layers[0].UnitPrice.Equal(price("5.00")))
}

func TestApportionLayersDropsUnpricedIntakes(t *testing.T) {
	movedAt := time.Date(2026, 5, 5, 8, 0, 0, 0, time.UTC)
	intakes := []receiptIntake{
		{ReceiptID: 6, ProductID: 8, ProductVersionID: 80, WindowQuantity: 5, FirstMovedAt: movedAt},
	}

	layers := apportionLayers(intakes, nil)
	require.Empty(t, layers)
}
