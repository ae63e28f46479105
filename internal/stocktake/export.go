package stocktake

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV streams a completed stocktake's summary as CSV, one line per
// product.
func WriteCSV(w io.Writer, summary []SummaryRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"product_id", "counted_quantity", "expected_quantity", "difference", "difference_pct"}); err != nil {
		return err
	}
	for _, row := range summary {
		record := []string{
			strconv.FormatInt(row.ProductID, 10),
			strconv.FormatInt(row.CountedQuantity, 10),
			strconv.FormatInt(row.ExpectedQuantity, 10),
			strconv.FormatInt(row.Difference, 10),
			strconv.FormatFloat(row.DifferencePct, 'f', 2, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
