package valuation

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV streams a report's rows as CSV, one line per valuation row plus a
// trailing total line.
func WriteCSV(w io.Writer, report Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"product_id", "product_version_id", "source", "quantity", "unit_price", "total_price"}); err != nil {
		return err
	}
	for _, row := range report.Rows {
		record := []string{
			strconv.FormatInt(row.ProductID, 10),
			strconv.FormatInt(row.ProductVersionID, 10),
			string(row.Source),
			strconv.FormatInt(row.Quantity, 10),
			row.UnitPrice.StringFixed(4),
			row.TotalPrice.StringFixed(4),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"total", "", "", "", "", report.TotalValue.StringFixed(4)}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
