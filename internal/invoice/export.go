package invoice

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"pharmadesk/backend/internal/domain"
)

const (
	salesSheet = "Sales"
	itemsSheet = "Items"
)

var (
	salesColumns = []string{"Sale ID", "Date", "Sold By", "Sales Type", "Customer", "Phone", "Sub Total", "Discount", "VAT", "Grand Total", "Payment Type", "Payment Status", "Amount Paid", "Amount Left"}
	itemsColumns = []string{"Sale ID", "Medicine ID", "Medicine", "Qty", "Unit Price", "Total"}
)

// WriteSalesWorkbook streams an xlsx ledger of sales: one row per sale on the
// Sales sheet and one row per line item on the Items sheet.
func WriteSalesWorkbook(w io.Writer, sales []domain.Sale) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", salesSheet); err != nil {
		return fmt.Errorf("rename sales sheet: %w", err)
	}
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return fmt.Errorf("create items sheet: %w", err)
	}

	if err := writeRow(f, salesSheet, 1, toCells(salesColumns)); err != nil {
		return err
	}
	if err := writeRow(f, itemsSheet, 1, toCells(itemsColumns)); err != nil {
		return err
	}

	itemRow := 2
	for i, sale := range sales {
		row := []any{
			sale.ID,
			sale.CreatedAt.Format("2006-01-02 15:04"),
			sale.SoldBy,
			string(sale.SalesType),
			sale.CustomerInfo.DisplayName(),
			sale.CustomerInfo.Phone(),
			sale.SubTotal.InexactFloat64(),
			sale.DiscountAmount.InexactFloat64(),
			sale.VATAmount.InexactFloat64(),
			sale.GrandTotal.InexactFloat64(),
			sale.Payment.Type,
			string(sale.Payment.Status),
			sale.Payment.AmountPaid.InexactFloat64(),
			sale.Payment.AmountLeft.InexactFloat64(),
		}
		if err := writeRow(f, salesSheet, i+2, row); err != nil {
			return err
		}

		for _, item := range sale.Items {
			line := []any{sale.ID, item.MedicineID, item.Name, item.Qty, item.UnitPrice.InexactFloat64(), item.TotalPrice.InexactFloat64()}
			if err := writeRow(f, itemsSheet, itemRow, line); err != nil {
				return err
			}
			itemRow++
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func toCells(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
