package analytics

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet    = "Summary"
	categoriesSheet = "Categories"
	productsSheet   = "Top products"
	storesSheet     = "Stores"
	pricesSheet     = "Prices"
)

// sheetWriter appends rows to one sheet and keeps the first cell error
type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
	err   error
}

func (s *sheetWriter) write(values ...any) {
	if s.err != nil {
		return
	}
	for i, v := range values {
		if d, ok := v.(decimal.Decimal); ok {
			v = d.InexactFloat64()
		}
		cell, err := excelize.CoordinatesToCellName(i+1, s.row)
		if err == nil {
			err = s.f.SetCellValue(s.sheet, cell, v)
		}
		if err != nil {
			s.err = fmt.Errorf("xlsx %s row %d: %w", s.sheet, s.row, err)
			return
		}
	}
	s.row++
}

func newSheet(f *excelize.File, name string, headers ...any) (*sheetWriter, error) {
	if index, _ := f.GetSheetIndex(name); index == -1 {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	s := &sheetWriter{f: f, sheet: name, row: 1}
	s.write(headers...)
	return s, nil
}

// WriteWorkbook renders a dashboard as an xlsx workbook with one sheet per section
func WriteWorkbook(w io.Writer, d Dashboard) error {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("xlsx rename sheet: %w", err)
	}
	sum := &sheetWriter{f: f, sheet: summarySheet, row: 1}
	writers := []*sheetWriter{sum}
	sum.write("Month", fmt.Sprintf("%04d-%02d", d.Summary.Year, d.Summary.Month))
	sum.write("Total spent", d.Summary.TotalSpent)
	sum.write("Receipts", d.Summary.ReceiptsCount)
	sum.write("Items", d.Summary.ItemsCount)
	sum.write("Average receipt", d.Summary.AvgReceiptAmount)
	for _, store := range d.Summary.StoresVisited {
		sum.write("Store visited", store)
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 18)
	_ = f.SetColWidth(summarySheet, "B", "B", 28)

	cats, err := newSheet(f, categoriesSheet, "Category", "Amount", "Percentage", "Items")
	if err != nil {
		return fmt.Errorf("xlsx categories: %w", err)
	}
	writers = append(writers, cats)
	for _, c := range d.Summary.Categories {
		cats.write(string(c.Category), c.Amount, c.Percentage, c.ItemCount)
	}
	_ = f.SetColWidth(categoriesSheet, "A", "A", 28)

	prods, err := newSheet(f, productsSheet, "Product", "Times purchased", "Total spent", "Average price")
	if err != nil {
		return fmt.Errorf("xlsx products: %w", err)
	}
	writers = append(writers, prods)
	for _, p := range d.Summary.TopProducts {
		prods.write(p.Name, p.TimesPurchased, p.TotalSpent, p.AvgPrice)
	}
	_ = f.SetColWidth(productsSheet, "A", "A", 32)

	stores, err := newSheet(f, storesSheet, "Store", "Visits", "Total spent", "Average receipt", "Items", "Average item price", "Price index")
	if err != nil {
		return fmt.Errorf("xlsx stores: %w", err)
	}
	writers = append(writers, stores)
	for _, s := range d.Stores.Stores {
		stores.write(s.StoreName, s.VisitCount, s.TotalSpent, s.AvgReceiptAmount, s.ItemsCount, s.AvgItemPrice, s.PriceIndex)
	}
	_ = f.SetColWidth(storesSheet, "A", "A", 24)

	if d.Prices != nil {
		prices, err := newSheet(f, pricesSheet, "Store", "Date", "Product", "Price")
		if err != nil {
			return fmt.Errorf("xlsx prices: %w", err)
		}
		writers = append(writers, prices)
		for _, se := range d.Prices.ByStore {
			for _, p := range se.Prices {
				prices.write(se.StoreName, p.Date.Format("2006-01-02"), p.ProductName, p.Price)
			}
		}
		_ = f.SetColWidth(pricesSheet, "A", "A", 24)
		_ = f.SetColWidth(pricesSheet, "C", "C", 32)
	}

	for _, sw := range writers {
		if sw.err != nil {
			return sw.err
		}
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("export.xlsx.ok",
		"month", d.Summary.Month,
		"year", d.Summary.Year,
		"stores", len(d.Stores.Stores),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
