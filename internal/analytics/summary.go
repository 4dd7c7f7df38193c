package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/category"
)

// CategorySpend is the spend on one category within a month
type CategorySpend struct {
	Category   category.Label  `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	ItemCount  int             `json:"item_count"`
}

// TopProduct is a frequently bought product within a month
type TopProduct struct {
	Name           string          `json:"name"`
	TimesPurchased int             `json:"times_purchased"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Stores         []string        `json:"stores"`
}

// MonthlySummary aggregates one calendar month of receipts
type MonthlySummary struct {
	Month            int             `json:"month"`
	Year             int             `json:"year"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	ReceiptsCount    int             `json:"receipts_count"`
	ItemsCount       int             `json:"items_count"`
	AvgReceiptAmount decimal.Decimal `json:"avg_receipt_amount"`
	StoresVisited    []string        `json:"stores_visited"`
	Categories       []CategorySpend `json:"categories"`
	TopProducts      []TopProduct    `json:"top_products"`
}

type productAgg struct {
	name   string
	count  int
	spent  decimal.Decimal
	stores *nameSet
}

// MonthlySummary totals the receipts dated in month/year, breaks spend down
// by category and ranks the most purchased products.
func (e *Engine) MonthlySummary(records []Record, month, year int) (MonthlySummary, error) {
	if month < 1 || month > 12 || year < 1 || year > 9999 {
		return MonthlySummary{}, fmt.Errorf("%w: month %d of year %d", ErrInvalidRange, month, year)
	}

	out := MonthlySummary{
		Month:            month,
		Year:             year,
		TotalSpent:       decimal.Zero,
		AvgReceiptAmount: decimal.Zero,
		StoresVisited:    []string{},
		Categories:       []CategorySpend{},
		TopProducts:      []TopProduct{},
	}

	stores := newNameSet()
	categories := map[category.Label]*CategorySpend{}
	products := map[string]*productAgg{}
	var order []string

	for _, r := range records {
		if r.PurchaseDate.Year() != year || r.PurchaseDate.Month() != time.Month(month) {
			continue
		}
		out.ReceiptsCount++
		out.TotalSpent = out.TotalSpent.Add(r.TotalAmount)
		store := storeName(r.StoreName)
		stores.add(store)

		for _, it := range r.Items {
			out.ItemsCount++

			label := it.Category
			if label == "" {
				label = category.Uncategorized
			}
			cs, ok := categories[label]
			if !ok {
				cs = &CategorySpend{Category: label, Amount: decimal.Zero}
				categories[label] = cs
			}
			cs.Amount = cs.Amount.Add(it.TotalPrice)
			cs.ItemCount++

			key := category.Fold(it.ProductName)
			if key == "" {
				continue
			}
			p, ok := products[key]
			if !ok {
				p = &productAgg{name: it.ProductName, spent: decimal.Zero, stores: newNameSet()}
				products[key] = p
				order = append(order, key)
			}
			p.count++
			p.spent = p.spent.Add(it.TotalPrice)
			p.stores.add(store)
		}
	}

	if out.ReceiptsCount > 0 {
		out.AvgReceiptAmount = out.TotalSpent.Div(decimal.NewFromInt(int64(out.ReceiptsCount))).Round(2)
	}
	out.TotalSpent = out.TotalSpent.Round(2)
	out.StoresVisited = stores.sorted()

	for _, cs := range categories {
		cs.Amount = cs.Amount.Round(2)
		cs.Percentage = percentOf(cs.Amount, out.TotalSpent)
		out.Categories = append(out.Categories, *cs)
	}
	sort.Slice(out.Categories, func(i, j int) bool {
		a, b := out.Categories[i], out.Categories[j]
		if !a.Amount.Equal(b.Amount) {
			return a.Amount.GreaterThan(b.Amount)
		}
		return a.Category < b.Category
	})

	for _, key := range order {
		p := products[key]
		out.TopProducts = append(out.TopProducts, TopProduct{
			Name:           p.name,
			TimesPurchased: p.count,
			TotalSpent:     p.spent.Round(2),
			AvgPrice:       p.spent.Div(decimal.NewFromInt(int64(p.count))).Round(2),
			Stores:         p.stores.sorted(),
		})
	}
	sort.SliceStable(out.TopProducts, func(i, j int) bool {
		a, b := out.TopProducts[i], out.TopProducts[j]
		if a.TimesPurchased != b.TimesPurchased {
			return a.TimesPurchased > b.TimesPurchased
		}
		if !a.TotalSpent.Equal(b.TotalSpent) {
			return a.TotalSpent.GreaterThan(b.TotalSpent)
		}
		return category.Fold(a.Name) < category.Fold(b.Name)
	})
	if len(out.TopProducts) > e.cfg.TopProducts {
		out.TopProducts = out.TopProducts[:e.cfg.TopProducts]
	}
	return out, nil
}
