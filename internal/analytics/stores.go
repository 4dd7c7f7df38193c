package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Deal compares a store's mean price for a product with the mean across all stores
type Deal struct {
	Product        string          `json:"product"`
	StorePrice     decimal.Decimal `json:"store_price"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Difference     decimal.Decimal `json:"difference"`
	PercentageDiff decimal.Decimal `json:"percentage_diff"`
}

// StoreComparison is one store's row in a StoreComparisonReport
type StoreComparison struct {
	StoreName        string          `json:"store_name"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	VisitCount       int             `json:"visit_count"`
	AvgReceiptAmount decimal.Decimal `json:"avg_receipt_amount"`
	ItemsCount       int             `json:"items_count"`
	AvgItemPrice     decimal.Decimal `json:"avg_item_price"`
	PriceIndex       decimal.Decimal `json:"price_index"`
	BestDeals        []Deal          `json:"best_deals"`
	WorstDeals       []Deal          `json:"worst_deals"`
}

// StoreComparisonReport ranks the stores visited within a rolling window
type StoreComparisonReport struct {
	WindowMonths    int               `json:"window_months"`
	From            time.Time         `json:"from"`
	To              time.Time         `json:"to"`
	Stores          []StoreComparison `json:"stores"`
	OverallAvgPrice decimal.Decimal   `json:"overall_avg_price"`
	TotalStores     int               `json:"total_stores"`
}

type storeAgg struct {
	name     string
	spent    decimal.Decimal
	visits   int
	prices   []decimal.Decimal
	products map[string][]decimal.Decimal
}

// StoreComparison ranks the stores visited in the last windowMonths by how
// expensive they are relative to the overall mean item price.
func (e *Engine) StoreComparison(records []Record, windowMonths int) (StoreComparisonReport, error) {
	if windowMonths < 1 {
		return StoreComparisonReport{}, fmt.Errorf("%w: window of %d months", ErrInvalidRange, windowMonths)
	}
	from, to := e.window(windowMonths)
	report := StoreComparisonReport{
		WindowMonths:    windowMonths,
		From:            from,
		To:              to,
		Stores:          []StoreComparison{},
		OverallAvgPrice: decimal.Zero,
	}

	stores := newNameSet()
	aggs := map[string]*storeAgg{}
	products := newNameSet()
	global := map[string][]decimal.Decimal{}
	var all []decimal.Decimal

	for _, r := range records {
		if !inWindow(r.PurchaseDate, from, to) {
			continue
		}
		key := stores.add(storeName(r.StoreName))
		agg, ok := aggs[key]
		if !ok {
			agg = &storeAgg{name: stores.names[key], spent: decimal.Zero, products: map[string][]decimal.Decimal{}}
			aggs[key] = agg
		}
		agg.visits++
		agg.spent = agg.spent.Add(r.TotalAmount)

		for _, it := range r.Items {
			price := it.unitPrice()
			agg.prices = append(agg.prices, price)
			all = append(all, price)

			pkey := products.add(it.ProductName)
			if pkey == "" {
				continue
			}
			agg.products[pkey] = append(agg.products[pkey], price)
			global[pkey] = append(global[pkey], price)
		}
	}

	overall := mean(all)
	report.OverallAvgPrice = overall.Round(2)

	for _, agg := range aggs {
		row := StoreComparison{
			StoreName:        agg.name,
			TotalSpent:       agg.spent.Round(2),
			VisitCount:       agg.visits,
			AvgReceiptAmount: agg.spent.Div(decimal.NewFromInt(int64(agg.visits))).Round(2),
			ItemsCount:       len(agg.prices),
			AvgItemPrice:     mean(agg.prices).Round(2),
			PriceIndex:       hundred,
			BestDeals:        []Deal{},
			WorstDeals:       []Deal{},
		}
		if len(agg.prices) > 0 && !overall.IsZero() {
			row.PriceIndex = mean(agg.prices).Div(overall).Mul(hundred).Round(2)
		}

		for pkey, prices := range agg.products {
			storePrice := mean(prices)
			avg := mean(global[pkey])
			diff := storePrice.Sub(avg).Round(2)
			if diff.IsZero() {
				continue
			}
			d := Deal{
				Product:        products.names[pkey],
				StorePrice:     storePrice.Round(2),
				AvgPrice:       avg.Round(2),
				Difference:     diff,
				PercentageDiff: percentOf(storePrice.Sub(avg), avg),
			}
			if diff.IsNegative() {
				row.BestDeals = append(row.BestDeals, d)
			} else {
				row.WorstDeals = append(row.WorstDeals, d)
			}
		}
		row.BestDeals = topDeals(row.BestDeals, e.cfg.DealCount)
		row.WorstDeals = topDeals(row.WorstDeals, e.cfg.DealCount)

		report.Stores = append(report.Stores, row)
	}

	sort.Slice(report.Stores, func(i, j int) bool {
		a, b := report.Stores[i], report.Stores[j]
		if !a.PriceIndex.Equal(b.PriceIndex) {
			return a.PriceIndex.LessThan(b.PriceIndex)
		}
		return a.StoreName < b.StoreName
	})
	report.TotalStores = len(report.Stores)
	return report, nil
}

// topDeals keeps the n deals with the largest percentage deviation
func topDeals(deals []Deal, n int) []Deal {
	sort.Slice(deals, func(i, j int) bool {
		a, b := deals[i].PercentageDiff.Abs(), deals[j].PercentageDiff.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return deals[i].Product < deals[j].Product
	})
	if len(deals) > n {
		deals = deals[:n]
	}
	return deals
}
