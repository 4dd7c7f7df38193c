package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/category"
)

// Trend is the direction of a store's price for a product
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

var (
	trendUp   = decimal.RequireFromString("1.05")
	trendDown = decimal.RequireFromString("0.95")
)

// PricePoint is one observed unit price of a matching product
type PricePoint struct {
	Date        time.Time       `json:"date"`
	Price       decimal.Decimal `json:"price"`
	RecordID    string          `json:"record_id"`
	ProductName string          `json:"product_name"`
}

// StoreEvolution is the price history of matching products at one store
type StoreEvolution struct {
	StoreName string          `json:"store_name"`
	Prices    []PricePoint    `json:"prices"`
	Min       decimal.Decimal `json:"min"`
	Avg       decimal.Decimal `json:"avg"`
	Max       decimal.Decimal `json:"max"`
	Trend     Trend           `json:"trend"`
}

// PriceEvolutionReport tracks a product query across stores within a rolling window
type PriceEvolutionReport struct {
	Query          string           `json:"query"`
	WindowMonths   int              `json:"window_months"`
	ByStore        []StoreEvolution `json:"by_store"`
	OverallAvg     decimal.Decimal  `json:"overall_avg"`
	BestStore      string           `json:"best_store"`
	WorstStore     string           `json:"worst_store"`
	TotalPurchases int              `json:"total_purchases"`
}

// PriceEvolution tracks the unit price of every product whose name contains
// query, per store, over the last windowMonths.
func (e *Engine) PriceEvolution(records []Record, query string, windowMonths int) (PriceEvolutionReport, error) {
	folded := category.Fold(query)
	if folded == "" {
		return PriceEvolutionReport{}, ErrEmptyQuery
	}
	if windowMonths < 1 {
		return PriceEvolutionReport{}, fmt.Errorf("%w: window of %d months", ErrInvalidRange, windowMonths)
	}

	report := PriceEvolutionReport{
		Query:        strings.TrimSpace(query),
		WindowMonths: windowMonths,
		ByStore:      []StoreEvolution{},
		OverallAvg:   decimal.Zero,
	}
	from, to := e.window(windowMonths)

	stores := newNameSet()
	points := map[string][]PricePoint{}
	var all []decimal.Decimal

	for _, r := range records {
		if !inWindow(r.PurchaseDate, from, to) {
			continue
		}
		for _, it := range r.Items {
			if !strings.Contains(category.Fold(it.ProductName), folded) {
				continue
			}
			key := stores.add(storeName(r.StoreName))
			price := it.unitPrice().Round(2)
			points[key] = append(points[key], PricePoint{
				Date:        r.PurchaseDate,
				Price:       price,
				RecordID:    r.ID,
				ProductName: it.ProductName,
			})
			all = append(all, price)
		}
	}

	for key, pts := range points {
		sort.SliceStable(pts, func(i, j int) bool {
			if !pts[i].Date.Equal(pts[j].Date) {
				return pts[i].Date.Before(pts[j].Date)
			}
			return pts[i].RecordID < pts[j].RecordID
		})
		prices := make([]decimal.Decimal, len(pts))
		for i, p := range pts {
			prices[i] = p.Price
		}
		report.ByStore = append(report.ByStore, StoreEvolution{
			StoreName: stores.names[key],
			Prices:    pts,
			Min:       decimal.Min(prices[0], prices[1:]...),
			Avg:       mean(prices).Round(2),
			Max:       decimal.Max(prices[0], prices[1:]...),
			Trend:     trendOf(prices),
		})
	}

	sort.Slice(report.ByStore, func(i, j int) bool {
		a, b := report.ByStore[i], report.ByStore[j]
		if !a.Avg.Equal(b.Avg) {
			return a.Avg.LessThan(b.Avg)
		}
		return a.StoreName < b.StoreName
	})

	report.TotalPurchases = len(all)
	report.OverallAvg = mean(all).Round(2)
	if len(report.ByStore) > 1 {
		report.BestStore = report.ByStore[0].StoreName
		report.WorstStore = report.ByStore[len(report.ByStore)-1].StoreName
	}
	return report, nil
}

// trendOf compares the last price with the first using a 5% band
func trendOf(prices []decimal.Decimal) Trend {
	if len(prices) < 2 {
		return TrendStable
	}
	first, last := prices[0], prices[len(prices)-1]
	switch {
	case last.GreaterThan(first.Mul(trendUp)):
		return TrendIncreasing
	case last.LessThan(first.Mul(trendDown)):
		return TrendDecreasing
	default:
		return TrendStable
	}
}
