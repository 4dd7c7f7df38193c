package analytics

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DashboardQuery selects what Dashboard computes. Product is optional.
type DashboardQuery struct {
	Month        int    `json:"month"`
	Year         int    `json:"year"`
	WindowMonths int    `json:"window_months"`
	Product      string `json:"product"`
}

// Dashboard bundles the analytics sections computed for one query
type Dashboard struct {
	Summary MonthlySummary        `json:"summary"`
	Stores  StoreComparisonReport `json:"stores"`
	Prices  *PriceEvolutionReport `json:"prices"`
}

// Dashboard computes the monthly summary, the store comparison and, when a
// product is given, its price evolution concurrently over the same records.
func (e *Engine) Dashboard(ctx context.Context, records []Record, q DashboardQuery) (Dashboard, error) {
	var d Dashboard
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := e.MonthlySummary(records, q.Month, q.Year)
		d.Summary = s
		return err
	})
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := e.StoreComparison(records, q.WindowMonths)
		d.Stores = s
		return err
	})
	if q.Product != "" {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := e.PriceEvolution(records, q.Product, q.WindowMonths)
			if err != nil {
				return err
			}
			d.Prices = &p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}
