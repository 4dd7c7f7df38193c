// Package analytics computes spending summaries, store price comparisons and
// product price evolution over accepted receipts. Every computation is a pure
// function of its input slice and never fails on sparse or empty data.
package analytics

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/category"
)

var (
	// ErrInvalidRange is returned for an impossible month, year or window
	ErrInvalidRange = errors.New("invalid date range")
	// ErrEmptyQuery is returned by PriceEvolution for a blank product query
	ErrEmptyQuery = errors.New("empty product query")
)

var hundred = decimal.NewFromInt(100)

// Item is one purchased line of a historical receipt
type Item struct {
	ProductName string              `json:"product_name"`
	Category    category.Label      `json:"category"`
	Quantity    decimal.Decimal     `json:"quantity"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	TotalPrice  decimal.Decimal     `json:"total_price"`
}

// unitPrice falls back to total / quantity when no unit price was recorded
func (it Item) unitPrice() decimal.Decimal {
	if it.UnitPrice.Valid {
		return it.UnitPrice.Decimal
	}
	if it.Quantity.IsPositive() {
		return it.TotalPrice.Div(it.Quantity)
	}
	return it.TotalPrice
}

// Record is a committed receipt as read from storage
type Record struct {
	ID           string          `json:"id"`
	StoreName    string          `json:"store_name"`
	PurchaseDate time.Time       `json:"purchase_date"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Items        []Item          `json:"items"`
}

// Config tunes list sizes and the clock used for rolling windows
type Config struct {
	TopProducts int
	DealCount   int
	Now         func() time.Time
}

// Engine is stateless and safe for concurrent use
type Engine struct {
	cfg Config
}

// New creates an engine. TopProducts defaults to 10 and DealCount to 3.
func New(cfg Config) *Engine {
	if cfg.TopProducts <= 0 {
		cfg.TopProducts = 10
	}
	if cfg.DealCount <= 0 {
		cfg.DealCount = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}
}

// window returns the rolling range ending now and starting months calendar months earlier
func (e *Engine) window(months int) (time.Time, time.Time) {
	to := e.cfg.Now()
	return to.AddDate(0, -months, 0), to
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, values...).Div(decimal.NewFromInt(int64(len(values))))
}

// percentOf returns part as a percentage of whole, or zero when whole is zero
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}

func storeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "Unknown"
	}
	return s
}

// nameSet keeps the first spelling seen for each folded key
type nameSet struct {
	names map[string]string
}

func newNameSet() *nameSet {
	return &nameSet{names: map[string]string{}}
}

func (n *nameSet) add(s string) string {
	key := category.Fold(s)
	if _, ok := n.names[key]; !ok {
		n.names[key] = s
	}
	return key
}

func (n *nameSet) sorted() []string {
	out := make([]string, 0, len(n.names))
	for _, name := range n.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
