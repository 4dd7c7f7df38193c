package pipeline

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/category"
	"github.com/zombor/receipt-intel/internal/scanning"
)

// UnknownStore is used when no store name was recognized
const UnknownStore = "Unknown"

var (
	defaultMinTolerance = decimal.RequireFromString("0.02")
	defaultRelTolerance = decimal.RequireFromString("0.01")
)

// ValidatorConfig tunes total reconciliation
type ValidatorConfig struct {
	// MinTolerance is the absolute floor of the reconciliation tolerance
	MinTolerance decimal.Decimal
	// RelTolerance is the fraction of the total allowed as discrepancy
	RelTolerance decimal.Decimal
	// Now supplies the date for receipts without one
	Now func() time.Time
}

// Validator turns drafts into accepted results or rejections
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a validator, applying defaults to zero-valued fields
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.MinTolerance.IsZero() {
		cfg.MinTolerance = defaultMinTolerance
	}
	if cfg.RelTolerance.IsZero() {
		cfg.RelTolerance = defaultRelTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{cfg: cfg}
}

// Result is an accepted receipt. Store, date and total are always present.
type Result struct {
	StoreName    string
	PurchaseDate time.Time
	TotalAmount  decimal.Decimal
	Items        []scanning.Item

	Reconciled  bool
	Discrepancy decimal.Decimal
	Tolerance   decimal.Decimal

	// Backend and Attempts are set by the pipeline
	Backend  string
	Attempts []Attempt
}

// Draft projects the result back onto a draft, so that re-validation is a no-op
func (r *Result) Draft() scanning.Draft {
	items := make([]scanning.Item, len(r.Items))
	copy(items, r.Items)
	return scanning.Draft{
		StoreName:    r.StoreName,
		PurchaseDate: r.PurchaseDate,
		TotalAmount:  decimal.NewNullDecimal(r.TotalAmount),
		Items:        items,
	}
}

// ItemsTotal sums the items' total prices
func (r *Result) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range r.Items {
		sum = sum.Add(it.TotalPrice)
	}
	return sum
}

// Validate checks and normalizes a draft. Any invalid item rejects the whole draft.
func (v *Validator) Validate(d scanning.Draft) (*Result, error) {
	if !d.TotalAmount.Valid {
		return nil, &Rejection{Reason: ReasonMissingTotal, ItemIndex: -1}
	}
	total := d.TotalAmount.Decimal.Round(2)
	if total.IsNegative() {
		return nil, &Rejection{Reason: ReasonInvalidTotal, ItemIndex: -1, Detail: total.StringFixed(2)}
	}
	if len(d.Items) == 0 {
		return nil, &Rejection{Reason: ReasonNoItems, ItemIndex: -1}
	}

	items := make([]scanning.Item, 0, len(d.Items))
	sum := decimal.Zero
	for i, it := range d.Items {
		item, detail := normalizeItem(it)
		if detail != "" {
			return nil, &Rejection{Reason: ReasonInvalidItem, ItemIndex: i, Detail: detail}
		}
		sum = sum.Add(item.TotalPrice)
		items = append(items, item)
	}

	store := strings.TrimSpace(d.StoreName)
	if store == "" {
		store = UnknownStore
	}

	// purchase dates are calendar days at UTC midnight
	date := d.PurchaseDate
	if date.IsZero() {
		date = v.cfg.Now()
	}
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	tolerance := decimal.Max(v.cfg.MinTolerance, v.cfg.RelTolerance.Mul(total))
	discrepancy := total.Sub(sum).Abs()

	return &Result{
		StoreName:    store,
		PurchaseDate: date,
		TotalAmount:  total,
		Items:        items,
		Reconciled:   discrepancy.LessThanOrEqual(tolerance),
		Discrepancy:  discrepancy,
		Tolerance:    tolerance,
	}, nil
}

// normalizeItem returns a non-empty detail when the item is invalid
func normalizeItem(it scanning.Item) (scanning.Item, string) {
	name := strings.Join(strings.Fields(it.ProductName), " ")
	if name == "" {
		return it, "empty product name"
	}
	if it.TotalPrice.IsNegative() {
		return it, "negative total price for " + name
	}
	if it.UnitPrice.Valid && it.UnitPrice.Decimal.IsNegative() {
		return it, "negative unit price for " + name
	}

	out := scanning.Item{
		ProductName: name,
		Category:    it.Category,
		Quantity:    it.Quantity,
		TotalPrice:  it.TotalPrice.Round(2),
	}
	if !out.Quantity.IsPositive() {
		out.Quantity = decimal.NewFromInt(1)
	}
	if it.UnitPrice.Valid {
		out.UnitPrice = decimal.NewNullDecimal(it.UnitPrice.Decimal.Round(2))
	}
	if out.Category == "" || !category.Valid(out.Category) {
		out.Category = category.Uncategorized
	}
	return out, ""
}
