package receipt

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/analytics"
	"github.com/zombor/receipt-intel/internal/category"
	"github.com/zombor/receipt-intel/internal/pipeline"
)

// Item is a purchased line of a stored receipt
type Item struct {
	ProductName string              `json:"product_name"`
	Category    category.Label      `json:"category"`
	Quantity    decimal.Decimal     `json:"quantity"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	TotalPrice  decimal.Decimal     `json:"total_price"`
}

// Receipt is an accepted receipt together with its upload metadata
type Receipt struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	StoreName    string          `json:"store_name"`
	PurchaseDate time.Time       `json:"purchase_date"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Items        []Item          `json:"items"`
	Reconciled   bool            `json:"reconciled"`
	Discrepancy  decimal.Decimal `json:"discrepancy"`
	Backend      string          `json:"backend"`
	Filename     string          `json:"filename"`
	FilePath     string          `json:"file_path"`
	ContentType  string          `json:"content_type"`
	ImageHash    string          `json:"image_hash"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// fromResult copies the accepted fields of a pipeline result
func fromResult(r *pipeline.Result) *Receipt {
	items := make([]Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = Item{
			ProductName: it.ProductName,
			Category:    it.Category,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		}
	}
	return &Receipt{
		StoreName:    r.StoreName,
		PurchaseDate: r.PurchaseDate,
		TotalAmount:  r.TotalAmount,
		Items:        items,
		Reconciled:   r.Reconciled,
		Discrepancy:  r.Discrepancy,
		Backend:      r.Backend,
	}
}

// Record converts the receipt into the analytics read model
func (r *Receipt) Record() analytics.Record {
	items := make([]analytics.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = analytics.Item{
			ProductName: it.ProductName,
			Category:    it.Category,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		}
	}
	return analytics.Record{
		ID:           r.ID,
		StoreName:    r.StoreName,
		PurchaseDate: r.PurchaseDate,
		TotalAmount:  r.TotalAmount,
		Items:        items,
	}
}

// ToRecords converts stored receipts for the analytics engine
func ToRecords(receipts []*Receipt) []analytics.Record {
	records := make([]analytics.Record, len(receipts))
	for i, r := range receipts {
		records[i] = r.Record()
	}
	return records
}
