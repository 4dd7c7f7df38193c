package scanning

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/category"
)

// Image is a decoded receipt payload as received from the caller.
type Image struct {
	Data        []byte
	ContentType string
}

// Line is one line of recognized text and the recognizer's confidence in it (0..1).
type Line struct {
	Text       string
	Confidence float64
}

// Item is a purchased line on a receipt
type Item struct {
	ProductName string
	Category    category.Label
	Quantity    decimal.Decimal
	UnitPrice   decimal.NullDecimal
	TotalPrice  decimal.Decimal
}

// Draft is an unvalidated receipt. Empty StoreName, zero PurchaseDate and an
// invalid TotalAmount mean the field was not found.
type Draft struct {
	StoreName    string
	PurchaseDate time.Time
	TotalAmount  decimal.NullDecimal
	Items        []Item
}

// Outcome is what a backend produced for an image: either Structured or RawText.
type Outcome interface {
	outcome()
}

// Structured carries a draft that a backend already assembled.
type Structured struct {
	Draft Draft
}

// RawText carries recognized lines that still need heuristic parsing.
type RawText struct {
	Lines []Line
}

func (Structured) outcome() {}
func (RawText) outcome()    {}

// Backend defines the interface for receipt recognition providers
type Backend interface {
	// Name identifies the backend in logs, metrics and failure reports
	Name() string
	// Analyze recognizes a receipt image. Errors are always *Failure.
	Analyze(ctx context.Context, img Image) (Outcome, error)
	// Close releases any client held by the backend
	Close() error
}
