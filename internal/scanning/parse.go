package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-intel/internal/category"
)

// receiptSchema is the contract contextual providers must honour.
// Fields are nullable so that a missing value reaches validation instead of failing the backend.
const receiptSchema = `{
  "type": "object",
  "properties": {
    "store_name": {"type": ["string", "null"]},
    "purchase_date": {"type": ["string", "null"]},
    "total_amount": {"type": ["number", "string", "null"]},
    "items": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["product_name", "total_price"],
        "properties": {
          "product_name": {"type": ["string", "null"]},
          "category": {"type": ["string", "null"]},
          "quantity": {"type": ["number", "string", "null"]},
          "unit_price": {"type": ["number", "string", "null"]},
          "total_price": {"type": ["number", "string"]}
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("receipt.json", strings.NewReader(receiptSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("receipt.json")
})

// dateLayouts are tried in order when a provider ignores the ISO instruction
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"2/1/2006",
	"02/01/06",
	"02-01-06",
}

// amount accepts JSON numbers, numeric strings (with decimal comma or euro sign) and null.
type amount struct {
	decimal.NullDecimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		a.Valid = false
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	d, ok := parseAmount(s)
	if !ok {
		if strings.TrimSpace(s) == "" {
			a.Valid = false
			return nil
		}
		return fmt.Errorf("invalid amount %q", s)
	}
	a.Decimal, a.Valid = d, true
	return nil
}

// parseAmount reads "12.50", "12,50", "12,50 €" or "€12.50".
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(strings.NewReplacer("€", "", "EUR", "", " ", "").Replace(s))
	if s == "" {
		return decimal.Decimal{}, false
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

type wireItem struct {
	ProductName string `json:"product_name"`
	Category    string `json:"category"`
	Quantity    amount `json:"quantity"`
	UnitPrice   amount `json:"unit_price"`
	TotalPrice  amount `json:"total_price"`
}

type wireReceipt struct {
	StoreName    string     `json:"store_name"`
	PurchaseDate string     `json:"purchase_date"`
	TotalAmount  amount     `json:"total_amount"`
	Items        []wireItem `json:"items"`
}

// extractJSON strips markdown fences and surrounding prose from a model response
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// decodeStructured turns a contextual provider's answer into a draft.
// Any error means the output was unusable and is reported as a permanent failure.
func decodeStructured(text string) (Draft, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return Draft{}, err
	}

	schema, err := compiledSchema()
	if err != nil {
		return Draft{}, fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Draft{}, fmt.Errorf("unmarshaling json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return Draft{}, fmt.Errorf("json does not match schema: %w", err)
	}

	var wire wireReceipt
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Draft{}, fmt.Errorf("unmarshaling receipt: %w", err)
	}

	draft := Draft{
		StoreName:    strings.TrimSpace(wire.StoreName),
		PurchaseDate: parseDate(wire.PurchaseDate),
		TotalAmount:  wire.TotalAmount.NullDecimal,
		Items:        make([]Item, 0, len(wire.Items)),
	}
	for _, wi := range wire.Items {
		name := strings.TrimSpace(wi.ProductName)
		qty := decimal.NewFromInt(1)
		if wi.Quantity.Valid && wi.Quantity.Decimal.IsPositive() {
			qty = wi.Quantity.Decimal
		}
		draft.Items = append(draft.Items, Item{
			ProductName: name,
			Category:    category.Canonicalize(wi.Category, name),
			Quantity:    qty,
			UnitPrice:   wi.UnitPrice.NullDecimal,
			TotalPrice:  wi.TotalPrice.Decimal,
		})
	}
	return draft, nil
}

// parseDate returns the zero time when s is empty or in no known layout
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if len(s) > 10 {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
