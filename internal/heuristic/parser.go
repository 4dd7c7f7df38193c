// Package heuristic rebuilds a receipt draft from raw recognized text lines.
package heuristic

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/zombor/receipt-intel/internal/category"
	"github.com/zombor/receipt-intel/internal/scanning"
)

const (
	defaultStoreConfidence = 0.70
	defaultConfidenceFloor = 0.40
)

var (
	// dd/mm/yyyy, yyyy/mm/dd and dd/mm/yy, tried in that order
	dmyLongRe  = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4})\b`)
	ymdRe      = regexp.MustCompile(`\b(\d{4})[/-](\d{1,2})[/-](\d{1,2})\b`)
	dmyShortRe = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{2})\b`)

	priceRe    = regexp.MustCompile(`(?i)(?:€|\beur\b)?\s*(\d+[,.]\d{2})\s*(?:€|\beur\b)?\s*$`)
	currencyRe = regexp.MustCompile(`(?i)(?:\s*(?:€|\beur\b))+$`)
	amountRe   = regexp.MustCompile(`\d+[,.]\d{2}`)
	quantityRe = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)\s*[xX×*]\s*`)

	// matched against folded text
	skipItemRe = regexp.MustCompile(`\b(total|subtotal|importe|suma|ticket|factura|cambio|entregado|iva)\b`)
	totalRe    = regexp.MustCompile(`\b(total|importe|suma)\b`)
	subtotalRe = regexp.MustCompile(`\bsubtotal\b`)
)

// Config holds the parser's confidence thresholds
type Config struct {
	// StoreConfidence is the confidence a line needs to be taken as the store name
	StoreConfidence float64
	// ConfidenceFloor drops lines below it from every step
	ConfidenceFloor float64
}

// Parser turns recognized lines into a draft. It is safe for concurrent use.
type Parser struct {
	cfg Config
}

// New creates a parser, applying defaults to zero-valued thresholds
func New(cfg Config) *Parser {
	if cfg.StoreConfidence <= 0 {
		cfg.StoreConfidence = defaultStoreConfidence
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = defaultConfidenceFloor
	}
	return &Parser{cfg: cfg}
}

// Parse extracts store, date, items and total. It never fails; fields it
// cannot find are left absent on the draft.
func (p *Parser) Parse(lines []scanning.Line) scanning.Draft {
	usable := make([]scanning.Line, 0, len(lines))
	for _, l := range lines {
		text := strings.TrimSpace(l.Text)
		if text == "" || l.Confidence < p.cfg.ConfidenceFloor {
			continue
		}
		usable = append(usable, scanning.Line{Text: text, Confidence: l.Confidence})
	}

	caser := cases.Title(language.Spanish)
	draft := scanning.Draft{Items: []scanning.Item{}}

	for _, l := range usable {
		if l.Confidence > p.cfg.StoreConfidence && hasContent(l.Text) {
			draft.StoreName = caser.String(collapseSpaces(l.Text))
			break
		}
	}

	itemSeen := false
	for _, l := range usable {
		priceLoc := priceRe.FindStringSubmatchIndex(l.Text)

		// a dated line before the first item is metadata even when it carries an amount
		if date, ok := findDate(l.Text); ok && (priceLoc == nil || !itemSeen) {
			if draft.PurchaseDate.IsZero() {
				draft.PurchaseDate = date
			}
			continue
		}

		if priceLoc == nil {
			continue
		}
		item, ok := parseItem(l.Text, priceLoc, caser)
		if !ok {
			continue
		}
		itemSeen = true
		draft.Items = append(draft.Items, item)
	}

	draft.TotalAmount = findTotal(usable)
	return draft
}

func parseItem(text string, priceLoc []int, caser cases.Caser) (scanning.Item, bool) {
	if skipItemRe.MatchString(category.Fold(text)) {
		return scanning.Item{}, false
	}

	total, ok := parseMoney(text[priceLoc[2]:priceLoc[3]])
	if !ok {
		return scanning.Item{}, false
	}

	name := collapseSpaces(currencyRe.ReplaceAllString(text[:priceLoc[0]], ""))
	quantity := decimal.NewFromInt(1)
	hasQuantity := false
	if m := quantityRe.FindStringSubmatch(name); m != nil {
		if q, ok := parseMoney(m[1]); ok && q.IsPositive() {
			quantity = q
			hasQuantity = true
		}
		name = strings.TrimSpace(name[len(m[0]):])
	}
	if !hasContent(name) {
		return scanning.Item{}, false
	}
	name = caser.String(name)

	item := scanning.Item{
		ProductName: name,
		Category:    category.Classify(name),
		Quantity:    quantity,
		TotalPrice:  total,
	}
	if hasQuantity {
		item.UnitPrice = decimal.NewNullDecimal(total.Div(quantity).Round(2))
	}
	return item, true
}

// findTotal scans from the bottom for the first total line carrying an amount
func findTotal(lines []scanning.Line) decimal.NullDecimal {
	for i := len(lines) - 1; i >= 0; i-- {
		text := lines[i].Text
		folded := category.Fold(text)
		if !totalRe.MatchString(folded) || subtotalRe.MatchString(folded) {
			continue
		}
		amounts := amountRe.FindAllString(text, -1)
		if len(amounts) == 0 {
			continue
		}
		if d, ok := parseMoney(amounts[len(amounts)-1]); ok {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

// findDate returns the first real calendar date on the line
func findDate(text string) (time.Time, bool) {
	for _, m := range dmyLongRe.FindAllStringSubmatch(text, -1) {
		if t, ok := calendarDate(m[3], m[2], m[1]); ok {
			return t, true
		}
	}
	for _, m := range ymdRe.FindAllStringSubmatch(text, -1) {
		if t, ok := calendarDate(m[1], m[2], m[3]); ok {
			return t, true
		}
	}
	for _, m := range dmyShortRe.FindAllStringSubmatch(text, -1) {
		yy, _ := strconv.Atoi(m[3])
		year := 1900 + yy
		if yy < 50 {
			year = 2000 + yy
		}
		if t, ok := calendarDate(strconv.Itoa(year), m[2], m[1]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func calendarDate(y, m, d string) (time.Time, bool) {
	year, err1 := strconv.Atoi(y)
	month, err2 := strconv.Atoi(m)
	day, err3 := strconv.Atoi(d)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func parseMoney(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// hasContent reports whether s has anything besides digits, spaces and punctuation
func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
