// Package category maps free-text product names onto the fixed set of
// shopping categories used across receipts and analytics.
package category

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Label is one of the fixed category names.
type Label string

const (
	Beverages     Label = "bebidas"
	Meat          Label = "carne"
	Produce       Label = "verduras"
	Dairy         Label = "lácteos"
	Bakery        Label = "panadería"
	Cleaning      Label = "limpieza"
	Leisure       Label = "ocio"
	Other         Label = "otros"
	Uncategorized Label = "uncategorized"
)

type rule struct {
	label    Label
	keywords []string
}

// rules are evaluated in order; the first keyword hit wins.
var rules = []rule{
	{Beverages, []string{"cerveza", "cerv", "vino", "agua", "zumo", "refresco", "coca cola", "pepsi", "fanta", "sprite", "nestea", "aquarius", "bebida", "drink"}},
	{Meat, []string{"carne", "pollo", "cerdo", "ternera", "cordero", "pavo", "jamon", "chorizo", "salchicha", "hamburguesa", "filete", "bacon"}},
	{Produce, []string{"verdura", "lechuga", "tomate", "cebolla", "patata", "zanahoria", "pepino", "pimiento", "calabacin", "berenjena", "espinaca", "fruta", "manzana", "platano", "naranja", "pera", "uva"}},
	{Dairy, []string{"leche", "yogur", "queso", "mantequilla", "nata", "lacteo"}},
	{Bakery, []string{"pan", "barra", "bollo", "croissant", "magdalena", "galleta", "pastel", "tarta", "bizcocho"}},
	{Cleaning, []string{"detergente", "lavavajillas", "lejia", "limpiador", "papel", "servilleta", "fregona", "estropajo", "jabon"}},
	{Leisure, []string{"revista", "libro", "periodico", "juguete", "juego"}},
}

// aliases lets backends answer in English or without accents.
var aliases = map[string]Label{
	"bebidas":    Beverages,
	"drinks":     Beverages,
	"beverages":  Beverages,
	"carne":      Meat,
	"meat":       Meat,
	"verduras":   Produce,
	"vegetables": Produce,
	"produce":    Produce,
	"lacteos":    Dairy,
	"dairy":      Dairy,
	"panaderia":  Bakery,
	"bakery":     Bakery,
	"limpieza":   Cleaning,
	"cleaning":   Cleaning,
	"ocio":       Leisure,
	"leisure":    Leisure,
	"otros":      Other,
	"other":      Other,
}

// All returns the predefined labels in matching priority order, followed by Other.
func All() []Label {
	labels := make([]Label, 0, len(rules)+1)
	for _, r := range rules {
		labels = append(labels, r.label)
	}
	return append(labels, Other)
}

// Valid reports whether l is one of the predefined labels or Uncategorized.
func Valid(l Label) bool {
	if l == Uncategorized {
		return true
	}
	for _, known := range All() {
		if l == known {
			return true
		}
	}
	return false
}

// Fold lowercases s, strips diacritics and collapses runs of whitespace.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Classify returns the first category whose keyword appears in productName,
// or Uncategorized.
func Classify(productName string) Label {
	name := Fold(productName)
	if name == "" {
		return Uncategorized
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(name, kw) {
				return r.label
			}
		}
	}
	return Uncategorized
}

// Canonicalize maps a category string supplied by a recognition backend onto
// a Label, falling back to keyword classification of the product name.
func Canonicalize(raw, productName string) Label {
	if l, ok := aliases[Fold(raw)]; ok {
		return l
	}
	return Classify(productName)
}
