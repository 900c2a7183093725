// Package pricing resolves the credit price of a tool call. The full
// dynamic-pricing rule engine lives outside the core; the gate only needs a
// pure function from (tool, arguments) to a non-negative price.
package pricing

import "strings"

// Resolver prices a tool call in credits.
type Resolver interface {
	Resolve(tool string, arguments map[string]interface{}) int64
}

// Table is a static price list. Lookup order: exact tool name, then a
// "<prefix><sep>*" wildcard for prefixed names, then the default.
type Table struct {
	DefaultPrice int64            `yaml:"default_price"`
	Tools        map[string]int64 `yaml:"tools"`
	Separator    string           `yaml:"-"`
}

// NewTable builds a table resolver. separator is the router's tool-name
// separator (default ":").
func NewTable(defaultPrice int64, tools map[string]int64, separator string) *Table {
	if separator == "" {
		separator = ":"
	}
	return &Table{DefaultPrice: defaultPrice, Tools: tools, Separator: separator}
}

// Resolve returns the price for a tool call. Never negative.
func (t *Table) Resolve(tool string, _ map[string]interface{}) int64 {
	if price, ok := t.Tools[tool]; ok {
		return clamp(price)
	}
	if i := strings.Index(tool, t.Separator); i > 0 {
		if price, ok := t.Tools[tool[:i]+t.Separator+"*"]; ok {
			return clamp(price)
		}
	}
	return clamp(t.DefaultPrice)
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
