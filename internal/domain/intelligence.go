package domain

import (
	"maps"
	"slices"
)

// Category is a class of extracted indicator.
type Category string

const (
	CategoryBankAccounts   Category = "bankAccounts"
	CategoryPaymentHandles Category = "paymentHandles"
	CategoryLinks          Category = "links"
	CategoryPhoneNumbers   Category = "phoneNumbers"
	CategoryKeywords       Category = "keywords"
)

// Categories lists every category in report order.
var Categories = []Category{
	CategoryBankAccounts,
	CategoryPaymentHandles,
	CategoryLinks,
	CategoryPhoneNumbers,
	CategoryKeywords,
}

// HighValue reports whether indicators of this category end a session early.
func (c Category) HighValue() bool {
	switch c {
	case CategoryPaymentHandles, CategoryPhoneNumbers, CategoryLinks:
		return true
	default:
		return false
	}
}

// Intelligence maps each category to a set of indicator strings.
// The zero value is an empty, usable set for reads; use Add to write.
type Intelligence map[Category]map[string]struct{}

// NewIntelligence builds an Intelligence from per-category slices.
func NewIntelligence(values map[Category][]string) Intelligence {
	in := Intelligence{}
	for c, vs := range values {
		for _, v := range vs {
			in.Add(c, v)
		}
	}
	return in
}

// Add inserts value under category and reports whether it was new.
func (in Intelligence) Add(c Category, value string) bool {
	set, ok := in[c]
	if !ok {
		set = make(map[string]struct{})
		in[c] = set
	}
	if _, exists := set[value]; exists {
		return false
	}
	set[value] = struct{}{}
	return true
}

// Has reports whether value is present under category.
func (in Intelligence) Has(c Category, value string) bool {
	_, ok := in[c][value]
	return ok
}

// Len returns the number of indicators under category.
func (in Intelligence) Len(c Category) int {
	return len(in[c])
}

// Empty reports whether no category holds any indicator.
func (in Intelligence) Empty() bool {
	for _, set := range in {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// Values returns the sorted indicators under category, never nil.
func (in Intelligence) Values(c Category) []string {
	out := make([]string, 0, len(in[c]))
	for v := range in[c] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Merge unions other into in and returns the number of new indicators.
func (in Intelligence) Merge(other Intelligence) int {
	added := 0
	for c, set := range other {
		for v := range set {
			if in.Add(c, v) {
				added++
			}
		}
	}
	return added
}

// Clone returns a deep copy.
func (in Intelligence) Clone() Intelligence {
	out := make(Intelligence, len(in))
	for c, set := range in {
		out[c] = maps.Clone(set)
	}
	return out
}
