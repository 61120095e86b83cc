package constants

import "strings"

// FallbackCategory is assigned when the model omits or invents a category.
const FallbackCategory = "Miscellaneous"

// DefaultCategories is the expense taxonomy offered to the model when a
// batch carries no custom category list.
var DefaultCategories = []string{
	"Food & Beverage",
	"Office Supplies",
	"Travel",
	"Fuel",
	"Utilities",
	"Medical",
	"Equipment",
	"Services",
	"Miscellaneous",
}

// CategoriesOrDefault returns custom when non-empty, the default taxonomy
// otherwise.
func CategoriesOrDefault(custom []string) []string {
	if len(custom) > 0 {
		return custom
	}
	return DefaultCategories
}

// CanonicalizeCategory matches input against a category list ignoring case
// and surrounding whitespace. Unknown input falls back to FallbackCategory.
func CanonicalizeCategory(input string, categories []string) string {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return FallbackCategory
	}
	for _, c := range categories {
		if normalized == strings.ToLower(c) {
			return c
		}
	}
	// Preserve what the model said: the audit report should show the raw
	// category rather than silently rewriting it to Miscellaneous.
	return strings.TrimSpace(input)
}
