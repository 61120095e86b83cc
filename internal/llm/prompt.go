package llm

import (
	"strings"

	"github.com/ledgerlens/ledgerlens/constants"
)

const promptTemplate = `You are a professional auditor and receipt data extraction expert.
Analyze the provided receipt/invoice image and extract the following structured fields.

Return ONLY a valid JSON object with these exact keys:
{
  "date": "YYYY-MM-DD (format as ISO 8601 if possible)",
  "vendor": "Official business name",
  "total": "Numeric total amount including tax",
  "tax": "Numeric tax amount (0.0 if not found)",
  "category": "One of: %CATEGORIES%",
  "invoice_number": "Invoice/Receipt reference number",
  "confidence_score": 0-100 (integer)
}

Rules:
1. If the image is not a receipt or invoice, return category "Invalid" and empty strings/0.
2. Ensure 'total' and 'tax' are pure numbers (e.g. 1250.00, not "1,250.00").
3. Use your best judgment for 'category' based on the vendor and items.
4. You MUST categorize into one of the categories listed above. Pick the closest match.
5. Output ONLY the raw JSON string. No preamble, no markdown formatting.`

// BuildExtractionPrompt composes the one instruction payload sent with the
// image: field schema, category enumeration (caller-supplied or default)
// and numeric-formatting rules. Supplying a different category list changes
// only model guidance, never parsing.
func BuildExtractionPrompt(categories []string) string {
	cats := constants.CategoriesOrDefault(categories)
	return strings.Replace(promptTemplate, "%CATEGORIES%", strings.Join(cats, ", "), 1)
}
