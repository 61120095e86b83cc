package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledgerlens/ledgerlens/constants"
)

var (
	reFenceOpen  = regexp.MustCompile("^```(?:json)?\\s*")
	reFenceClose = regexp.MustCompile("\\s*```$")
	reJSONObject = regexp.MustCompile(`(?s)\{.*\}`)
	reTrailComma = regexp.MustCompile(`,\s*\}`)
	reNonNumeric = regexp.MustCompile(`[^\d.\-]`)
)

// ExtractJSONPayload pulls the JSON object out of free-form model output:
// strips markdown code fences, grabs the first {...} span, and repairs a
// trailing comma before the closing brace.
func ExtractJSONPayload(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = reFenceOpen.ReplaceAllString(s, "")
		s = reFenceClose.ReplaceAllString(s, "")
	}
	if match := reJSONObject.FindString(s); match != "" {
		s = match
	}
	return reTrailComma.ReplaceAllString(s, "}")
}

// ToFloat safely parses a numeric value of any JSON type. Every character
// that is not a digit, dot or minus sign is stripped before parsing;
// empty or unparsable input yields 0.0. Results are rounded to 2 decimals.
func ToFloat(val any) float64 {
	var s string
	switch t := val.(type) {
	case nil:
		return 0.0
	case float64:
		return math.Round(t*100) / 100
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		s = fmt.Sprintf("%v", t)
	}
	cleaned := reNonNumeric.ReplaceAllString(s, "")
	if cleaned == "" {
		return 0.0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0.0
	}
	return math.Round(f*100) / 100
}

// toInt coerces a confidence score to an integer, defaulting to 0.
func toInt(val any) int {
	switch t := val.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

func toString(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ParseResult decodes sanitized model output and coerces every field to its
// canonical type, whatever the model actually returned.
func ParseResult(payload string, model string) (ExtractionResult, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return ExtractionResult{}, &ProviderError{
			Kind: KindMalformed,
			Err:  fmt.Errorf("decode model output: %w", err),
		}
	}

	category := constants.FallbackCategory
	if v, ok := m["category"]; ok {
		if s := strings.TrimSpace(toString(v)); s != "" {
			category = s
		}
	}

	return ExtractionResult{
		Date:          toString(m["date"]),
		Vendor:        toString(m["vendor"]),
		Total:         ToFloat(m["total"]),
		Tax:           ToFloat(m["tax"]),
		Category:      category,
		InvoiceNumber: toString(m["invoice_number"]),
		Confidence:    toInt(m["confidence_score"]),
		ModelUsed:     model,
		Source:        SourceFresh,
	}, nil
}
