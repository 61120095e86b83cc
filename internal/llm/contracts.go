package llm

import "context"

// Provenance markers recorded on extracted data so reporting can tell a
// fresh inference call from a content-hash cache hit.
const (
	SourceFresh = "gemini"
	SourceReuse = "cache_hit"
)

// ExtractionResult is the normalized field set we want from the model.
// Every field is always present after normalization, regardless of what the
// model actually returned.
type ExtractionResult struct {
	Date          string  `json:"date"` // YYYY-MM-DD when the model cooperates
	Vendor        string  `json:"vendor"`
	Total         float64 `json:"total"`
	Tax           float64 `json:"tax"`
	Category      string  `json:"category"`
	InvoiceNumber string  `json:"invoice_number"`
	Confidence    int     `json:"confidence_score"` // 0..100
	ModelUsed     string  `json:"model_used"`
	Source        string  `json:"source,omitempty"` // SourceFresh or SourceReuse
}

// VisionModel is the inference-provider abstraction the extractor depends
// on: one call with a prompt plus image bytes, returning free-form text
// expected to contain a JSON object. Failures should be *ProviderError so
// the retry policy can branch on kind instead of error text.
type VisionModel interface {
	GenerateContent(ctx context.Context, model, prompt string, image []byte) (string, error)
}
