package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// ExtractorConfig bounds the fallback/retry policy.
type ExtractorConfig struct {
	Models      []string      // ordered: primary first, lighter fallbacks after
	MaxAttempts int           // attempts per model
	BaseDelay   time.Duration // backoff unit; doubles per attempt
}

func (c ExtractorConfig) withDefaults() ExtractorConfig {
	if len(c.Models) == 0 {
		c.Models = []string{"gemini-flash-latest", "gemini-flash-lite-latest"}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	return c
}

// Extractor turns one unreliable vision-model call into a bounded,
// classified retry loop over an ordered model list.
type Extractor struct {
	provider VisionModel
	cfg      ExtractorConfig
	logger   *slog.Logger

	// injectable for tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewExtractor(provider VisionModel, cfg ExtractorConfig, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

// Extract runs the ordered model fallback with bounded retry. Transient
// failures are retried on the same model with exponential backoff plus
// jitter; everything else abandons the model and moves to the next. Fails
// with *ExtractionFailedError only after exhausting every model/attempt.
func (e *Extractor) Extract(ctx context.Context, image []byte, categories []string) (ExtractionResult, error) {
	rid := uuid.New().String()
	start := time.Now()
	prompt := BuildExtractionPrompt(categories)
	schema := BuildExtractionJSONSchema()

	var lastErr error
	for _, model := range e.cfg.Models {
		for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
			if attempt > 0 {
				delay := e.backoff(attempt)
				e.logger.Info("llm.extract.retry",
					"req_id", rid, "model", model, "attempt", attempt, "delay_ms", delay.Milliseconds())
				if err := e.sleep(ctx, delay); err != nil {
					return ExtractionResult{}, err
				}
			}

			result, err := e.attempt(ctx, rid, model, prompt, schema, image)
			if err == nil {
				e.logger.Info("llm.extract.ok",
					"req_id", rid,
					"model", model,
					"vendor", result.Vendor,
					"total", result.Total,
					"confidence", result.Confidence,
					"elapsed_ms", time.Since(start).Milliseconds(),
				)
				return result, nil
			}
			lastErr = err

			kind := Classify(err)
			if kind == KindTransient && attempt < e.cfg.MaxAttempts-1 {
				e.logger.Warn("llm.extract.transient_error",
					"req_id", rid, "model", model, "attempt", attempt+1, "error", err)
				continue // retry same model
			}
			e.logger.Warn("llm.extract.model_failed",
				"req_id", rid, "model", model, "attempt", attempt+1, "kind", kind.String(), "error", err)
			break // next model
		}
	}

	e.logger.Error("llm.extract.exhausted",
		"req_id", rid,
		"models", len(e.cfg.Models),
		"error", lastErr,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return ExtractionResult{}, &ExtractionFailedError{Models: e.cfg.Models, LastErr: lastErr}
}

func (e *Extractor) attempt(ctx context.Context, rid, model, prompt string, schema map[string]any, image []byte) (ExtractionResult, error) {
	text, err := e.provider.GenerateContent(ctx, model, prompt, image)
	if err != nil {
		return ExtractionResult{}, err
	}

	payload := ExtractJSONPayload(text)
	if err := ValidateJSONAgainstSchema(schema, []byte(payload)); err != nil {
		e.logger.Warn("llm.extract.schema_validation_failed", "req_id", rid, "model", model, "error", err)
		return ExtractionResult{}, &ProviderError{
			Kind: KindMalformed,
			Err:  fmt.Errorf("schema validation: %w", err),
		}
	}
	return ParseResult(payload, model)
}

// backoff doubles the base delay per attempt and adds up to one base unit
// of uniform jitter, so concurrently-triggered receipts do not retry in
// lockstep against the provider's rate limit.
func (e *Extractor) backoff(attempt int) time.Duration {
	delay := e.cfg.BaseDelay << uint(attempt)
	return delay + time.Duration(e.jitter()*float64(e.cfg.BaseDelay))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
