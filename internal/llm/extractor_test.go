package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var (
	errFake  = errors.New("boom")
	errQuota = errors.New("googleapi: quota exceeded for requests per minute")
)

const validOutput = `{"date":"2024-03-01","vendor":"Acme Corp","total":"42.50","tax":"3.50","category":"Travel","invoice_number":"INV-1","confidence_score":95}`

// scriptedModel returns canned responses per call, recording which model
// was asked each time.
type scriptedModel struct {
	script []func() (string, error)
	calls  []string
}

func (m *scriptedModel) GenerateContent(_ context.Context, model, _ string, _ []byte) (string, error) {
	m.calls = append(m.calls, model)
	if len(m.script) == 0 {
		return "", errFake
	}
	next := m.script[0]
	m.script = m.script[1:]
	return next()
}

func succeed() func() (string, error) {
	return func() (string, error) { return validOutput, nil }
}

func failTransient() func() (string, error) {
	return func() (string, error) {
		return "", &ProviderError{Kind: KindTransient, StatusCode: 429, Err: errFake}
	}
}

func failMalformed() func() (string, error) {
	return func() (string, error) { return "definitely not json", nil }
}

func newTestExtractor(m VisionModel, models []string) (*Extractor, *[]time.Duration) {
	e := NewExtractor(m, ExtractorConfig{
		Models:      models,
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
	}, slog.Default())
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	e.jitter = func() float64 { return 0 }
	return e, &slept
}

func TestExtractSuccessFirstAttempt(t *testing.T) {
	m := &scriptedModel{script: []func() (string, error){succeed()}}
	e, slept := newTestExtractor(m, []string{"primary", "fallback"})

	res, err := e.Extract(context.Background(), []byte("img"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Vendor != "Acme Corp" || res.Total != 42.50 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ModelUsed != "primary" {
		t.Errorf("model_used = %q, want primary", res.ModelUsed)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no sleeps, got %v", *slept)
	}
}

func TestExtractTransientRetriesWithBackoffThenFallback(t *testing.T) {
	m := &scriptedModel{script: []func() (string, error){
		failTransient(), failTransient(), failTransient(), // primary exhausted
		succeed(), // fallback succeeds
	}}
	e, slept := newTestExtractor(m, []string{"primary", "fallback"})

	res, err := e.Extract(context.Background(), []byte("img"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ModelUsed != "fallback" {
		t.Errorf("model_used = %q, want fallback", res.ModelUsed)
	}
	if got := m.calls; len(got) != 4 {
		t.Fatalf("expected 4 provider calls, got %d (%v)", len(got), got)
	}
	// two backoff sleeps on the primary model, strictly increasing
	if len(*slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", *slept)
	}
	if (*slept)[0] != 20*time.Millisecond || (*slept)[1] != 40*time.Millisecond {
		t.Errorf("expected doubling delays 20ms/40ms, got %v", *slept)
	}
}

func TestExtractMalformedFallsThroughWithoutSleeping(t *testing.T) {
	m := &scriptedModel{script: []func() (string, error){
		failMalformed(), // primary abandoned immediately
		succeed(),
	}}
	e, slept := newTestExtractor(m, []string{"primary", "fallback"})

	res, err := e.Extract(context.Background(), []byte("img"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ModelUsed != "fallback" {
		t.Errorf("model_used = %q, want fallback", res.ModelUsed)
	}
	if len(m.calls) != 2 {
		t.Errorf("expected 2 provider calls, got %d", len(m.calls))
	}
	if len(*slept) != 0 {
		t.Errorf("malformed output must not sleep, slept %v", *slept)
	}
}

func TestExtractExhaustionReturnsExtractionFailed(t *testing.T) {
	m := &scriptedModel{} // every call fails with an opaque fatal error
	e, _ := newTestExtractor(m, []string{"primary", "fallback"})

	_, err := e.Extract(context.Background(), []byte("img"), nil)
	var exhausted *ExtractionFailedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExtractionFailedError, got %v", err)
	}
	if !errors.Is(err, errFake) {
		t.Errorf("expected last error to be preserved")
	}
	// fatal errors abandon each model after one attempt
	if len(m.calls) != 2 {
		t.Errorf("expected 2 provider calls, got %d (%v)", len(m.calls), m.calls)
	}
}

func TestBuildExtractionPromptCategories(t *testing.T) {
	custom := []string{"Hardware", "Snacks"}
	p := BuildExtractionPrompt(custom)
	if want := "Hardware, Snacks"; !strings.Contains(p, want) {
		t.Errorf("prompt missing custom categories %q", want)
	}
	d := BuildExtractionPrompt(nil)
	if !strings.Contains(d, "Miscellaneous") {
		t.Errorf("default prompt missing default categories")
	}
}
