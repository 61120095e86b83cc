package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerlens/ledgerlens/internal/llm"
)

// GenerateContent implements llm.VisionModel against the Generative
// Language REST API: one prompt part plus one inline image part, returning
// the concatenated candidate text. Failures come back as *llm.ProviderError
// classified by HTTP status so the extractor's retry policy can branch on
// kind rather than error text.
func (c *Client) GenerateContent(ctx context.Context, model, prompt string, image []byte) (string, error) {
	rid := uuid.New().String()
	start := time.Now()

	body := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]any{
				{"text": prompt},
				{"inline_data": map[string]any{
					"mime_type": "image/jpeg",
					"data":      base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		"generationConfig": map[string]any{
			"temperature":     c.cfg.Temperature,
			"maxOutputTokens": c.cfg.MaxOutputTokens,
		},
	}

	c.log.Info("gemini.generate.start",
		"req_id", rid,
		"model", model,
		"image_bytes", len(image),
	)

	endpoint := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimRight(c.cfg.BaseURL, "/"), model)
	raw, status, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("gemini.generate.http_error",
			"req_id", rid, "model", model, "status", status, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", classify(status, raw, err)
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.Error("gemini.generate.decode_error",
			"req_id", rid, "model", model, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", &llm.ProviderError{Kind: llm.KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Candidates) == 0 {
		c.log.Error("gemini.generate.no_candidates",
			"req_id", rid, "model", model,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", &llm.ProviderError{Kind: llm.KindMalformed, Err: fmt.Errorf("no candidates in response")}
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())

	c.log.Info("gemini.generate.ok",
		"req_id", rid,
		"model", model,
		"text_len", len(text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gemini http error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("gemini response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, resp.StatusCode, fmt.Errorf("gemini status %d: %s", resp.StatusCode, raw)
	}
	return raw, resp.StatusCode, nil
}

// classify maps an HTTP failure onto the typed error taxonomy. 429 and the
// 5xx availability family are transient; anything else is fatal for the
// model that produced it.
func classify(status int, body []byte, err error) error {
	kind := llm.KindFatal
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusInternalServerError,
		status == http.StatusServiceUnavailable:
		kind = llm.KindTransient
	case status == 0:
		// transport-level failure, no HTTP status
		kind = llm.KindTransient
	default:
		lower := strings.ToLower(string(body))
		for _, marker := range []string{"resource_exhausted", "rate", "quota", "overloaded", "unavailable"} {
			if strings.Contains(lower, marker) {
				kind = llm.KindTransient
				break
			}
		}
	}
	return &llm.ProviderError{Kind: kind, StatusCode: status, Err: err}
}
