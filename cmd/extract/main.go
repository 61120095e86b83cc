// Command extract runs the field-extraction pipeline once against a local
// image file and prints the result. Useful for prompt and model tuning
// without a store or bucket.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/hashing"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/llm/gemini"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		logger.Error("usage: extract <image_file> [category,category,...]")
		os.Exit(2)
	}
	path := os.Args[1]
	categories := constants.CategoriesOrDefault(nil)
	if len(os.Args) >= 3 {
		categories = constants.CategoriesOrDefault(strings.Split(os.Args[2], ","))
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		logger.Error("GEMINI_API_KEY env var is required")
		os.Exit(2)
	}

	image, err := os.ReadFile(path)
	if err != nil {
		logger.Error("reading image", "path", path, "error", err)
		os.Exit(1)
	}

	cfg := common.LoadConfig()
	provider := gemini.NewClient(gemini.Config{
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	extractor := llm.NewExtractor(provider, llm.ExtractorConfig{
		Models:      cfg.LLM.Models,
		MaxAttempts: cfg.LLM.MaxAttempts,
		BaseDelay:   cfg.LLM.BaseDelay,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	result, err := extractor.Extract(ctx, image, categories)
	if err != nil {
		logger.Error("extraction failed", "error", err)
		os.Exit(1)
	}
	logger.Info("extraction ok",
		"model", result.ModelUsed,
		"image_hash", hashing.ImageContentHash(image),
		"fingerprint", hashing.SemanticFingerprint(result.Vendor, result.Total, result.Date, result.InvoiceNumber),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("encoding result", "error", err)
		os.Exit(1)
	}
}
