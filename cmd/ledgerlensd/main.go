package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerlens/ledgerlens/internal/blob"
	"github.com/ledgerlens/ledgerlens/internal/cache"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/dispatch"
	"github.com/ledgerlens/ledgerlens/internal/export"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/llm/gemini"
	"github.com/ledgerlens/ledgerlens/internal/pipeline"
	"github.com/ledgerlens/ledgerlens/internal/server"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Document store
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("opening document store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.HealthCheck(ctx); err != nil {
		logger.Error("store health failed", "error", err)
		os.Exit(1)
	}
	logger.Info("store health OK")

	// Object storage
	blobs, err := blob.NewGCSStore(ctx, cfg.Blob.Bucket, logger)
	if err != nil {
		logger.Error("opening bucket", "bucket", cfg.Blob.Bucket, "error", err)
		os.Exit(1)
	}
	defer blobs.Close()

	// Optional idempotency cache
	var hashCache cache.HashCache = cache.Noop{}
	if cfg.Cache.Addr != "" {
		hc, err := cache.NewRedisCache(ctx, cfg.Cache.Addr, cfg.Cache.TTL, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without hash cache", "error", err)
		} else {
			hashCache = hc
		}
	}

	// Extraction pipeline
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

	finalizer := pipeline.NewFinalizer(st, logger)
	processor := pipeline.NewProcessor(st, blobs, extractor,
		pipeline.NewIdempotencyResolver(st, hashCache, logger),
		pipeline.NewDedupResolver(st, logger),
		finalizer, logger)
	dispatcher := dispatch.NewDispatcher(processor, logger)

	srv := server.New(dispatcher,
		export.NewService(st, blobs, logger),
		server.NewHMACVerifier(cfg.Server.JWTSecret),
		st.HealthCheck, cfg.Server.RequestTimeout, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	logger.Info("stopped")
}
