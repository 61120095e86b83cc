package pipeline

import (
	"context"
	"log/slog"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/cache"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

// ReuseDecision is the outcome of a global content-hash lookup: the prior
// extraction to copy, and whether the current receipt is additionally an
// intra-batch duplicate of the match.
type ReuseDecision struct {
	Data        llm.ExtractionResult
	Fingerprint string
	IsDuplicate bool
	DuplicateOf string
}

// IdempotencyResolver answers "has this exact image been extracted
// anywhere before". Cost optimization only: every failure here degrades to
// a fresh extraction, never an aborted pipeline.
type IdempotencyResolver struct {
	store  store.Store
	cache  cache.HashCache
	logger *slog.Logger
}

func NewIdempotencyResolver(st store.Store, hc cache.HashCache, logger *slog.Logger) *IdempotencyResolver {
	if hc == nil {
		hc = cache.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyResolver{store: st, cache: hc, logger: logger}
}

// FindGlobalMatch looks the image hash up across all batches, preferring
// the sidecar cache over the store query. A match is reusable only when it
// already reached extracted; an in-flight or failed record is never
// copied. Returns nil when extraction should run fresh.
func (r *IdempotencyResolver) FindGlobalMatch(ctx context.Context, batchID, receiptID, imageHash string) *ReuseDecision {
	match := r.lookup(ctx, imageHash)
	if match == nil {
		return nil
	}
	if match.Status != constants.StatusExtracted || match.Data == nil {
		r.logger.Info("idempotency.match_not_reusable",
			"image_hash", short(imageHash), "match_status", string(match.Status))
		return nil
	}

	r.cache.Store(ctx, imageHash, match.BatchID, match.ID)

	data := *match.Data
	data.Source = llm.SourceReuse

	decision := &ReuseDecision{
		Data:        data,
		Fingerprint: match.Fingerprint,
	}
	// The same physical receipt legitimately appears once per batch across
	// different audits; only a same-batch match is a duplicate. A receipt
	// matching its own prior run is a re-delivery, not a duplicate.
	if match.BatchID == batchID && match.ID != receiptID {
		decision.IsDuplicate = true
		decision.DuplicateOf = match.ID
	}

	r.logger.Info("idempotency.cache_hit",
		"image_hash", short(imageHash),
		"matched_batch", match.BatchID,
		"matched_receipt", match.ID,
		"duplicate", decision.IsDuplicate,
	)
	return decision
}

// Record seeds the sidecar cache after a fresh extraction finalizes.
func (r *IdempotencyResolver) Record(ctx context.Context, imageHash, batchID, receiptID string) {
	r.cache.Store(ctx, imageHash, batchID, receiptID)
}

func (r *IdempotencyResolver) lookup(ctx context.Context, imageHash string) *store.Receipt {
	if batchID, receiptID, ok := r.cache.Lookup(ctx, imageHash); ok {
		rec, err := r.store.GetReceipt(ctx, batchID, receiptID)
		if err == nil && rec.ImageHash == imageHash {
			return rec
		}
		// stale cache entry; fall through to the authoritative query
	}

	matches, err := r.store.FindByImageHash(ctx, imageHash, 1)
	if err != nil {
		r.logger.Warn("idempotency.query_failed", "image_hash", short(imageHash), "error", err)
		return nil
	}
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
