package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/blob"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/hashing"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

// Extractor runs the model-backed field extraction for one image.
type Extractor interface {
	Extract(ctx context.Context, image []byte, categories []string) (llm.ExtractionResult, error)
}

// Job identifies one receipt image to process.
type Job struct {
	BatchID     string
	ReceiptID   string
	StoragePath string
}

// Processor runs the end-to-end pipeline for a single receipt: download,
// content hash, global reuse lookup, extraction, batch dedup, finalize.
// Any failure past addressing lands the receipt in status error.
type Processor struct {
	store     store.Store
	blobs     blob.ObjectStore
	extractor Extractor
	idem      *IdempotencyResolver
	dedup     *DedupResolver
	finalizer *Finalizer
	logger    *slog.Logger
}

func NewProcessor(st store.Store, blobs blob.ObjectStore, ex Extractor,
	idem *IdempotencyResolver, dedup *DedupResolver, fin *Finalizer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     st,
		blobs:     blobs,
		extractor: ex,
		idem:      idem,
		dedup:     dedup,
		finalizer: fin,
		logger:    logger,
	}
}

// Process runs the pipeline for one receipt. Safe to call multiple times
// for the same receipt: re-deliveries converge on the same terminal state
// and the batch counter moves at most once.
func (p *Processor) Process(ctx context.Context, job Job) error {
	rid := uuid.NewString()
	start := time.Now()
	log := p.logger.With("req_id", rid, "batch_id", job.BatchID, "receipt_id", job.ReceiptID)
	log.Info("pipeline.start", "storage_path", job.StoragePath)

	categories := p.batchCategories(ctx, job.BatchID, log)

	image, err := p.blobs.Download(ctx, job.StoragePath)
	if err != nil {
		p.finalizer.MarkError(ctx, job.BatchID, job.ReceiptID,
			fmt.Sprintf("image download failed: %v", err))
		return common.WrapError(err, "download image")
	}

	imageHash := hashing.ImageContentHash(image)

	if reuse := p.idem.FindGlobalMatch(ctx, job.BatchID, job.ReceiptID, imageHash); reuse != nil {
		err := p.finalizer.FinalizeExtracted(ctx, job.BatchID, job.ReceiptID, job.StoragePath,
			reuse.Data, imageHash, reuse.Fingerprint, reuse.IsDuplicate, reuse.DuplicateOf)
		if err != nil {
			p.finalizer.MarkError(ctx, job.BatchID, job.ReceiptID,
				fmt.Sprintf("finalize failed: %v", err))
			return err
		}
		p.idem.Record(ctx, imageHash, job.BatchID, job.ReceiptID)
		log.Info("pipeline.done",
			"source", llm.SourceReuse, "elapsed_ms", time.Since(start).Milliseconds())
		return nil
	}

	result, err := p.extractor.Extract(ctx, image, categories)
	if err != nil {
		p.finalizer.MarkError(ctx, job.BatchID, job.ReceiptID, extractionFailureMessage(err))
		return common.WrapError(err, "extract fields")
	}
	result.Category = constants.CanonicalizeCategory(result.Category, categories)

	fingerprint := hashing.SemanticFingerprint(result.Vendor, result.Total, result.Date, result.InvoiceNumber)
	duplicateOf, isDuplicate := p.dedup.FindBatchDuplicate(ctx, job.BatchID, fingerprint, job.ReceiptID)

	err = p.finalizer.FinalizeExtracted(ctx, job.BatchID, job.ReceiptID, job.StoragePath,
		result, imageHash, fingerprint, isDuplicate, duplicateOf)
	if err != nil {
		p.finalizer.MarkError(ctx, job.BatchID, job.ReceiptID,
			fmt.Sprintf("finalize failed: %v", err))
		return err
	}
	p.idem.Record(ctx, imageHash, job.BatchID, job.ReceiptID)

	log.Info("pipeline.done",
		"source", result.Source,
		"model", result.ModelUsed,
		"duplicate", isDuplicate,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// batchCategories loads the batch's expense categories, falling back to the
// defaults when the batch document is missing or unreadable. The pipeline
// never blocks on batch metadata.
func (p *Processor) batchCategories(ctx context.Context, batchID string, log *slog.Logger) []string {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			log.Warn("pipeline.batch_read_failed", "error", err)
		}
		return constants.CategoriesOrDefault(nil)
	}
	return constants.CategoriesOrDefault(batch.ExpenseCategories)
}

// extractionFailureMessage keeps the stored error message short and user
// facing, with the last provider error attached.
func extractionFailureMessage(err error) string {
	var fail *llm.ExtractionFailedError
	if errors.As(err, &fail) {
		return fmt.Sprintf("extraction failed after %d model(s): %v", len(fail.Models), fail.LastErr)
	}
	return fmt.Sprintf("extraction failed: %v", err)
}
