package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

// Finalizer applies a pipeline outcome to the receipt document exactly
// once: result merge plus the batch's conditional receiptCount increment
// on success, a non-destructive error merge on failure.
type Finalizer struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewFinalizer(st store.Store, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{store: st, logger: logger, now: time.Now}
}

// FinalizeExtracted merges the extraction result and status extracted into
// the receipt, preserving unrelated fields, and bumps the batch counter iff
// this receipt had never reached extracted before. The store runs the
// check-then-increment in one transaction.
func (f *Finalizer) FinalizeExtracted(ctx context.Context, batchID, receiptID, storagePath string,
	data llm.ExtractionResult, imageHash, fingerprint string, isDuplicate bool, duplicateOf string) error {

	patch := store.ReceiptPatch{
		Extracted:     store.Bool(true),
		Data:          &data,
		ImageHash:     store.String(imageHash),
		Fingerprint:   store.String(fingerprint),
		FlagDuplicate: store.Bool(isDuplicate),
		Status:        store.Status(constants.StatusExtracted),
		ProcessedAt:   store.Time(f.now().UTC()),
	}
	if storagePath != "" {
		patch.StoragePath = store.String(storagePath)
	}
	if duplicateOf != "" {
		patch.DuplicateOf = store.String(duplicateOf)
	}

	counted, err := f.store.FinalizeExtracted(ctx, batchID, receiptID, patch)
	if err != nil {
		return common.WrapError(err, "finalize extraction")
	}

	if isDuplicate {
		f.logger.Info("finalize.duplicate",
			"batch_id", batchID, "receipt_id", receiptID, "duplicate_of", duplicateOf)
	}
	f.logger.Info("finalize.extracted",
		"batch_id", batchID,
		"receipt_id", receiptID,
		"counted", counted,
		"source", data.Source,
		"model", data.ModelUsed,
	)
	return nil
}

// MarkError writes the failed terminal state, merged non-destructively.
// Best effort by contract: the receipt must not stay statusless, but a
// success already on the document is never clobbered by a later failed
// re-delivery (extracted → error is not a legal transition).
func (f *Finalizer) MarkError(ctx context.Context, batchID, receiptID, message string) {
	if batchID == "" || receiptID == "" {
		f.logger.Error("finalize.error_unaddressable", "message", message)
		return
	}

	current := constants.StatusNone
	if rec, err := f.store.GetReceipt(ctx, batchID, receiptID); err == nil {
		current = rec.Status
	} else if !errors.Is(err, common.ErrNotFound) {
		f.logger.Warn("finalize.error_read_failed",
			"batch_id", batchID, "receipt_id", receiptID, "error", err)
	}
	if !constants.CanTransition(current, constants.StatusError) {
		f.logger.Warn("finalize.error_suppressed",
			"batch_id", batchID, "receipt_id", receiptID, "current_status", string(current))
		return
	}

	err := f.store.MergeReceipt(ctx, batchID, receiptID, store.ReceiptPatch{
		Status:       store.Status(constants.StatusError),
		ErrorMessage: store.String(message),
		ProcessedAt:  store.Time(f.now().UTC()),
	})
	if err != nil {
		f.logger.Error("finalize.error_write_failed",
			"batch_id", batchID, "receipt_id", receiptID, "error", err)
		return
	}
	f.logger.Info("finalize.error",
		"batch_id", batchID, "receipt_id", receiptID, "message", message)
}
