// Package store is the document-store boundary the pipeline coordinates
// through. It offers per-document partial merge, bounded equality queries
// and a conditional counter increment, with no cross-document transactions
// beyond the finalize sequence.
package store

import "context"

// Store is the shared mutable resource. All concurrency coordination in
// the pipeline happens through these operations.
type Store interface {
	// GetBatch returns common.ErrNotFound when the batch does not exist.
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	PutBatch(ctx context.Context, b *Batch) error

	// GetReceipt returns common.ErrNotFound when the document is absent.
	GetReceipt(ctx context.Context, batchID, receiptID string) (*Receipt, error)

	// MergeReceipt upserts the document, touching only the patched fields.
	MergeReceipt(ctx context.Context, batchID, receiptID string, patch ReceiptPatch) error

	// FinalizeExtracted merges the patch and, when the receipt had not
	// previously reached extracted, increments the batch's receiptCount by
	// exactly one, in a single transaction, so a concurrent double
	// finalization cannot double-count. Reports whether this call counted.
	FinalizeExtracted(ctx context.Context, batchID, receiptID string, patch ReceiptPatch) (bool, error)

	// FindByImageHash queries receipts across all batches by raw-image
	// hash, bounded to limit results. No ordering is guaranteed.
	FindByImageHash(ctx context.Context, imageHash string, limit int) ([]*Receipt, error)

	// FindByFingerprint queries receipts within one batch by semantic
	// fingerprint, bounded to limit results.
	FindByFingerprint(ctx context.Context, batchID, fingerprint string, limit int) ([]*Receipt, error)

	// ListExtracted returns a batch's extracted receipts ordered by upload
	// time, for report export.
	ListExtracted(ctx context.Context, batchID string) ([]*Receipt, error)
}
