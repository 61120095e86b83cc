package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/llm"
)

// Both implementations must satisfy the same merge / conditional-increment
// semantics, so every case runs against both.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), common.StoreConfig{DSN: ":memory:"}, slog.Default())
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func sampleData() *llm.ExtractionResult {
	return &llm.ExtractionResult{
		Date:          "2024-03-01",
		Vendor:        "Acme Corp",
		Total:         42.50,
		Tax:           3.50,
		Category:      "Travel",
		InvoiceNumber: "INV-1",
		Confidence:    95,
		ModelUsed:     "gemini-flash-latest",
		Source:        llm.SourceFresh,
	}
}

func TestGetBatchNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		_, err := s.GetBatch(context.Background(), "missing")
		if !errors.Is(err, common.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPutAndGetBatch(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := &Batch{
			ID:                "B1",
			OwnerID:           "user-1",
			ClientName:        "Acme",
			AuditCycle:        "Q1-2024",
			ExpenseCategories: []string{"Hardware", "Snacks"},
		}
		if err := s.PutBatch(ctx, in); err != nil {
			t.Fatalf("put batch: %v", err)
		}
		got, err := s.GetBatch(ctx, "B1")
		if err != nil {
			t.Fatalf("get batch: %v", err)
		}
		if got.OwnerID != "user-1" || got.ClientName != "Acme" {
			t.Errorf("batch round trip mismatch: %+v", got)
		}
		if len(got.ExpenseCategories) != 2 || got.ExpenseCategories[0] != "Hardware" {
			t.Errorf("categories mismatch: %v", got.ExpenseCategories)
		}
	})
}

func TestMergeReceiptPreservesUnpatchedFields(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.MergeReceipt(ctx, "B1", "R1", ReceiptPatch{
			StoragePath: String("receipts/B1/R1.jpg"),
			ImageHash:   String("hash-1"),
		}); err != nil {
			t.Fatalf("first merge: %v", err)
		}
		// A later merge touching only status must not clobber the path.
		if err := s.MergeReceipt(ctx, "B1", "R1", ReceiptPatch{
			Status:       Status(constants.StatusError),
			ErrorMessage: String("boom"),
		}); err != nil {
			t.Fatalf("second merge: %v", err)
		}
		got, err := s.GetReceipt(ctx, "B1", "R1")
		if err != nil {
			t.Fatalf("get receipt: %v", err)
		}
		if got.StoragePath != "receipts/B1/R1.jpg" {
			t.Errorf("storage path clobbered: %q", got.StoragePath)
		}
		if got.ImageHash != "hash-1" {
			t.Errorf("image hash clobbered: %q", got.ImageHash)
		}
		if got.Status != constants.StatusError || got.ErrorMessage != "boom" {
			t.Errorf("status merge missing: %+v", got)
		}
	})
}

func TestFinalizeExtractedCountsExactlyOnce(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		patch := ReceiptPatch{
			Extracted:   Bool(true),
			Data:        sampleData(),
			Status:      Status(constants.StatusExtracted),
			ProcessedAt: Time(time.Now().UTC()),
		}

		counted, err := s.FinalizeExtracted(ctx, "B1", "R1", patch)
		if err != nil {
			t.Fatalf("first finalize: %v", err)
		}
		if !counted {
			t.Error("first finalize should count")
		}

		counted, err = s.FinalizeExtracted(ctx, "B1", "R1", patch)
		if err != nil {
			t.Fatalf("second finalize: %v", err)
		}
		if counted {
			t.Error("second finalize must not count again")
		}

		b, err := s.GetBatch(ctx, "B1")
		if err != nil {
			t.Fatalf("get batch: %v", err)
		}
		if b.ReceiptCount != 1 {
			t.Errorf("receiptCount = %d, want 1", b.ReceiptCount)
		}

		r, err := s.GetReceipt(ctx, "B1", "R1")
		if err != nil {
			t.Fatalf("get receipt: %v", err)
		}
		if !r.Extracted || r.Status != constants.StatusExtracted {
			t.Errorf("receipt not finalized: %+v", r)
		}
		if r.Data == nil || r.Data.Vendor != "Acme Corp" {
			t.Errorf("extracted data not persisted: %+v", r.Data)
		}
	})
}

func TestFinalizeExtractedConcurrent(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		patch := ReceiptPatch{
			Extracted:   Bool(true),
			Data:        sampleData(),
			Status:      Status(constants.StatusExtracted),
			ProcessedAt: Time(time.Now().UTC()),
		}

		const workers = 8
		var wg sync.WaitGroup
		var countedTotal atomic.Int64
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				counted, err := s.FinalizeExtracted(ctx, "B1", "R1", patch)
				if err != nil {
					t.Errorf("finalize: %v", err)
					return
				}
				if counted {
					countedTotal.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := countedTotal.Load(); got != 1 {
			t.Errorf("counted %d finalizations, want exactly 1", got)
		}
		b, err := s.GetBatch(ctx, "B1")
		if err != nil {
			t.Fatalf("get batch: %v", err)
		}
		if b.ReceiptCount != 1 {
			t.Errorf("receiptCount = %d, want 1", b.ReceiptCount)
		}
	})
}

func TestFindByImageHashIsGlobal(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, tc := range []struct{ batch, receipt, hash string }{
			{"B1", "R1", "shared-hash"},
			{"B2", "R9", "shared-hash"},
			{"B1", "R2", "other-hash"},
		} {
			if err := s.MergeReceipt(ctx, tc.batch, tc.receipt, ReceiptPatch{
				ImageHash: String(tc.hash),
			}); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		got, err := s.FindByImageHash(ctx, "shared-hash", 1)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("limit not applied, got %d rows", len(got))
		}
		all, err := s.FindByImageHash(ctx, "shared-hash", 10)
		if err != nil {
			t.Fatalf("find all: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected cross-batch match, got %d rows", len(all))
		}
	})
}

func TestFindByFingerprintIsBatchScoped(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, tc := range []struct{ batch, receipt, fp string }{
			{"B1", "R1", "fp-1"},
			{"B1", "R2", "fp-1"},
			{"B2", "R1", "fp-1"}, // same fingerprint, different batch
		} {
			if err := s.MergeReceipt(ctx, tc.batch, tc.receipt, ReceiptPatch{
				Fingerprint: String(tc.fp),
			}); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		got, err := s.FindByFingerprint(ctx, "B1", "fp-1", 2)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 matches in B1, got %d", len(got))
		}
		for _, r := range got {
			if r.BatchID != "B1" {
				t.Errorf("fingerprint query crossed batches: %+v", r)
			}
		}
	})
}

func TestListExtractedOrderedByUploadTime(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		for _, tc := range []struct {
			receipt  string
			status   constants.ReceiptStatus
			uploaded time.Time
		}{
			{"R2", constants.StatusExtracted, base.Add(2 * time.Minute)},
			{"R1", constants.StatusExtracted, base},
			{"R3", constants.StatusError, base.Add(time.Minute)},
		} {
			if err := s.MergeReceipt(ctx, "B1", tc.receipt, ReceiptPatch{
				Status:     Status(tc.status),
				UploadedAt: Time(tc.uploaded),
			}); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		got, err := s.ListExtracted(ctx, "B1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 extracted receipts, got %d", len(got))
		}
		if got[0].ID != "R1" || got[1].ID != "R2" {
			t.Errorf("wrong order: %s, %s", got[0].ID, got[1].ID)
		}
	})
}
