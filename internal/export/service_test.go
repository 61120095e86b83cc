package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/blob"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *blob.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	blobs := blob.NewMemoryStore("ledgerlens-test")
	svc := NewService(st, blobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, st, blobs
}

func seedBatch(t *testing.T, st *store.MemoryStore, id, owner string) {
	t.Helper()
	err := st.PutBatch(context.Background(), &store.Batch{
		ID: id, OwnerID: owner, ClientName: "Acme Corp", AuditCycle: "2026-Q1",
	})
	if err != nil {
		t.Fatalf("put batch: %v", err)
	}
}

func seedExtracted(t *testing.T, st *store.MemoryStore, batchID, id string,
	data llm.ExtractionResult, duplicate bool, uploadedAt time.Time) {
	t.Helper()
	err := st.MergeReceipt(context.Background(), batchID, id, store.ReceiptPatch{
		StoragePath:   store.String("receipts/" + batchID + "/" + id + ".webp"),
		Extracted:     store.Bool(true),
		Data:          &data,
		FlagDuplicate: store.Bool(duplicate),
		Status:        store.Status(constants.StatusExtracted),
		UploadedAt:    store.Time(uploadedAt),
	})
	if err != nil {
		t.Fatalf("seed receipt %s: %v", id, err)
	}
}

func TestExportBatchAccessControl(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedBatch(t, st, "batch-a", "owner-1")

	tests := []struct {
		name    string
		caller  string
		batchID string
		wantErr error
	}{
		{"missing batch id", "owner-1", "", common.ErrInvalidInput},
		{"unknown batch", "owner-1", "nope", common.ErrNotFound},
		{"foreign owner", "intruder", "batch-a", common.ErrForbidden},
		{"no extracted receipts", "owner-1", "batch-a", common.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ExportBatch(context.Background(), tt.caller, tt.batchID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExportBatchWorkbook(t *testing.T) {
	svc, st, blobs := newTestService(t)
	seedBatch(t, st, "batch-a", "owner-1")

	ctx := context.Background()
	for _, path := range []string{"receipts/batch-a/r1.webp", "receipts/batch-a/r2.webp"} {
		if err := blobs.Upload(ctx, path, []byte("img"), "image/webp"); err != nil {
			t.Fatalf("seed image: %v", err)
		}
	}

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedExtracted(t, st, "batch-a", "r1", llm.ExtractionResult{
		Date: "2026-03-01", Vendor: "Staples", Total: 42.50, Tax: 3.10,
		Category: "Office Supplies", InvoiceNumber: "INV-1", Confidence: 95,
	}, false, base)
	seedExtracted(t, st, "batch-a", "r2", llm.ExtractionResult{
		Date: "2026-03-02", Vendor: "Shell", Total: 60.00, Tax: 0,
		Category: "Fuel", InvoiceNumber: "", Confidence: 55,
	}, true, base.Add(time.Minute))

	res, err := svc.ExportBatch(ctx, "owner-1", "batch-a")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("rows = %d, want 2", res.Rows)
	}
	if !strings.HasPrefix(res.StoragePath, "exports/batch-a/") {
		t.Errorf("storage path = %q", res.StoragePath)
	}
	if !strings.HasPrefix(res.Filename, "LedgerLens_Acme Corp_2026-Q1_") ||
		!strings.HasSuffix(res.Filename, ".xlsx") {
		t.Errorf("filename = %q", res.Filename)
	}
	if !strings.Contains(res.DownloadURL, "alt=media&token=") {
		t.Errorf("download url = %q, want tokenized", res.DownloadURL)
	}

	raw, err := blobs.Download(context.Background(), res.StoragePath)
	if err != nil {
		t.Fatalf("workbook not uploaded: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	cell := func(ref string) string {
		v, err := f.GetCellValue(sheetName, ref)
		if err != nil {
			t.Fatalf("read %s: %v", ref, err)
		}
		return v
	}

	if got := cell("A1"); !strings.Contains(got, "Acme Corp") {
		t.Errorf("title = %q", got)
	}
	if got := cell("A4"); got != "Receipt ID" {
		t.Errorf("header A4 = %q", got)
	}
	if got := cell("A5"); got != "r1" {
		t.Errorf("first row id = %q, want r1 (upload order)", got)
	}
	if got := cell("C5"); got != "Staples" {
		t.Errorf("vendor = %q", got)
	}
	if got := cell("I5"); got != "No" {
		t.Errorf("duplicate cell = %q, want No", got)
	}
	if got := cell("I6"); got != "YES" {
		t.Errorf("duplicate cell = %q, want YES", got)
	}

	// Image links resolve to permanent tokenized URLs.
	link, target, err := f.GetCellHyperLink(sheetName, "J5")
	if err != nil || !link {
		t.Fatalf("no hyperlink on J5: %v", err)
	}
	if !strings.Contains(target, "receipts%2Fbatch-a%2Fr1.webp") {
		t.Errorf("hyperlink target = %q", target)
	}

	// Totals row sits two below the last data row and sums the live range.
	formula, err := f.GetCellFormula(sheetName, "D8")
	if err != nil {
		t.Fatalf("totals formula: %v", err)
	}
	if formula != "SUM(D5:D6)" {
		t.Errorf("totals formula = %q, want SUM(D5:D6)", formula)
	}
	if got := cell("A8"); got != "TOTALS" {
		t.Errorf("totals label = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"LedgerLens_Acme_2026-Q1_x.xlsx", "LedgerLens_Acme_2026-Q1_x.xlsx"},
		{"LedgerLens_A/B:C_x.xlsx", "LedgerLens_A_B_C_x.xlsx"},
		{"Łedger €.xlsx", "_edger _.xlsx"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
