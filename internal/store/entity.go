package store

import (
	"time"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/llm"
)

// Batch is a unit of audit work: one owner, one audit cycle, many receipts.
// ReceiptCount counts receipts whose status has ever reached extracted,
// each exactly once.
type Batch struct {
	ID                string
	OwnerID           string
	ClientName        string
	AuditCycle        string
	ExpenseCategories []string
	ReceiptCount      int
}

// Receipt is one uploaded image plus its processing outcome, keyed by
// batch + receipt id.
type Receipt struct {
	BatchID       string
	ID            string
	StoragePath   string
	FileExtension string
	ImageHash     string // sha-256 of raw image bytes, global cache key
	Fingerprint   string // semantic fingerprint of normalized fields
	Extracted     bool
	Data          *llm.ExtractionResult
	FlagDuplicate bool
	DuplicateOf   string
	Status        constants.ReceiptStatus
	ErrorMessage  string
	UploadedAt    time.Time
	ProcessedAt   time.Time
}

// ReceiptPatch carries a partial update. Nil fields are left untouched by
// the merge; the store must never clobber unrelated existing fields.
type ReceiptPatch struct {
	StoragePath   *string
	FileExtension *string
	ImageHash     *string
	Fingerprint   *string
	Extracted     *bool
	Data          *llm.ExtractionResult
	FlagDuplicate *bool
	DuplicateOf   *string
	Status        *constants.ReceiptStatus
	ErrorMessage  *string
	UploadedAt    *time.Time
	ProcessedAt   *time.Time
}

// helpers for building patches without local temporaries

func String(s string) *string                                { return &s }
func Bool(b bool) *bool                                      { return &b }
func Time(t time.Time) *time.Time                            { return &t }
func Status(s constants.ReceiptStatus) *constants.ReceiptStatus { return &s }
