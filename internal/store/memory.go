package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/common"
)

// MemoryStore is an in-process Store with the same merge and conditional
// increment semantics as the SQL implementation. Used by tests and local
// one-shot tooling.
type MemoryStore struct {
	mu       sync.Mutex
	batches  map[string]*Batch
	receipts map[string]*Receipt // key batchID + "/" + receiptID
	order    []string            // insertion order, stands in for upload time ties
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*Batch),
		receipts: make(map[string]*Receipt),
	}
}

func key(batchID, receiptID string) string { return batchID + "/" + receiptID }

func (m *MemoryStore) GetBatch(_ context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PutBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	if existing, ok := m.batches[b.ID]; ok {
		cp.ReceiptCount = existing.ReceiptCount
	}
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, batchID, receiptID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[key(batchID, receiptID)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) MergeReceipt(_ context.Context, batchID, receiptID string, patch ReceiptPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merge(batchID, receiptID, patch)
	return nil
}

func (m *MemoryStore) merge(batchID, receiptID string, patch ReceiptPatch) *Receipt {
	k := key(batchID, receiptID)
	r, ok := m.receipts[k]
	if !ok {
		r = &Receipt{BatchID: batchID, ID: receiptID}
		m.receipts[k] = r
		m.order = append(m.order, k)
	}
	if patch.StoragePath != nil {
		r.StoragePath = *patch.StoragePath
	}
	if patch.FileExtension != nil {
		r.FileExtension = *patch.FileExtension
	}
	if patch.ImageHash != nil {
		r.ImageHash = *patch.ImageHash
	}
	if patch.Fingerprint != nil {
		r.Fingerprint = *patch.Fingerprint
	}
	if patch.Extracted != nil {
		r.Extracted = *patch.Extracted
	}
	if patch.Data != nil {
		d := *patch.Data
		r.Data = &d
	}
	if patch.FlagDuplicate != nil {
		r.FlagDuplicate = *patch.FlagDuplicate
	}
	if patch.DuplicateOf != nil {
		r.DuplicateOf = *patch.DuplicateOf
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.ErrorMessage != nil {
		r.ErrorMessage = *patch.ErrorMessage
	}
	if patch.UploadedAt != nil {
		r.UploadedAt = *patch.UploadedAt
	}
	if patch.ProcessedAt != nil {
		r.ProcessedAt = *patch.ProcessedAt
	}
	return r
}

func (m *MemoryStore) FinalizeExtracted(_ context.Context, batchID, receiptID string, patch ReceiptPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasExtracted := false
	if r, ok := m.receipts[key(batchID, receiptID)]; ok {
		wasExtracted = r.Extracted
	}
	m.merge(batchID, receiptID, patch)
	if wasExtracted {
		return false, nil
	}
	b, ok := m.batches[batchID]
	if !ok {
		b = &Batch{ID: batchID}
		m.batches[batchID] = b
	}
	b.ReceiptCount++
	return true, nil
}

func (m *MemoryStore) FindByImageHash(_ context.Context, imageHash string, limit int) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Receipt
	for _, k := range m.order {
		r := m.receipts[k]
		if r.ImageHash == imageHash {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) FindByFingerprint(_ context.Context, batchID, fingerprint string, limit int) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Receipt
	for _, k := range m.order {
		r := m.receipts[k]
		if r.BatchID == batchID && r.Fingerprint == fingerprint {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExtracted(_ context.Context, batchID string) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Receipt
	for _, k := range m.order {
		r := m.receipts[k]
		if r.BatchID == batchID && r.Status == constants.StatusExtracted {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out, nil
}

// compile-time interface checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
