package pipeline

import (
	"context"
	"log/slog"

	"github.com/ledgerlens/ledgerlens/internal/store"
)

// DedupResolver detects a second receipt in the same batch carrying the
// same semantic fingerprint. Only used on the fresh-extraction path; the
// idempotency resolver handles the reuse path's duplicate flag itself.
type DedupResolver struct {
	store  store.Store
	logger *slog.Logger
}

func NewDedupResolver(st store.Store, logger *slog.Logger) *DedupResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DedupResolver{store: st, logger: logger}
}

// FindBatchDuplicate returns the id of another receipt in the batch with
// the same fingerprint. Bounded to 2 results so a previously-persisted
// fingerprint for selfID cannot mask the real duplicate. Query failures
// degrade to "no duplicate"; flagging is best effort.
func (r *DedupResolver) FindBatchDuplicate(ctx context.Context, batchID, fingerprint, selfID string) (string, bool) {
	if fingerprint == "" {
		return "", false
	}
	matches, err := r.store.FindByFingerprint(ctx, batchID, fingerprint, 2)
	if err != nil {
		r.logger.Warn("dedup.query_failed", "batch_id", batchID, "error", err)
		return "", false
	}
	for _, m := range matches {
		if m.ID != selfID {
			return m.ID, true
		}
	}
	return "", false
}
