package constants

// ReceiptStatus is the canonical status for receipt documents.
type ReceiptStatus string

// Stable values (store these exact strings in the document store).
const (
	StatusNone         ReceiptStatus = ""              // document absent or never processed
	StatusExtracting   ReceiptStatus = "extracting"    // pipeline in flight (not normally persisted)
	StatusExtracted    ReceiptStatus = "extracted"     // terminal success
	StatusError        ReceiptStatus = "error"         // terminal failure, message attached
	StatusPendingRetry ReceiptStatus = "pending_retry" // user requested re-processing
)

// transitions is the validated state machine:
//
//	(absent) → extracting → extracted | error → pending_retry → extracting
//
// Terminal states accept idempotent self-rewrites so a re-delivered trigger
// converges instead of failing. A receipt that already reached extracted can
// only leave that state through pending_retry.
var transitions = map[ReceiptStatus]map[ReceiptStatus]struct{}{
	StatusNone: {
		StatusExtracting: {},
		StatusExtracted:  {},
		StatusError:      {},
	},
	StatusExtracting: {
		StatusExtracting: {},
		StatusExtracted:  {},
		StatusError:      {},
	},
	StatusExtracted: {
		StatusExtracted:    {},
		StatusPendingRetry: {},
	},
	StatusError: {
		StatusError:        {},
		StatusExtracted:    {},
		StatusPendingRetry: {},
	},
	StatusPendingRetry: {
		StatusExtracting: {},
		StatusExtracted:  {},
		StatusError:      {},
	},
}

// CanTransition reports whether a status write from → to is legal.
func CanTransition(from, to ReceiptStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ParseStatus maps a stored string onto the closed enum.
func ParseStatus(s string) (ReceiptStatus, bool) {
	switch ReceiptStatus(s) {
	case StatusNone, StatusExtracting, StatusExtracted, StatusError, StatusPendingRetry:
		return ReceiptStatus(s), true
	}
	return StatusNone, false
}
