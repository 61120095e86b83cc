package constants

import "strings"

// ReceiptPathPrefix is the storage prefix that upload triggers react to.
// Receipt objects live at receipts/{batchID}/{receiptID}.{ext}.
const ReceiptPathPrefix = "receipts/"

// DefaultExtension is used when a retried receipt document carries no
// file_extension field.
const DefaultExtension = "webp"

// AllowedExtensions holds the image extensions the upload trigger accepts.
var AllowedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedExtension reports whether ext (with or without a leading dot,
// any case) is an accepted receipt image extension.
func IsAllowedExtension(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
