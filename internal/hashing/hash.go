// Package hashing computes the two digests the pipeline keys on: a
// cryptographic content hash over raw image bytes (global cache key) and a
// semantic fingerprint over normalized extracted fields (intra-batch
// duplicate key).
package hashing

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ImageContentHash returns the hex sha-256 digest of raw image bytes.
// Byte-identical uploads hash identically; collisions are treated as
// identity.
func ImageContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SemanticFingerprint hashes the identity-bearing extracted fields of a
// receipt: vendor, total, date and invoice number. Case, surrounding
// whitespace and inner spaces are ignored so that re-extractions of the same
// physical receipt fingerprint identically despite minor OCR noise. md5 is
// deliberate: this is a similarity key, not a security boundary.
func SemanticFingerprint(vendor string, total float64, date, invoiceNumber string) string {
	raw := norm(vendor) + "|" + norm(FormatAmount(total)) + "|" + norm(date) + "|" + norm(invoiceNumber)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FormatAmount renders a monetary amount with the shortest exact decimal
// representation, so 1250.00 and 1250 fingerprint the same.
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func norm(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(s)), " ", "")
}
