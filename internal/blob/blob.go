// Package blob is the object-storage boundary: downloading receipt images,
// uploading export workbooks, and minting permanent download URLs.
package blob

import (
	"context"
	"fmt"
	"strings"
)

// downloadTokenKey is the object metadata key holding the permanent
// download token.
const downloadTokenKey = "firebaseStorageDownloadTokens"

// ObjectStore abstracts the storage bucket the pipeline reads images from
// and the export writes workbooks to.
type ObjectStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, contentType string) error

	// EnsureDownloadToken returns the object's permanent download token,
	// minting and persisting one when absent.
	EnsureDownloadToken(ctx context.Context, path string) (string, error)

	// DownloadURL builds the permanent, non-expiring download URL for an
	// object given its token.
	DownloadURL(path, token string) string
}

// PermanentDownloadURL builds a download URL from the token metadata. These
// URLs never expire, unlike 7-day signed URLs.
func PermanentDownloadURL(bucket, path, token string) string {
	encoded := strings.ReplaceAll(path, "/", "%2F")
	return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		bucket, encoded, token)
}
