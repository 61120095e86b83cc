package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/google/uuid"
)

// GCSStore implements ObjectStore over a single Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	log    *slog.Logger
}

// NewGCSStore dials Cloud Storage. STORAGE_EMULATOR_HOST switches the
// client to the local emulator without credentials.
func NewGCSStore(ctx context.Context, bucket string, logger *slog.Logger) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if host := os.Getenv("STORAGE_EMULATOR_HOST"); host != "" {
		opts = append(opts, option.WithoutAuthentication())
		logger.Info("blob.emulator_mode", "host", host)
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, log: logger}, nil
}

func (g *GCSStore) Download(ctx context.Context, path string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			g.log.Warn("blob.reader_close_error", "path", path, "error", err)
		}
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

func (g *GCSStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	w := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object %s: %w", path, err)
	}
	return nil
}

// EnsureDownloadToken reads the token metadata off the object, minting and
// patching a fresh uuid when the object has none yet.
func (g *GCSStore) EnsureDownloadToken(ctx context.Context, path string) (string, error) {
	obj := g.client.Bucket(g.bucket).Object(path)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return "", fmt.Errorf("object attrs %s: %w", path, err)
	}
	if token := attrs.Metadata[downloadTokenKey]; token != "" {
		return token, nil
	}

	token := uuid.New().String()
	metadata := make(map[string]string, len(attrs.Metadata)+1)
	for k, v := range attrs.Metadata {
		metadata[k] = v
	}
	metadata[downloadTokenKey] = token
	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: metadata}); err != nil {
		return "", fmt.Errorf("patch token %s: %w", path, err)
	}
	g.log.Info("blob.token_minted", "path", path)
	return token, nil
}

func (g *GCSStore) DownloadURL(path, token string) string {
	return PermanentDownloadURL(g.bucket, path, token)
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
