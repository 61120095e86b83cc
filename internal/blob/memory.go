package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process ObjectStore for tests and local tooling.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	tokens  map[string]string
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string][]byte),
		tokens:  make(map[string]string),
	}
}

func (m *MemoryStore) Download(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Upload(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[path] = cp
	return nil
}

func (m *MemoryStore) EnsureDownloadToken(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return "", fmt.Errorf("object not found: %s", path)
	}
	if token, ok := m.tokens[path]; ok {
		return token, nil
	}
	token := uuid.New().String()
	m.tokens[path] = token
	return token, nil
}

func (m *MemoryStore) DownloadURL(path, token string) string {
	return PermanentDownloadURL(m.bucket, path, token)
}

var _ ObjectStore = (*MemoryStore)(nil)
var _ ObjectStore = (*GCSStore)(nil)
