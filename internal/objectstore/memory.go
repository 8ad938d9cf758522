package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore, used when no RAW_DOC_BUCKET
// is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	attrs   map[string]ObjectAttrs
}

// NewMemoryStore creates an in-memory ObjectStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), attrs: make(map[string]ObjectAttrs)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectAttrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ObjectAttrs{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), m.attrs[key], nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	etag := "\"" + key + "-etag\""
	m.objects[key] = data
	m.attrs[key] = ObjectAttrs{Key: key, Size: int64(len(data)), ETag: etag, LastModified: time.Now().UTC(), ContentType: opts.ContentType}
	return etag, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.attrs, key)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

var _ ObjectStore = (*MemoryStore)(nil)
