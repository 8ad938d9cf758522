package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	content := []byte("hello, world!")

	etag, err := st.Put(ctx, "tenant/ns/doc1", bytes.NewReader(content), PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	rc, attrs, err := st.Get(ctx, "tenant/ns/doc1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("expected %q, got %q", content, data)
	}
	if attrs.Size != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), attrs.Size)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	st := NewMemoryStore()
	_, _, err := st.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	if _, err := st.Put(ctx, "to-delete", bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Delete(ctx, "to-delete"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := st.Get(ctx, "to-delete"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor("acme", "ns1", "doc1"); got != "acme/ns1/doc1" {
		t.Fatalf("unexpected key: %s", got)
	}
}
