package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ragcore.db")
	st, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestInsertDocumentAssignsOrdinalChunkIDs(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()

	doc := Document{DocID: "doc-1", Tenant: "t1", Namespace: "ns1", Filename: "a.txt", DocHash: "h1", CreatedAt: time.Now()}
	chunks := []Chunk{
		{RawText: "one", EmbedText: "one", ChunkHash: "hash-1", Ordinal: 0},
		{RawText: "two", EmbedText: "two", ChunkHash: "hash-2", Ordinal: 1},
		{RawText: "three", EmbedText: "three", ChunkHash: "hash-3", Ordinal: 2},
	}

	ids, err := st.InsertDocument(ctx, doc, chunks)
	if err != nil {
		t.Fatalf("insert document: %v", err)
	}
	want := []string{"doc-1#c0000", "doc-1#c0001", "doc-1#c0002"}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, id, want[i])
		}
	}

	live, err := st.LiveChunks(ctx, Partition{Tenant: "t1", Namespace: "ns1"})
	if err != nil {
		t.Fatalf("live chunks: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("expected 3 live chunks stored, got %d", len(live))
	}
}

func TestInsertDocumentSkipsDuplicateChunkHashWithinPartition(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()

	first := Document{DocID: "doc-1", Tenant: "t1", Namespace: "ns1", Filename: "a.txt", DocHash: "h1", CreatedAt: time.Now()}
	if _, err := st.InsertDocument(ctx, first, []Chunk{
		{RawText: "dup", EmbedText: "dup", ChunkHash: "shared-hash", Ordinal: 0},
	}); err != nil {
		t.Fatalf("insert first document: %v", err)
	}

	second := Document{DocID: "doc-2", Tenant: "t1", Namespace: "ns1", Filename: "b.txt", DocHash: "h2", CreatedAt: time.Now()}
	ids, err := st.InsertDocument(ctx, second, []Chunk{
		{RawText: "dup", EmbedText: "dup", ChunkHash: "shared-hash", Ordinal: 0},
		{RawText: "unique", EmbedText: "unique", ChunkHash: "unique-hash", Ordinal: 1},
	})
	if err != nil {
		t.Fatalf("insert second document: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected one slot per input chunk, got %d", len(ids))
	}
	if ids[0] != "" {
		t.Errorf("expected duplicate chunk_hash to be skipped (empty slot), got %q", ids[0])
	}
	if ids[1] != "doc-2#c0001" {
		t.Errorf("expected unique chunk to be inserted, got %q", ids[1])
	}

	live, err := st.LiveChunks(ctx, Partition{Tenant: "t1", Namespace: "ns1"})
	if err != nil {
		t.Fatalf("live chunks: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live chunks total (1 from doc-1, 1 from doc-2), got %d", len(live))
	}
}
