package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/manifold-labs/ragcore/internal/denseindex"
	"github.com/manifold-labs/ragcore/internal/embedder"
	"github.com/manifold-labs/ragcore/internal/rerank"
	"github.com/manifold-labs/ragcore/internal/sparseindex"
	"github.com/manifold-labs/ragcore/internal/store"
)

// fakeStore implements store.Store with just enough behavior for retrieval
// tests: an in-memory chunk table and nothing else.
type fakeStore struct {
	chunks     map[string]store.Chunk
	docDeleted map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: map[string]store.Chunk{}, docDeleted: map[string]bool{}}
}

func (f *fakeStore) put(faissID int64, chunkID, docID, text string, deleted bool) {
	var da *time.Time
	if deleted {
		now := time.Now()
		da = &now
	}
	id := faissID
	f.chunks[chunkID] = store.Chunk{ChunkID: chunkID, DocID: docID, RawText: text, FaissID: &id, DeletedAt: da}
}

func (f *fakeStore) BeginUpsert(context.Context, string, string, string, string) (store.UpsertDecision, error) {
	return store.UpsertDecision{}, nil
}
func (f *fakeStore) InsertDocument(context.Context, store.Document, []store.Chunk) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) AssignFaissIDs(context.Context, map[string]int64) error { return nil }
func (f *fakeStore) SoftDeleteDocument(context.Context, string, string, string) (int, error) {
	return 0, nil
}
func (f *fakeStore) GetDocument(context.Context, string, string, string) (store.Document, bool, error) {
	return store.Document{}, false, nil
}
func (f *fakeStore) LiveChunks(context.Context, store.Partition) ([]store.Chunk, error) {
	out := make([]store.Chunk, 0, len(f.chunks))
	for _, c := range f.chunks {
		out = append(out, c)
	}
	return out, nil
}
func (f *fakeStore) GetChunks(_ context.Context, ids []string) (map[string]store.Chunk, error) {
	out := make(map[string]store.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}
func (f *fakeStore) DocDeletedFor(_ context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = f.docDeleted[id]
	}
	return out, nil
}
func (f *fakeStore) GetIndex(context.Context, store.Partition) (store.Index, error) {
	return store.Index{}, nil
}
func (f *fakeStore) SetIndexDirty(context.Context, store.Partition, bool) error { return nil }
func (f *fakeStore) CommitIndexSwap(context.Context, store.Partition, int, int64, string) error {
	return nil
}
func (f *fakeStore) EnqueueJob(context.Context, store.Job) (string, error) { return "", nil }
func (f *fakeStore) ClaimJob(context.Context) (store.Job, bool, error)     { return store.Job{}, false, nil }
func (f *fakeStore) UpdateJobProgress(context.Context, string, int, string) error { return nil }
func (f *fakeStore) CompleteJob(context.Context, string) error                   { return nil }
func (f *fakeStore) FailJob(context.Context, string, error, int) error           { return nil }
func (f *fakeStore) GetJob(context.Context, string) (store.Job, bool, error) {
	return store.Job{}, false, nil
}
func (f *fakeStore) ReapStaleJobs(context.Context, time.Duration, int) (int, error) { return 0, nil }
func (f *fakeStore) Ping(context.Context) error                                     { return nil }
func (f *fakeStore) Close() error                                                   { return nil }

func setup(t *testing.T) (*Retriever, *fakeStore) {
	t.Helper()
	dir := t.TempDir()
	denseStore := denseindex.NewStore(dir)
	part := store.Partition{Tenant: "t1", Namespace: "ns1", DocumentType: "default", EmbeddingVersion: "v1"}
	snap, _ := denseStore.Open(part.Key())
	// Two near-identical vectors and one orthogonal vector.
	_, _, _, err := denseStore.Append(part.Key(), snap, [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fs := newFakeStore()
	fs.put(0, "c0", "d1", "alpha beta gamma", false)
	fs.put(1, "c1", "d1", "alpha beta delta", false)
	fs.put(2, "c2", "d2", "zzz unrelated content", false)

	src := testChunkSource{chunks: []sparseindex.ChunkText{
		{ChunkID: "c0", Text: "alpha beta gamma"},
		{ChunkID: "c1", Text: "alpha beta delta"},
		{ChunkID: "c2", Text: "zzz unrelated content"},
	}}
	cache := sparseindex.NewCache(src)

	emb := embedder.NewDeterministicService(2, "v1")
	r := New(emb, denseStore, cache, nil, fs)
	return r, fs
}

type testChunkSource struct{ chunks []sparseindex.ChunkText }

func (s testChunkSource) LiveChunkTexts(context.Context, string) ([]sparseindex.ChunkText, error) {
	return s.chunks, nil
}

func TestSearchReturnsFusedResultsExcludingDeleted(t *testing.T) {
	r, fs := setup(t)
	fs.chunks["c1"] = store.Chunk{ChunkID: "c1", DocID: "d1", RawText: "alpha beta delta", FaissID: int64ptr(1), DeletedAt: timePtr(time.Now())}

	hits, err := r.Search(context.Background(), Request{
		Partition: store.Partition{Tenant: "t1", Namespace: "ns1", DocumentType: "default", EmbeddingVersion: "v1"},
		Query:     "alpha beta gamma",
		TopK:      5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == "c1" {
			t.Fatalf("expected deleted chunk c1 excluded, got %+v", hits)
		}
	}
}

func TestSearchDeterministicTieBreak(t *testing.T) {
	r, _ := setup(t)
	req := Request{
		Partition: store.Partition{Tenant: "t1", Namespace: "ns1", DocumentType: "default", EmbeddingVersion: "v1"},
		Query:     "alpha beta gamma",
		TopK:      5,
	}
	first, err := r.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("expected identical result length across runs")
	}
	for i := range first {
		if first[i].ChunkID != second[i].ChunkID {
			t.Fatalf("expected deterministic ordering, got %v vs %v", first, second)
		}
	}
}

func TestSearchSkipsRerankOnExpiredDeadline(t *testing.T) {
	r, _ := setup(t)
	r.Reranker = rerank.Noop{}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := r.Search(ctx, Request{
		Partition: store.Partition{Tenant: "t1", Namespace: "ns1", DocumentType: "default", EmbeddingVersion: "v1"},
		Query:     "alpha",
		TopK:      2,
	})
	if err != nil {
		t.Fatalf("expected search to succeed even when skipping rerank, got: %v", err)
	}
}

func int64ptr(v int64) *int64 { return &v }
func timePtr(v time.Time) *time.Time { return &v }
