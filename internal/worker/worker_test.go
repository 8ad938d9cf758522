package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manifold-labs/ragcore/internal/denseindex"
	"github.com/manifold-labs/ragcore/internal/embedder"
	"github.com/manifold-labs/ragcore/internal/objectstore"
	"github.com/manifold-labs/ragcore/internal/sparseindex"
	"github.com/manifold-labs/ragcore/internal/store"
)

// memStore is a minimal in-memory store.Store good enough to drive the
// worker's dispatch logic end to end without a real database.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]store.Document // key: tenant/namespace/docID
	chunks    map[string]store.Chunk
	chunkSeq  int
	indices   map[string]store.Index
	jobs      map[string]store.Job
	jobSeq    int
}

func newMemStore() *memStore {
	return &memStore{
		docs: map[string]store.Document{}, chunks: map[string]store.Chunk{},
		indices: map[string]store.Index{}, jobs: map[string]store.Job{},
	}
}

func docKey(tenant, ns, docID string) string { return tenant + "/" + ns + "/" + docID }

func (m *memStore) BeginUpsert(_ context.Context, tenant, ns, docID, hash string) (store.UpsertDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[docKey(tenant, ns, docID)]; ok && d.DeletedAt == nil {
		if d.DocHash == hash {
			return store.UpsertDecision{Skip: true, DocID: docID}, nil
		}
		now := time.Now()
		d.DeletedAt = &now
		m.docs[docKey(tenant, ns, docID)] = d
		return store.UpsertDecision{DocID: docID, Superseded: true}, nil
	}
	return store.UpsertDecision{DocID: docID}, nil
}

func (m *memStore) InsertDocument(_ context.Context, doc store.Document, chunks []store.Chunk) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey(doc.Tenant, doc.Namespace, doc.DocID)] = doc
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		m.chunkSeq++
		id := fmt.Sprintf("%s#c%04d", doc.DocID, i)
		c.ChunkID = id
		c.DocID = doc.DocID
		m.chunks[id] = c
		ids[i] = id
	}
	return ids, nil
}

func (m *memStore) AssignFaissIDs(_ context.Context, ids map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for chunkID, faissID := range ids {
		c := m.chunks[chunkID]
		v := faissID
		c.FaissID = &v
		m.chunks[chunkID] = c
	}
	return nil
}

func (m *memStore) SoftDeleteDocument(_ context.Context, tenant, ns, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docKey(tenant, ns, docID)]
	if !ok {
		return 0, nil
	}
	now := time.Now()
	d.DeletedAt = &now
	m.docs[docKey(tenant, ns, docID)] = d
	n := 0
	for id, c := range m.chunks {
		if c.DocID == docID {
			c.DeletedAt = &now
			m.chunks[id] = c
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetDocument(_ context.Context, tenant, ns, docID string) (store.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docKey(tenant, ns, docID)]
	return d, ok, nil
}

func (m *memStore) LiveChunks(_ context.Context, p store.Partition) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Chunk
	for _, c := range m.chunks {
		if c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) GetChunks(_ context.Context, ids []string) (map[string]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *memStore) DocDeletedFor(_ context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	return out, nil
}

func (m *memStore) GetIndex(_ context.Context, p store.Partition) (store.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indices[p.Key()], nil
}

func (m *memStore) SetIndexDirty(_ context.Context, p store.Partition, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indices[p.Key()]
	idx.Dirty = dirty
	m.indices[p.Key()] = idx
	return nil
}

func (m *memStore) CommitIndexSwap(_ context.Context, p store.Partition, dim int, ntotal int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices[p.Key()] = store.Index{Partition: p, Dimension: dim, NTotal: ntotal, FilePath: path, UpdatedAt: time.Now()}
	return nil
}

func (m *memStore) EnqueueJob(_ context.Context, j store.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobSeq++
	id := fmt.Sprintf("job-%d", m.jobSeq)
	j.JobID = id
	j.Status = store.JobPending
	m.jobs[id] = j
	return id, nil
}

func (m *memStore) ClaimJob(context.Context) (store.Job, bool, error) { return store.Job{}, false, nil }
func (m *memStore) UpdateJobProgress(context.Context, string, int, string) error { return nil }
func (m *memStore) CompleteJob(context.Context, string) error                   { return nil }
func (m *memStore) FailJob(context.Context, string, error, int) error           { return nil }
func (m *memStore) GetJob(_ context.Context, jobID string) (store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok, nil
}
func (m *memStore) ReapStaleJobs(context.Context, time.Duration, int) (int, error) { return 0, nil }
func (m *memStore) Ping(context.Context) error                                     { return nil }
func (m *memStore) Close() error                                                   { return nil }

func newTestWorker(t *testing.T, st store.Store) *Worker {
	t.Helper()
	dir := t.TempDir()
	dense := denseindex.NewStore(dir)
	cache := sparseindex.NewCache(memStoreChunkSource{st: st.(*memStore)})
	emb := embedder.NewDeterministicService(8, "v1")
	return New(st, dense, cache, emb, nil, Config{})
}

type memStoreChunkSource struct{ st *memStore }

func (s memStoreChunkSource) LiveChunkTexts(ctx context.Context, partitionKey string) ([]sparseindex.ChunkText, error) {
	chunks, _ := s.st.LiveChunks(ctx, store.Partition{})
	out := make([]sparseindex.ChunkText, len(chunks))
	for i, c := range chunks {
		out[i] = sparseindex.ChunkText{ChunkID: c.ChunkID, Text: c.RawText}
	}
	return out, nil
}

func TestExecuteIngestHappyPath(t *testing.T) {
	st := newMemStore()
	w := newTestWorker(t, st)

	payload, _ := json.Marshal(IngestPayload{
		DocID: "doc1", Tenant: "acme", Namespace: "ns1", Filename: "f.txt",
		DocumentType: "default", EmbeddingVersion: "v1", Text: "one two three\n\nfour five six",
	})
	job := store.Job{JobID: "j1", Type: store.JobIngest, Payload: payload}
	if err := w.executeIngest(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.chunks) == 0 {
		t.Fatalf("expected chunks inserted")
	}
	for id, c := range st.chunks {
		if c.FaissID == nil {
			t.Fatalf("expected faiss id assigned for chunk %s", id)
		}
	}
}

func TestExecuteIngestSkipsOnUnchangedHash(t *testing.T) {
	st := newMemStore()
	w := newTestWorker(t, st)
	payload, _ := json.Marshal(IngestPayload{
		DocID: "doc1", Tenant: "acme", Namespace: "ns1", Filename: "f.txt",
		DocumentType: "default", EmbeddingVersion: "v1", Text: "stable content",
	})
	job := store.Job{JobID: "j1", Type: store.JobIngest, Payload: payload}
	if err := w.executeIngest(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := len(st.chunks)
	if err := w.executeIngest(context.Background(), job); err != nil {
		t.Fatalf("unexpected error on re-ingest: %v", err)
	}
	if len(st.chunks) != before {
		t.Fatalf("expected no new chunks on unchanged doc_hash, got %d -> %d", before, len(st.chunks))
	}
}

func TestIngestSyncArchivesRawDocument(t *testing.T) {
	st := newMemStore()
	w := newTestWorker(t, st)
	raw := objectstore.NewMemoryStore()
	w.RawStore = raw

	out, err := w.IngestSync(context.Background(), IngestPayload{
		DocID: "doc1", Tenant: "acme", Namespace: "ns1", Filename: "f.txt",
		DocumentType: "default", EmbeddingVersion: "v1", Text: "one two three\n\nfour five six",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Skipped || out.ChunksAdded == 0 {
		t.Fatalf("expected a non-skipped ingest with chunks, got %+v", out)
	}

	rc, _, err := raw.Get(context.Background(), objectstore.KeyFor("acme", "ns1", "doc1"))
	if err != nil {
		t.Fatalf("expected raw document archived: %v", err)
	}
	rc.Close()
}

func TestExecuteDeleteEnqueuesRebuild(t *testing.T) {
	st := newMemStore()
	w := newTestWorker(t, st)
	ingestPayload, _ := json.Marshal(IngestPayload{
		DocID: "doc1", Tenant: "acme", Namespace: "ns1", Filename: "f.txt",
		DocumentType: "default", EmbeddingVersion: "v1", Text: "some content here",
	})
	if err := w.executeIngest(context.Background(), store.Job{JobID: "j1", Type: store.JobIngest, Payload: ingestPayload}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	delPayload, _ := json.Marshal(DeletePayload{Tenant: "acme", Namespace: "ns1", DocID: "doc1"})
	if err := w.executeDelete(context.Background(), store.Job{JobID: "j2", Type: store.JobDelete, Payload: delPayload}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.jobs) != 1 {
		t.Fatalf("expected one rebuild job enqueued, got %d", len(st.jobs))
	}
	for _, j := range st.jobs {
		if j.Type != store.JobRebuild {
			t.Fatalf("expected enqueued job to be a rebuild, got %s", j.Type)
		}
	}
}

// skipOddStore wraps memStore and simulates a live chunk_hash collision on
// every other chunk, the way a real backend's partial unique index would,
// to exercise ingestCore's chunkIDs/embedTexts alignment.
type skipOddStore struct{ *memStore }

func (s skipOddStore) InsertDocument(ctx context.Context, doc store.Document, chunks []store.Chunk) ([]string, error) {
	kept := make([]store.Chunk, 0, len(chunks))
	keptIdx := make([]int, 0, len(chunks))
	for i, c := range chunks {
		if i%2 == 1 {
			continue // simulate a skipped duplicate
		}
		kept = append(kept, c)
		keptIdx = append(keptIdx, i)
	}
	keptIDs, err := s.memStore.InsertDocument(ctx, doc, kept)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(chunks))
	for i, id := range keptIDs {
		ids[keptIdx[i]] = id
	}
	return ids, nil
}

func TestIngestCoreAlignsChunkIDsWithEmbedTextsAcrossSkips(t *testing.T) {
	inner := newMemStore()
	st := skipOddStore{inner}
	dir := t.TempDir()
	dense := denseindex.NewStore(dir)
	cache := sparseindex.NewCache(memStoreChunkSource{st: inner})
	emb := embedder.NewDeterministicService(8, "v1")
	w := New(st, dense, cache, emb, nil, Config{})

	para := strings.Repeat("lorem ipsum dolor sit amet consectetur adipiscing elit ", 10)
	text := strings.Join([]string{para + "one", para + "two", para + "three", para + "four"}, "\n\n")

	out, err := w.IngestSync(context.Background(), IngestPayload{
		DocID: "doc1", Tenant: "acme", Namespace: "ns1", Filename: "f.txt",
		DocumentType: "default", EmbeddingVersion: "v1",
		Text: text,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ChunksAdded == 0 {
		t.Fatalf("expected some chunks stored, got %+v", out)
	}

	for id, c := range st.chunks {
		if c.FaissID == nil {
			t.Fatalf("expected every stored chunk to have a faiss id assigned, chunk %s did not", id)
		}
	}
	if out.ChunksAdded != len(st.chunks) {
		t.Fatalf("ChunksAdded (%d) should match the number of chunks actually stored (%d)", out.ChunksAdded, len(st.chunks))
	}
}
