// Package worker implements the Job Queue consumer (C10): a single polling
// loop that claims pending jobs from the metadata store and executes
// ingest/rebuild/delete jobs against the Chunker, Enricher, Embedder, Index
// Store and Sparse Indexer (spec.md §4.8).
//
// The poll-claim-execute-report loop is grounded on the teacher's
// internal/rag/ingest worker loop shape, generalized from its single
// "ingest a document" job kind to the three job types this spec names.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/ragcore/internal/chunker"
	"github.com/manifold-labs/ragcore/internal/denseindex"
	"github.com/manifold-labs/ragcore/internal/embedder"
	"github.com/manifold-labs/ragcore/internal/enrich"
	"github.com/manifold-labs/ragcore/internal/objectstore"
	"github.com/manifold-labs/ragcore/internal/sparseindex"
	"github.com/manifold-labs/ragcore/internal/store"
)

// IngestPayload is the JSON shape of an ingest job's store.Job.Payload.
type IngestPayload struct {
	DocID            string         `json:"doc_id"`
	Tenant           string         `json:"tenant"`
	Namespace        string         `json:"namespace"`
	Filename         string         `json:"filename"`
	MimeType         string         `json:"mime_type"`
	DocumentType     string         `json:"document_type"`
	EmbeddingVersion string         `json:"embedding_version"`
	ChunkStrategy    string         `json:"chunk_strategy,omitempty"`
	ChunkOverlap     *int           `json:"chunk_overlap,omitempty"`
	Text             string         `json:"text"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DeletePayload is the JSON shape of a delete job's payload.
type DeletePayload struct {
	Tenant    string `json:"tenant"`
	Namespace string `json:"namespace"`
	DocID     string `json:"doc_id"`
}

// RebuildPayload is the JSON shape of a rebuild job's payload.
type RebuildPayload struct {
	Partition store.Partition `json:"partition"`
	Reembed   bool            `json:"reembed"`
}

// Config holds the worker's tunables, all spec-mandated defaults.
type Config struct {
	PollInterval   time.Duration
	StaleAfter     time.Duration
	MaxRetries     int
	IngestTimeout  time.Duration
	EmbedBatchSize int
}

// Worker drives the job queue.
type Worker struct {
	Store       store.Store
	DenseStore  *denseindex.Store
	SparseCache *sparseindex.Cache
	Embedder    embedder.Embedder
	Enricher    *enrich.Service
	RawStore    objectstore.ObjectStore // archive of original uploads; nil disables archiving
	Cfg         Config
}

func New(st store.Store, dense *denseindex.Store, sparse *sparseindex.Cache, emb embedder.Embedder, enricher *enrich.Service, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = 2 * time.Hour
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 32
	}
	return &Worker{Store: st, DenseStore: dense, SparseCache: sparse, Embedder: emb, Enricher: enricher, Cfg: cfg}
}

// Run polls for jobs until ctx is canceled. It performs the startup watchdog
// sweep once before entering the poll loop.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.Store.ReapStaleJobs(ctx, w.Cfg.StaleAfter, w.Cfg.MaxRetries); err != nil {
		log.Error().Err(err).Msg("worker: startup watchdog sweep failed")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("worker: reaped stale running jobs on startup")
	}

	ticker := time.NewTicker(w.Cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	job, ok, err := w.Store.ClaimJob(ctx)
	if err != nil {
		log.Error().Err(err).Msg("worker: claim job failed")
		return
	}
	if !ok {
		return
	}
	log.Info().Str("job_id", job.JobID).Str("type", string(job.Type)).Msg("worker: claimed job")

	jobCtx := ctx
	var cancel context.CancelFunc
	if job.Type == store.JobIngest {
		jobCtx, cancel = context.WithTimeout(ctx, w.Cfg.IngestTimeout)
		defer cancel()
	}

	var execErr error
	switch job.Type {
	case store.JobIngest:
		execErr = w.executeIngest(jobCtx, job)
	case store.JobDelete:
		execErr = w.executeDelete(jobCtx, job)
	case store.JobRebuild:
		execErr = w.executeRebuild(jobCtx, job)
	default:
		execErr = fmt.Errorf("worker: unknown job type %q", job.Type)
	}

	if execErr != nil {
		log.Warn().Str("job_id", job.JobID).Err(execErr).Msg("worker: job failed")
		if err := w.Store.FailJob(ctx, job.JobID, execErr, w.Cfg.MaxRetries); err != nil {
			log.Error().Err(err).Msg("worker: failed to record job failure")
		}
		return
	}
	if err := w.Store.CompleteJob(ctx, job.JobID); err != nil {
		log.Error().Err(err).Msg("worker: failed to mark job completed")
	}
}

func chunkHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

func docHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// executeIngest implements spec §4.7's upsert operation end to end:
// idempotency check, chunking, enrichment, embedding with backpressure,
// atomic index swap, and sparse-index invalidation.
func (w *Worker) executeIngest(ctx context.Context, job store.Job) error {
	var p IngestPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("worker: decode ingest payload: %w", err)
	}
	_, err := w.ingestCore(ctx, p, func(pct int, msg string) {
		_ = w.Store.UpdateJobProgress(ctx, job.JobID, pct, msg)
	})
	return err
}

// IngestOutcome reports what an IngestSync call did, enough for the API
// surface to answer spec §6's synchronous /ingest response shape.
type IngestOutcome struct {
	DocID       string
	ChunksAdded int
	Skipped     bool
}

// IngestSync runs the same ingest pipeline as a queued job but inline,
// for the API surface's synchronous POST /ingest (spec §6). It reports no
// job progress since there is no job row backing it.
func (w *Worker) IngestSync(ctx context.Context, p IngestPayload) (IngestOutcome, error) {
	return w.ingestCore(ctx, p, func(int, string) {})
}

func (w *Worker) ingestCore(ctx context.Context, p IngestPayload, progress func(pct int, msg string)) (out IngestOutcome, err error) {
	out.DocID = p.DocID

	hash := docHash(p.Text)
	decision, err := w.Store.BeginUpsert(ctx, p.Tenant, p.Namespace, p.DocID, hash)
	if err != nil {
		return out, fmt.Errorf("worker: begin upsert: %w", err)
	}
	if decision.Skip {
		progress(100, "skipped: doc_hash unchanged")
		out.Skipped = true
		return out, nil
	}

	if w.RawStore != nil {
		key := objectstore.KeyFor(p.Tenant, p.Namespace, p.DocID)
		if _, err := w.RawStore.Put(ctx, key, strings.NewReader(p.Text), objectstore.PutOptions{ContentType: p.MimeType}); err != nil {
			log.Warn().Err(err).Str("doc_id", p.DocID).Msg("worker: failed to archive raw document, continuing without it")
		}
	}

	progress(5, "chunking")
	result, err := chunker.Chunk(chunker.Request{
		Text:     p.Text,
		Strategy: p.ChunkStrategy,
		Overlap:  p.ChunkOverlap,
		Meta: chunker.Metadata{
			Filename:     p.Filename,
			MimeType:     p.MimeType,
			DocumentType: p.DocumentType,
		},
	})
	if err != nil {
		return out, fmt.Errorf("worker: chunk: %w", err)
	}

	partition := store.Partition{Tenant: p.Tenant, Namespace: p.Namespace, DocumentType: p.DocumentType, EmbeddingVersion: p.EmbeddingVersion}

	chunkHashes := make(map[string]string, len(result.Chunks))
	reqs := make([]enrich.Request, len(result.Chunks))
	for i, text := range result.Chunks {
		id := fmt.Sprintf("pending#%04d", i)
		chunkHashes[id] = chunkHash(text)
		reqs[i] = enrich.Request{ChunkID: id, DocumentName: p.Filename, DocumentType: p.DocumentType, RawText: text}
	}

	embedTexts := make([]string, len(result.Chunks))
	if w.Enricher != nil {
		progress(15, fmt.Sprintf("enriching 0/%d", len(reqs)))
		enriched := w.Enricher.EnrichAll(ctx, reqs, chunkHashes)
		for i, r := range enriched {
			embedTexts[i] = r.EmbedText
		}
		progress(35, fmt.Sprintf("enriching %d/%d", len(reqs), len(reqs)))
	} else {
		copy(embedTexts, result.Chunks)
	}

	chunks := make([]store.Chunk, len(result.Chunks))
	for i, raw := range result.Chunks {
		chunks[i] = store.Chunk{
			RawText:   raw,
			EmbedText: embedTexts[i],
			ChunkHash: chunkHash(raw),
			Ordinal:   i,
		}
	}

	doc := store.Document{
		DocID: p.DocID, Tenant: p.Tenant, Namespace: p.Namespace, Filename: p.Filename,
		MimeType: p.MimeType, DocumentType: p.DocumentType, DocHash: hash,
		EmbeddingVersion: p.EmbeddingVersion, ChunkStrategy: result.Strategy, Metadata: p.Metadata,
	}
	chunkIDs, err := w.Store.InsertDocument(ctx, doc, chunks)
	if err != nil {
		return out, fmt.Errorf("worker: insert document: %w", err)
	}

	// InsertDocument returns one slot per input chunk, "" where a chunk was
	// skipped as a live chunk_hash duplicate; keep embedTexts in lockstep so
	// embedAndIndex never pairs a vector with the wrong chunk.
	liveChunkIDs := make([]string, 0, len(chunkIDs))
	liveEmbedTexts := make([]string, 0, len(chunkIDs))
	for i, id := range chunkIDs {
		if id == "" {
			continue
		}
		liveChunkIDs = append(liveChunkIDs, id)
		liveEmbedTexts = append(liveEmbedTexts, embedTexts[i])
	}

	if err := w.embedAndIndex(ctx, progress, partition, liveChunkIDs, liveEmbedTexts); err != nil {
		// Partial progress: soft-delete what we inserted so a half-embedded
		// document never surfaces in search (spec §4.8 deadline handling).
		if _, derr := w.Store.SoftDeleteDocument(ctx, p.Tenant, p.Namespace, p.DocID); derr != nil {
			log.Error().Err(derr).Msg("worker: failed to soft-delete partially ingested document after error")
		}
		return out, err
	}

	w.SparseCache.Invalidate(partition.Key())
	progress(100, "storing")
	out.ChunksAdded = len(liveChunkIDs)
	return out, nil
}

// embedAndIndex embeds in streaming batches of at most 2*EmbedBatchSize
// chunks ahead of the embedder call (spec §4.8 backpressure), appending each
// batch's vectors to the dense index and assigning faiss ids as it goes.
func (w *Worker) embedAndIndex(ctx context.Context, progress func(pct int, msg string), p store.Partition, chunkIDs []string, embedTexts []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	partKey := p.Key()
	lookahead := 2 * w.Cfg.EmbedBatchSize

	var dim int
	var ntotal int64
	for start := 0; start < len(chunkIDs); start += lookahead {
		end := start + lookahead
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}
		progress(40+int(float64(start)/float64(len(chunkIDs))*50), "embedding")

		vecs, err := w.Embedder.EmbedBatch(ctx, embedTexts[start:end])
		if err != nil {
			return fmt.Errorf("worker: embed batch: %w", err)
		}
		snap, err := w.DenseStore.Open(partKey)
		if err != nil {
			return fmt.Errorf("worker: open dense index: %w", err)
		}
		ids, d, n, err := w.DenseStore.Append(partKey, snap, vecs)
		if err != nil {
			return fmt.Errorf("worker: append to dense index: %w", err)
		}
		dim, ntotal = d, n

		assign := make(map[string]int64, len(ids))
		for i, faissID := range ids {
			assign[chunkIDs[start+i]] = faissID
		}
		if err := w.Store.AssignFaissIDs(ctx, assign); err != nil {
			return fmt.Errorf("worker: assign faiss ids: %w", err)
		}
	}
	return w.Store.CommitIndexSwap(ctx, p, dim, ntotal, w.DenseStore.PathFor(partKey))
}

// executeDelete implements spec §4.7's delete operation: soft-delete,
// mark the index dirty, and enqueue a rebuild job.
func (w *Worker) executeDelete(ctx context.Context, job store.Job) error {
	var p DeletePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("worker: decode delete payload: %w", err)
	}
	// Look the document up before deleting it: GetDocument only returns
	// live documents, and its partition is needed for the rebuild.
	doc, ok, err := w.Store.GetDocument(ctx, p.Tenant, p.Namespace, p.DocID)
	if err != nil {
		return fmt.Errorf("worker: lookup document for rebuild partition: %w", err)
	}
	n, err := w.Store.SoftDeleteDocument(ctx, p.Tenant, p.Namespace, p.DocID)
	if err != nil {
		return fmt.Errorf("worker: soft delete: %w", err)
	}
	if !ok {
		// Already gone (or never existed) - nothing further to rebuild.
		return nil
	}
	partition := store.Partition{Tenant: p.Tenant, Namespace: p.Namespace, DocumentType: doc.DocumentType, EmbeddingVersion: doc.EmbeddingVersion}
	if err := w.Store.SetIndexDirty(ctx, partition, true); err != nil {
		return fmt.Errorf("worker: mark index dirty: %w", err)
	}
	w.SparseCache.Invalidate(partition.Key())

	payload, _ := json.Marshal(RebuildPayload{Partition: partition, Reembed: false})
	if _, err := w.Store.EnqueueJob(ctx, store.Job{Type: store.JobRebuild, Payload: payload, Partition: partition}); err != nil {
		return fmt.Errorf("worker: enqueue rebuild job: %w", err)
	}
	log.Info().Str("doc_id", p.DocID).Int("chunks_deleted", n).Msg("worker: soft-deleted document")
	return nil
}

// executeRebuild implements spec §4.7's rebuild operation: read all live
// chunks, re-embed or reuse stored vectors, build a fresh index file, atomic
// swap, clear dirty. Searches continue against the prior index file until
// the swap completes because denseindex.Store.Rebuild only replaces the
// file at the final rename.
func (w *Worker) executeRebuild(ctx context.Context, job store.Job) error {
	var p RebuildPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("worker: decode rebuild payload: %w", err)
	}
	chunks, err := w.Store.LiveChunks(ctx, p.Partition)
	if err != nil {
		return fmt.Errorf("worker: load live chunks: %w", err)
	}
	if len(chunks) == 0 {
		dim, ntotal, err := w.DenseStore.Rebuild(p.Partition.Key(), nil)
		if err != nil {
			return fmt.Errorf("worker: rebuild empty index: %w", err)
		}
		if err := w.Store.CommitIndexSwap(ctx, p.Partition, dim, ntotal, w.DenseStore.PathFor(p.Partition.Key())); err != nil {
			return err
		}
		return w.Store.SetIndexDirty(ctx, p.Partition, false)
	}

	var priorVectors [][]float32
	if !p.Reembed {
		snap, err := w.DenseStore.Open(p.Partition.Key())
		if err != nil {
			return fmt.Errorf("worker: open prior index for vector reuse: %w", err)
		}
		priorVectors = snap.Vectors
	}

	vectors := make([][]float32, len(chunks))
	texts := make([]string, 0, len(chunks))
	textIdx := make([]int, 0, len(chunks))
	for i, c := range chunks {
		if !p.Reembed && c.FaissID != nil && int(*c.FaissID) < len(priorVectors) {
			vectors[i] = priorVectors[*c.FaissID]
			continue
		}
		texts = append(texts, c.EmbedText)
		textIdx = append(textIdx, i)
	}
	if len(texts) > 0 {
		newVecs, err := w.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("worker: re-embed during rebuild: %w", err)
		}
		for k, idx := range textIdx {
			vectors[idx] = newVecs[k]
		}
	}

	dim, ntotal, err := w.DenseStore.Rebuild(p.Partition.Key(), vectors)
	if err != nil {
		return fmt.Errorf("worker: rebuild index: %w", err)
	}

	assign := make(map[string]int64, len(chunks))
	for i, c := range chunks {
		assign[c.ChunkID] = int64(i)
	}
	if err := w.Store.AssignFaissIDs(ctx, assign); err != nil {
		return fmt.Errorf("worker: reassign faiss ids after rebuild: %w", err)
	}
	if err := w.Store.CommitIndexSwap(ctx, p.Partition, dim, ntotal, w.DenseStore.PathFor(p.Partition.Key())); err != nil {
		return err
	}
	w.SparseCache.Invalidate(p.Partition.Key())
	return w.Store.SetIndexDirty(ctx, p.Partition, false)
}
