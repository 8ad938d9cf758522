// Package retrieve implements the Retriever + Hybrid Fusion (C7): query
// embedding, dense + sparse candidate generation, deleted-chunk filtering,
// Reciprocal Rank Fusion, optional reranking under a remaining-budget check,
// and hydration into final Hits (spec.md §4.5).
//
// Grounded on the teacher's internal/rag/retrieve package's multi-stage
// pipeline shape, generalized from its single dense-only lookup to the
// fused dense+sparse+rerank pipeline this spec requires.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/ragcore/internal/denseindex"
	"github.com/manifold-labs/ragcore/internal/embedder"
	"github.com/manifold-labs/ragcore/internal/rerank"
	"github.com/manifold-labs/ragcore/internal/sparseindex"
	"github.com/manifold-labs/ragcore/internal/store"
)

// Hit is one final, hydrated search result (spec §4.5 step 7).
type Hit struct {
	DocID    string
	ChunkID  string
	Text     string
	Score    float64
	Metadata map[string]any
}

// Request is a search call's parameters.
type Request struct {
	Partition    store.Partition
	Query        string
	TopK         int
	Filters      map[string]any
	DenseWeight  float64
	SparseWeight float64
	RRFK         int
}

// Retriever wires together every component the fusion algorithm needs.
type Retriever struct {
	Embedder    embedder.Embedder
	DenseStore  *denseindex.Store
	SparseCache *sparseindex.Cache
	Reranker    rerank.Reranker
	Store       store.Store
	RerankTopK  int // K_r cap independent of top_k*4, spec default min(top_k*4, 50)
}

func New(emb embedder.Embedder, dense *denseindex.Store, sparse *sparseindex.Cache, rr rerank.Reranker, st store.Store) *Retriever {
	return &Retriever{Embedder: emb, DenseStore: dense, SparseCache: sparse, Reranker: rr, Store: st}
}

// Search runs the full spec §4.5 algorithm. Reranking (step 6) is skipped
// when ctx's deadline (the T_search_max budget) has already passed.
func (r *Retriever) Search(ctx context.Context, req Request) ([]Hit, error) {
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.DenseWeight == 0 && req.SparseWeight == 0 {
		req.DenseWeight, req.SparseWeight = 0.7, 0.3
	}
	if req.RRFK <= 0 {
		req.RRFK = 60
	}

	kD := req.TopK * 4
	if kD < 50 {
		kD = 50
	}
	kS := kD

	// Step 1: query embedding.
	vecs, err := r.Embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("retrieve: embed query: %w", err)
	}
	queryVec := vecs[0]

	// Step 2: dense candidates.
	partKey := req.Partition.Key()
	snap, err := r.DenseStore.Open(partKey)
	if err != nil {
		return nil, fmt.Errorf("retrieve: open dense index: %w", err)
	}
	denseHits := snap.Search(queryVec, kD)

	// Dense hits are keyed by faiss_id; map back to chunk_id via the store.
	faissToChunk, chunkToFaiss, err := r.resolveFaissIDs(ctx, req.Partition, denseHits)
	if err != nil {
		return nil, err
	}

	denseRanked := make([]rankedCandidate, 0, len(denseHits))
	for rank, h := range denseHits {
		chunkID, ok := faissToChunk[h.FaissID]
		if !ok {
			continue
		}
		denseRanked = append(denseRanked, rankedCandidate{ChunkID: chunkID, Rank: rank + 1, Score: h.Score})
	}

	// Step 3: sparse candidates.
	sparseHits, err := r.SparseCache.Search(ctx, partKey, req.Query, kS)
	if err != nil {
		return nil, fmt.Errorf("retrieve: sparse search: %w", err)
	}
	sparseRanked := make([]rankedCandidate, len(sparseHits))
	for i, h := range sparseHits {
		sparseRanked[i] = rankedCandidate{ChunkID: h.ChunkID, Rank: i + 1, Score: h.Score}
	}

	// Step 4: filter deleted.
	candidateIDs := unionChunkIDs(denseRanked, sparseRanked)
	live, err := r.filterDeleted(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}

	// Step 5: fuse via Reciprocal Rank Fusion.
	fused := fuse(denseRanked, sparseRanked, live, req.DenseWeight, req.SparseWeight, req.RRFK)

	// Step 6: optional rerank, budget-permitting.
	kR := req.TopK * 4
	if kR > 50 {
		kR = 50
	}
	if r.RerankTopK > 0 && r.RerankTopK < kR {
		kR = r.RerankTopK
	}
	if len(fused) > kR {
		fused = fused[:kR]
	}

	if r.Reranker != nil {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > 0 {
			fused = r.applyRerank(ctx, req.Query, fused, chunkToFaiss)
		} else {
			log.Debug().Msg("retrieve: no remaining budget, skipping rerank")
		}
	}

	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}

	// Step 7: hydrate.
	return r.hydrate(ctx, fused)
}

type rankedCandidate struct {
	ChunkID string
	Rank    int
	Score   float64
}

type fusedCandidate struct {
	ChunkID string
	Score   float64
}

func unionChunkIDs(a, b []rankedCandidate) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var ids []string
	for _, c := range a {
		if _, ok := seen[c.ChunkID]; !ok {
			seen[c.ChunkID] = struct{}{}
			ids = append(ids, c.ChunkID)
		}
	}
	for _, c := range b {
		if _, ok := seen[c.ChunkID]; !ok {
			seen[c.ChunkID] = struct{}{}
			ids = append(ids, c.ChunkID)
		}
	}
	return ids
}

func (r *Retriever) resolveFaissIDs(ctx context.Context, p store.Partition, hits []denseindex.Hit) (map[int64]string, map[string]int64, error) {
	faissToChunk := make(map[int64]string, len(hits))
	chunkToFaiss := make(map[string]int64, len(hits))
	if len(hits) == 0 {
		return faissToChunk, chunkToFaiss, nil
	}
	chunks, err := r.Store.LiveChunks(ctx, p)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve: load live chunks for faiss mapping: %w", err)
	}
	want := make(map[int64]struct{}, len(hits))
	for _, h := range hits {
		want[h.FaissID] = struct{}{}
	}
	for _, c := range chunks {
		if c.FaissID == nil {
			continue
		}
		if _, ok := want[*c.FaissID]; ok {
			faissToChunk[*c.FaissID] = c.ChunkID
			chunkToFaiss[c.ChunkID] = *c.FaissID
		}
	}
	return faissToChunk, chunkToFaiss, nil
}

// filterDeleted drops any candidate whose chunk or owning document is
// soft-deleted (spec §4.5 step 4), returning the set of still-live chunk ids.
func (r *Retriever) filterDeleted(ctx context.Context, chunkIDs []string) (map[string]bool, error) {
	live := make(map[string]bool, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return live, nil
	}
	chunks, err := r.Store.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieve: get chunks: %w", err)
	}
	docDeleted, err := r.Store.DocDeletedFor(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieve: doc deleted lookup: %w", err)
	}
	for _, id := range chunkIDs {
		ch, ok := chunks[id]
		if !ok || ch.DeletedAt != nil {
			continue
		}
		if docDeleted[id] {
			continue
		}
		live[id] = true
	}
	return live, nil
}

// fuse implements spec §4.5 step 5: RRF over the dense and sparse rank
// lists, restricted to live candidates, sorted by descending fused score
// with ties broken by ascending chunk_id for determinism.
func fuse(dense, sparse []rankedCandidate, live map[string]bool, wd, ws float64, k int) []fusedCandidate {
	scores := make(map[string]float64)
	for _, c := range dense {
		if !live[c.ChunkID] {
			continue
		}
		scores[c.ChunkID] += wd * (1.0 / float64(k+c.Rank))
	}
	for _, c := range sparse {
		if !live[c.ChunkID] {
			continue
		}
		scores[c.ChunkID] += ws * (1.0 / float64(k+c.Rank))
	}
	out := make([]fusedCandidate, 0, len(scores))
	for id, s := range scores {
		out = append(out, fusedCandidate{ChunkID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// applyRerank calls the cross-encoder over the current candidate set and
// replaces fused scores with cross-encoder scores (spec §4.5 step 6). If the
// reranker fails or returns fewer scores than passages (timeout or a dropped
// batch), the fused order is returned unchanged.
func (r *Retriever) applyRerank(ctx context.Context, query string, fused []fusedCandidate, chunkToFaiss map[string]int64) []fusedCandidate {
	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.ChunkID
	}
	chunks, err := r.Store.GetChunks(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("retrieve: failed loading chunk text for rerank, skipping")
		return fused
	}
	passages := make([]rerank.Passage, 0, len(fused))
	for _, c := range fused {
		if ch, ok := chunks[c.ChunkID]; ok {
			passages = append(passages, rerank.Passage{ChunkID: c.ChunkID, Text: ch.RawText})
		}
	}
	scored, err := r.Reranker.Rerank(ctx, query, passages)
	if err != nil || len(scored) == 0 || len(scored) < len(passages) {
		return fused
	}
	rerank.SortDescending(scored)

	byID := make(map[string]float64, len(scored))
	for _, s := range scored {
		byID[s.ChunkID] = s.Score
	}
	out := make([]fusedCandidate, 0, len(fused))
	for _, s := range scored {
		out = append(out, fusedCandidate{ChunkID: s.ChunkID, Score: s.Score})
	}
	// Any candidate whose chunk text was not loaded (and so was never sent
	// to the reranker) keeps its fused-order position after the reranked ones.
	for _, c := range fused {
		if _, done := byID[c.ChunkID]; !done {
			out = append(out, c)
		}
	}
	return out
}

func (r *Retriever) hydrate(ctx context.Context, fused []fusedCandidate) ([]Hit, error) {
	if len(fused) == 0 {
		return nil, nil
	}
	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.ChunkID
	}
	chunks, err := r.Store.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieve: hydrate: %w", err)
	}
	out := make([]Hit, 0, len(fused))
	for _, c := range fused {
		ch, ok := chunks[c.ChunkID]
		if !ok {
			continue
		}
		out = append(out, Hit{DocID: ch.DocID, ChunkID: ch.ChunkID, Text: ch.RawText, Score: c.Score, Metadata: ch.Metadata})
	}
	return out, nil
}
