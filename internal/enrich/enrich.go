// Package enrich implements the Enricher (C4): prepending a short LLM-
// generated context prefix to each chunk before embedding, with a
// cache keyed by (chunk_hash, model_id), bounded retries, and graceful
// degradation to the raw chunk text on persistent failure (spec §4.2).
//
// The worker-pool-with-semaphore shape and per-call timeout are ported
// from the examples pack's kalambet-tbyd reranker; the cache key and
// Redis-backed lookup mirror the teacher's internal/skills RedisSkillsCache
// (manifold/internal/skills/redis_cache.go), generalized from rendered
// skill prompts to per-chunk enrichment prefixes.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Request is one chunk awaiting enrichment.
type Request struct {
	ChunkID      string
	DocumentName string
	DocumentType string
	RawText      string
}

// Result is the enriched (or gracefully degraded) chunk text ready for
// embedding, alongside whether enrichment actually applied.
type Result struct {
	ChunkID    string
	EmbedText  string
	Enriched   bool
	CacheHit   bool
}

// Generator calls the underlying LLM to produce a short context prefix for
// one chunk. Implementations wrap an OpenAI- or Anthropic-compatible chat
// client.
type Generator interface {
	GenerateContext(ctx context.Context, docName, docType, rawText string) (string, error)
}

// Cache stores generated prefixes keyed by (chunk_hash, model_id), so a
// re-ingest of unchanged content skips the LLM call entirely.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, prefix string, ttl time.Duration) error
}

// Service runs a bounded pool of enrichment workers over a batch of chunks.
type Service struct {
	gen       Generator
	cache     Cache
	modelID   string
	workers   int
	timeout   time.Duration
	maxRetry  int
	cacheTTL  time.Duration
}

func NewService(gen Generator, cache Cache, modelID string, workers int, timeout time.Duration, maxRetry int, cacheTTL time.Duration) *Service {
	if workers <= 0 {
		workers = 2
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * 24 * time.Hour
	}
	return &Service{gen: gen, cache: cache, modelID: modelID, workers: workers, timeout: timeout, maxRetry: maxRetry, cacheTTL: cacheTTL}
}

// EnrichAll runs all requests through the worker pool concurrently (bounded
// by Service.workers), preserving input order in the returned slice.
func (s *Service) EnrichAll(ctx context.Context, reqs []Request, chunkHashes map[string]string) []Result {
	out := make([]Result, len(reqs))
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for i, r := range reqs {
		wg.Add(1)
		go func(i int, r Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = s.enrichOne(ctx, r, chunkHashes[r.ChunkID])
		}(i, r)
	}
	wg.Wait()
	return out
}

func (s *Service) cacheKey(chunkHash string) string {
	h := sha256.Sum256([]byte(chunkHash + "|" + s.modelID))
	return hex.EncodeToString(h[:])
}

func (s *Service) enrichOne(ctx context.Context, r Request, chunkHash string) Result {
	if s.gen == nil {
		return Result{ChunkID: r.ChunkID, EmbedText: r.RawText, Enriched: false}
	}
	key := s.cacheKey(chunkHash)
	if s.cache != nil {
		if prefix, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			return Result{ChunkID: r.ChunkID, EmbedText: withPrefix(r, prefix), Enriched: true, CacheHit: true}
		}
	}

	prefix, err := s.generateWithRetry(ctx, r)
	if err != nil {
		log.Warn().Str("chunk_id", r.ChunkID).Err(err).Msg("enrich: giving up, using raw chunk text")
		return Result{ChunkID: r.ChunkID, EmbedText: r.RawText, Enriched: false}
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, prefix, s.cacheTTL); err != nil {
			log.Debug().Err(err).Msg("enrich: cache write failed")
		}
	}
	return Result{ChunkID: r.ChunkID, EmbedText: withPrefix(r, prefix), Enriched: true}
}

// generateWithRetry calls the generator with T_enrich as a per-attempt
// timeout, retrying up to maxRetry times with exponential backoff (spec
// §4.2: "retry twice with exponential backoff before giving up").
func (s *Service) generateWithRetry(ctx context.Context, r Request) (string, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= s.maxRetry; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		prefix, err := s.gen.GenerateContext(callCtx, r.DocumentName, r.DocumentType, r.RawText)
		cancel()
		if err == nil {
			return prefix, nil
		}
		lastErr = err
		if attempt < s.maxRetry {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("enrich: exhausted %d retries: %w", s.maxRetry, lastErr)
}

// withPrefix renders the fixed enrichment header format (spec §4.2):
//
//	[Document: <name>]
//	[Type: <type>]
//	[Context: <generated prefix>]
//
//	<raw chunk text>
func withPrefix(r Request, prefix string) string {
	return fmt.Sprintf("[Document: %s]\n[Type: %s]\n[Context: %s]\n\n%s", r.DocumentName, r.DocumentType, prefix, r.RawText)
}
