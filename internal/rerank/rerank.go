// Package rerank implements the Reranker (C8): cross-encoder scoring of
// (query, chunk) pairs used to re-order the top fused hybrid candidates.
//
// The bounded-concurrency-with-timeout fan-out and graceful degradation on
// timeout are ported from the examples pack's
// kalambet-tbyd/internal/reranking.LLMReranker, generalized from an LLM
// relevance-rating prompt to an HTTP cross-encoder scoring endpoint.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultConcurrency = 4

// Passage is one (chunk_id, text) pair to be scored against a query.
type Passage struct {
	ChunkID string
	Text    string
}

// Scored is a passage with its cross-encoder score.
type Scored struct {
	ChunkID string
	Score   float64
}

// Reranker scores passages against a query. On timeout or failure it must
// degrade gracefully rather than error the whole search (spec §4.5 step 6).
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []Passage) ([]Scored, error)
	Unload()
}

// Noop passes candidates through in their given order, each with score 0.
type Noop struct{}

func (Noop) Rerank(_ context.Context, _ string, passages []Passage) ([]Scored, error) {
	out := make([]Scored, len(passages))
	for i, p := range passages {
		out[i] = Scored{ChunkID: p.ChunkID, Score: 0}
	}
	return out, nil
}

func (Noop) Unload() {}

// HTTPReranker calls a cross-encoder scoring endpoint with bounded
// concurrency, in batches of up to Batch passages per call, honoring
// T_rerank as a hard deadline: a timeout returns what's scored so far rather
// than failing the caller (which then keeps the fused order unchanged).
type HTTPReranker struct {
	Endpoint    string
	Model       string
	Batch       int
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client

	mu     sync.Mutex
	loaded bool
}

func NewHTTPReranker(endpoint, model string, batch int, timeout time.Duration) *HTTPReranker {
	if batch <= 0 {
		batch = 32
	}
	return &HTTPReranker{
		Endpoint:    endpoint,
		Model:       model,
		Batch:       batch,
		Timeout:     timeout,
		Concurrency: defaultConcurrency,
		Client:      &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []Passage) ([]Scored, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	r.loaded = true
	r.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	batches := chunkPassages(passages, r.Batch)
	results := make(chan []Scored, len(batches))
	sem := make(chan struct{}, r.Concurrency)

	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(batch []Passage) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			scored, err := r.scoreBatch(timeoutCtx, query, batch)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return
				}
				log.Debug().Err(err).Msg("rerank: batch scoring failed, dropping batch")
				return
			}
			results <- scored
		}(b)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var out []Scored
collect:
	for {
		select {
		case scored, ok := <-results:
			if !ok {
				break collect
			}
			out = append(out, scored...)
		case <-timeoutCtx.Done():
			// Graceful degradation: return what was scored so far. The
			// Retriever treats a short result (len(out) < len(passages)) as
			// a failed rerank and keeps the fused order.
			return out, nil
		}
	}
	return out, nil
}

func (r *HTTPReranker) Unload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
}

func (r *HTTPReranker) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func chunkPassages(passages []Passage, size int) [][]Passage {
	var out [][]Passage
	for i := 0; i < len(passages); i += size {
		end := i + size
		if end > len(passages) {
			end = len(passages)
		}
		out = append(out, passages[i:end])
	}
	return out
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPReranker) scoreBatch(ctx context.Context, query string, batch []Passage) ([]Scored, error) {
	if r.Endpoint == "" {
		return nil, errors.New("rerank: no endpoint configured")
	}
	docs := make([]string, len(batch))
	for i, p := range batch {
		docs[i] = p.Text
	}
	body, err := json.Marshal(rerankRequest{Model: r.Model, Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("rerank: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rerank: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank: unexpected status %d", resp.StatusCode)
	}
	var parsed rerankResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	out := make([]Scored, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(batch) {
			continue
		}
		out = append(out, Scored{ChunkID: batch[res.Index].ChunkID, Score: res.RelevanceScore})
	}
	return out, nil
}

// SortDescending sorts scored results by score descending, breaking ties by
// ascending chunk_id for spec §4.5 determinism.
func SortDescending(scored []Scored) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
}
