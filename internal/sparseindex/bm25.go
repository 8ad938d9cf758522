// Package sparseindex implements the Sparse Indexer (C6): per-partition BM25
// state over tokenized chunk raw text, rebuilt lazily on first search after
// any upsert or delete.
//
// The postings/idf/tf structure and k1=1.6, b=0.75 constants are ported from
// the single concrete BM25 implementation found in the examples pack
// (sweetpotato0-ai-allin's contrib/retrieval/hybrid bm25Index), generalized
// from a single global index to one instance per partition.
package sparseindex

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Hit is one scored candidate from a BM25 search.
type Hit struct {
	ChunkID string
	Score   float64
}

// Index is a BM25 index over one partition's live chunks.
type Index struct {
	mu          sync.RWMutex
	docFreq     map[string]int
	postings    map[string]map[string]int
	chunkLength map[string]int
	totalLength int
	docCount    int
	k1          float64
	b           float64
	built       bool
}

func New() *Index {
	return &Index{
		docFreq:     make(map[string]int),
		postings:    make(map[string]map[string]int),
		chunkLength: make(map[string]int),
		k1:          1.6,
		b:           0.75,
	}
}

// tokenRe approximates "lowercase, split on Unicode word boundaries, drop
// tokens of length <2" from spec §4.4.
var tokenRe = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

// Tokenize lowercases and splits text on Unicode word boundaries, dropping
// single-character tokens.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	matches := tokenRe.FindAllString(lower, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len([]rune(m)) >= 2 {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears all state so the next Add calls rebuild from scratch — used
// by the caller when a partition's chunk set has changed (any upsert/delete)
// and the index must be rebuilt lazily before the next search.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docFreq = make(map[string]int)
	idx.postings = make(map[string]map[string]int)
	idx.chunkLength = make(map[string]int)
	idx.totalLength = 0
	idx.docCount = 0
	idx.built = false
}

// MarkStale flags the index as needing a rebuild without clearing memory
// eagerly; the next Cache.Search call on its partition resets and rebuilds it.
func (idx *Index) MarkStale() {
	idx.mu.Lock()
	idx.built = false
	idx.mu.Unlock()
}

// Built reports whether the index reflects the current chunk set.
func (idx *Index) Built() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.built
}

// Add indexes one chunk's raw text. Call under the caller's rebuild path,
// after Reset, for every live chunk in the partition.
func (idx *Index) Add(chunkID, rawText string) {
	terms := Tokenize(rawText)
	if len(terms) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docCount++
	idx.chunkLength[chunkID] = len(terms)
	idx.totalLength += len(terms)

	seen := make(map[string]struct{})
	for _, term := range terms {
		if _, ok := idx.postings[term]; !ok {
			idx.postings[term] = make(map[string]int)
		}
		idx.postings[term][chunkID]++
		if _, ok := seen[term]; !ok {
			idx.docFreq[term]++
			seen[term] = struct{}{}
		}
	}
}

// MarkBuilt records that the caller has finished a rebuild pass (Reset + a
// sequence of Add calls).
func (idx *Index) MarkBuilt() {
	idx.mu.Lock()
	idx.built = true
	idx.mu.Unlock()
}

// Search scores the tokenized query against the index with Okapi BM25 and
// returns up to limit hits ordered by descending score.
func (idx *Index) Search(query string, limit int) []Hit {
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.docCount == 0 {
		return nil
	}
	avgLen := float64(idx.totalLength) / float64(idx.docCount)
	scores := make(map[string]float64)
	for _, term := range terms {
		postings := idx.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := idx.docFreq[term]
		idf := math.Log((float64(idx.docCount)-float64(df)+0.5)/(float64(df)+0.5) + 1)
		for chunkID, tf := range postings {
			docLen := float64(idx.chunkLength[chunkID])
			numerator := float64(tf) * (idx.k1 + 1)
			denominator := float64(tf) + idx.k1*(1-idx.b+idx.b*(docLen/avgLen))
			scores[chunkID] += idf * (numerator / denominator)
		}
	}
	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID // deterministic tie-break, spec §4.5
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
