package sparseindex

import (
	"context"
	"testing"
)

func TestTokenizeDropsShortTokens(t *testing.T) {
	toks := Tokenize("a big I dog runs to A store")
	for _, tok := range toks {
		if len([]rune(tok)) < 2 {
			t.Errorf("expected tokens of length >=2, got %q", tok)
		}
	}
}

func TestBM25RanksRelevantDocHigher(t *testing.T) {
	idx := New()
	idx.Add("c1", "the quick brown fox jumps over the lazy dog")
	idx.Add("c2", "pineapple pizza is a controversial topic")
	idx.MarkBuilt()

	hits := idx.Search("lazy dog", 10)
	if len(hits) == 0 || hits[0].ChunkID != "c1" {
		t.Fatalf("expected c1 to rank first for 'lazy dog', got %+v", hits)
	}
}

func TestBM25DeterministicTieBreak(t *testing.T) {
	idx := New()
	idx.Add("c2", "apple apple")
	idx.Add("c1", "apple apple")
	idx.MarkBuilt()
	hits := idx.Search("apple", 10)
	if len(hits) != 2 || hits[0].ChunkID != "c1" {
		t.Fatalf("expected ascending chunk_id tie-break, got %+v", hits)
	}
}

type fakeSource struct{ chunks []ChunkText }

func (f fakeSource) LiveChunkTexts(context.Context, string) ([]ChunkText, error) {
	return f.chunks, nil
}

func TestCacheLazyRebuildAndInvalidate(t *testing.T) {
	src := fakeSource{chunks: []ChunkText{{ChunkID: "c1", Text: "pineapple pizza"}}}
	cache := NewCache(src)
	hits, err := cache.Search(context.Background(), "t1_ns1", "pineapple pizza", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Fatalf("expected one hit for c1, got %+v", hits)
	}

	cache.Invalidate("t1_ns1")
	idx := cache.indexFor("t1_ns1")
	if idx.Built() {
		t.Error("expected index to be marked stale after Invalidate")
	}
	// A subsequent search rebuilds transparently.
	if _, err := cache.Search(context.Background(), "t1_ns1", "pineapple", 10); err != nil {
		t.Fatalf("unexpected error on rebuild search: %v", err)
	}
	if !idx.Built() {
		t.Error("expected index to be rebuilt after stale search")
	}
}
