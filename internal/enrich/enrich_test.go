package enrich

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeGenerator struct {
	calls     int32
	failTimes int32
	prefix    string
}

func (g *fakeGenerator) GenerateContext(_ context.Context, _, _, _ string) (string, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if n <= g.failTimes {
		return "", errors.New("fake generator failure")
	}
	return g.prefix, nil
}

func TestEnrichOneSuccess(t *testing.T) {
	gen := &fakeGenerator{prefix: "this chunk discusses pricing"}
	svc := NewService(gen, NewMemCache(), "model-a", 2, time.Second, 2, time.Minute)
	results := svc.EnrichAll(context.Background(), []Request{
		{ChunkID: "c1", DocumentName: "doc.pdf", DocumentType: "legal", RawText: "raw text"},
	}, map[string]string{"c1": "hash1"})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if !r.Enriched {
		t.Fatalf("expected Enriched=true, got %+v", r)
	}
	if r.EmbedText == "raw text" {
		t.Fatalf("expected prefix applied, got raw text unchanged")
	}
}

func TestEnrichRetriesThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{prefix: "ctx", failTimes: 2}
	svc := NewService(gen, NewMemCache(), "model-a", 1, time.Second, 2, time.Minute)
	results := svc.EnrichAll(context.Background(), []Request{
		{ChunkID: "c1", DocumentName: "d", DocumentType: "t", RawText: "raw"},
	}, map[string]string{"c1": "h"})
	if !results[0].Enriched {
		t.Fatalf("expected eventual success after retries, got %+v", results[0])
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", gen.calls)
	}
}

func TestEnrichDegradesGracefullyOnPersistentFailure(t *testing.T) {
	gen := &fakeGenerator{failTimes: 100}
	svc := NewService(gen, NewMemCache(), "model-a", 1, 50*time.Millisecond, 1, time.Minute)
	results := svc.EnrichAll(context.Background(), []Request{
		{ChunkID: "c1", DocumentName: "d", DocumentType: "t", RawText: "raw text"},
	}, map[string]string{"c1": "h"})
	r := results[0]
	if r.Enriched {
		t.Fatalf("expected graceful degradation, got Enriched=true")
	}
	if r.EmbedText != "raw text" {
		t.Fatalf("expected raw text preserved on failure, got %q", r.EmbedText)
	}
}

func TestEnrichCacheHitSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{prefix: "cached context"}
	cache := NewMemCache()
	svc := NewService(gen, cache, "model-a", 1, time.Second, 0, time.Minute)

	reqs := []Request{{ChunkID: "c1", DocumentName: "d", DocumentType: "t", RawText: "raw"}}
	hashes := map[string]string{"c1": "stable-hash"}
	first := svc.EnrichAll(context.Background(), reqs, hashes)
	if first[0].CacheHit {
		t.Fatalf("expected first call to be a cache miss")
	}
	second := svc.EnrichAll(context.Background(), reqs, hashes)
	if !second[0].CacheHit {
		t.Fatalf("expected second call to hit the cache")
	}
	if gen.calls != 1 {
		t.Fatalf("expected generator called exactly once, got %d", gen.calls)
	}
}

func TestEnrichAllPreservesOrder(t *testing.T) {
	gen := &fakeGenerator{prefix: "ctx"}
	svc := NewService(gen, nil, "model-a", 4, time.Second, 0, time.Minute)
	reqs := []Request{
		{ChunkID: "c3", RawText: "three"},
		{ChunkID: "c1", RawText: "one"},
		{ChunkID: "c2", RawText: "two"},
	}
	results := svc.EnrichAll(context.Background(), reqs, map[string]string{})
	for i, r := range results {
		if r.ChunkID != reqs[i].ChunkID {
			t.Fatalf("expected order preserved at index %d: got %s want %s", i, r.ChunkID, reqs[i].ChunkID)
		}
	}
}

func TestEnrichNilGeneratorPassesThrough(t *testing.T) {
	svc := NewService(nil, nil, "model-a", 1, time.Second, 0, time.Minute)
	results := svc.EnrichAll(context.Background(), []Request{{ChunkID: "c1", RawText: "raw"}}, nil)
	if results[0].Enriched || results[0].EmbedText != "raw" {
		t.Fatalf("expected passthrough with nil generator, got %+v", results[0])
	}
}
