package sparseindex

import (
	"context"
	"sync"
)

// ChunkSource supplies the live chunks of a partition, abstracting over the
// metadata store so this package has no dependency on it.
type ChunkSource interface {
	LiveChunkTexts(ctx context.Context, partitionKey string) ([]ChunkText, error)
}

// ChunkText is the minimal shape needed to build a BM25 posting.
type ChunkText struct {
	ChunkID string
	Text    string
}

// Cache holds one Index per partition. Each Index guards its own contents
// with a read-write lock, and searches take its read lock. A stale index is
// rebuilt while holding the cache mutex and re-checked once it is held, so
// two searches never rebuild the same index at once and an Invalidate never
// interleaves with a rebuild. Rebuilds of different partitions also wait on
// each other.
type Cache struct {
	source ChunkSource

	mu      sync.Mutex // guards the map and serializes rebuilds
	indices map[string]*Index
}

func NewCache(source ChunkSource) *Cache {
	return &Cache{source: source, indices: make(map[string]*Index)}
}

func (c *Cache) indexFor(partitionKey string) *Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[partitionKey]
	if !ok {
		idx = New()
		c.indices[partitionKey] = idx
	}
	return idx
}

// Invalidate marks a partition's index stale after an upsert or delete
// (spec §4.7 step 6); the next Search rebuilds it lazily.
func (c *Cache) Invalidate(partitionKey string) {
	c.indexFor(partitionKey).MarkStale()
}

// Search returns BM25 hits for query in partitionKey, rebuilding the index
// from the ChunkSource first if it is stale.
func (c *Cache) Search(ctx context.Context, partitionKey, query string, limit int) ([]Hit, error) {
	idx := c.indexFor(partitionKey)
	if !idx.Built() {
		var err error
		c.mu.Lock()
		if !idx.Built() {
			err = c.rebuild(ctx, partitionKey, idx)
		}
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return idx.Search(query, limit), nil
}

func (c *Cache) rebuild(ctx context.Context, partitionKey string, idx *Index) error {
	chunks, err := c.source.LiveChunkTexts(ctx, partitionKey)
	if err != nil {
		return err
	}
	idx.Reset()
	for _, ch := range chunks {
		idx.Add(ch.ChunkID, ch.Text)
	}
	idx.MarkBuilt()
	return nil
}
