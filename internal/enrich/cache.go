package enrich

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache caches enrichment prefixes in Redis, keyed by (chunk_hash,
// model_id). Grounded on the teacher's internal/skills RedisSkillsCache.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(addr string) (*RedisCache, error) {
	if addr == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("enrich: redis cache ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheTLS builds a Redis cache with TLS, for managed Redis deployments.
func NewRedisCacheTLS(addr, password string, db int, insecureSkipVerify bool) (*RedisCache, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	if insecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("enrich: redis cache ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) redisKey(key string) string { return "ragcore:enrich:" + key }

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("enrich: redis get: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, prefix string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.redisKey(key), prefix, ttl).Err(); err != nil {
		return fmt.Errorf("enrich: redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }

// MemCache is an in-process fallback cache, used when REDIS_URL is unset —
// still satisfies the idempotent-reingest requirement within one process
// lifetime, just not across restarts or instances.
type MemCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	prefix  string
	expires time.Time
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]memEntry)}
}

func (c *MemCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return "", false, nil
	}
	return e.prefix, true, nil
}

func (c *MemCache) Set(_ context.Context, key string, prefix string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{prefix: prefix, expires: time.Now().Add(ttl)}
	return nil
}
