package search

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// embeddingCache caches query embeddings by canonical query text so an
// identical query never pays for a second embedding call. Two
// implementations share this interface: an in-process LRU (the default)
// and a Redis-backed one for operators running more than one
// contextcored process against a shared warm cache.
type embeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// lruCache wraps an expirable LRU: bounded size and a uniform per-entry
// TTL in a single data structure, rather than a hand-rolled map+mutex+timer.
type lruCache struct {
	inner *lru.LRU[string, []float32]
}

func newLRUCache(size int, ttl time.Duration) *lruCache {
	if size <= 0 {
		size = 500
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &lruCache{inner: lru.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *lruCache) Get(_ context.Context, key string) ([]float32, bool) {
	return c.inner.Get(key)
}

func (c *lruCache) Set(_ context.Context, key string, vec []float32) {
	c.inner.Add(key, vec)
}

// redisCache shares a query-embedding cache across multiple contextcored
// processes.
type redisCache struct {
	client *redis.Client
	ttl time.Duration
	prefix string
}

func newRedisCache(addr string, ttl time.Duration) *redisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
		prefix: "contextcore:qcache:",
	}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *redisCache) Set(ctx context.Context, key string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, raw, c.ttl)
}
