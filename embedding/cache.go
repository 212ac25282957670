package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores computed vectors keyed by input text. Embeddings are
// immutable for a given content value, so entries never need invalidation,
// only eviction.
type Cache interface {
	Get(ctx context.Context, text string) ([]float64, bool)
	Put(ctx context.Context, text string, vector []float64)
}

// cacheKey hashes the text so arbitrarily long content maps to a fixed key.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// RistrettoCache is the in-process first-level vector cache.
type RistrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache creates a cache holding up to maxEntries vectors.
func NewRistrettoCache(maxEntries int64) (*RistrettoCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: c}, nil
}

func (c *RistrettoCache) Get(_ context.Context, text string) ([]float64, bool) {
	v, ok := c.cache.Get(cacheKey(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float64)
	return vec, ok
}

func (c *RistrettoCache) Put(_ context.Context, text string, vector []float64) {
	c.cache.Set(cacheKey(text), vector, 1)
}

// Wait blocks until buffered writes are applied. Test helper.
func (c *RistrettoCache) Wait() { c.cache.Wait() }

// RedisCache is an optional shared second-level vector cache. Vectors are
// JSON-encoded; lookups are best-effort and never fail the caller.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(addr string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embedding_cache_redis")),
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, text string) ([]float64, bool) {
	data, err := c.client.Get(ctx, cacheKey(text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("redis cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Put(ctx context.Context, text string, vector []float64) {
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(text), data, c.ttl).Err(); err != nil {
		c.logger.Debug("redis cache put failed", zap.Error(err))
	}
}

// Close releases the redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }

// TieredCache checks an in-process cache before a shared one, promoting
// shared hits into the local level.
type TieredCache struct {
	l1 Cache
	l2 Cache
}

// NewTieredCache composes the two levels. Either may be nil.
func NewTieredCache(l1, l2 Cache) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

func (c *TieredCache) Get(ctx context.Context, text string) ([]float64, bool) {
	if c.l1 != nil {
		if vec, ok := c.l1.Get(ctx, text); ok {
			return vec, true
		}
	}
	if c.l2 != nil {
		if vec, ok := c.l2.Get(ctx, text); ok {
			if c.l1 != nil {
				c.l1.Put(ctx, text, vec)
			}
			return vec, true
		}
	}
	return nil, false
}

func (c *TieredCache) Put(ctx context.Context, text string, vector []float64) {
	if c.l1 != nil {
		c.l1.Put(ctx, text, vector)
	}
	if c.l2 != nil {
		c.l2.Put(ctx, text, vector)
	}
}
