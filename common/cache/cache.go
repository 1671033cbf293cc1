package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/fwlab/fact/common/logger"
)

// Cache interface for key-value storage
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache is a cost-bounded in-memory cache; cost is the value size in bytes
type MemoryCache struct {
	cache *ristretto.Cache
	log   *logger.Logger
}

// NewMemoryCache creates a cache holding at most maxBytes of values
func NewMemoryCache(maxBytes int64, log *logger.Logger) (*MemoryCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid cache size: %d", maxBytes)
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		// ~10x the expected number of items; assumes ~1KiB results
		NumCounters: max(maxBytes/1024*10, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &MemoryCache{cache: c, log: log}, nil
}

// Get retrieves a value from cache
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, found := c.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("unexpected cache value type %T", v)
	}
	return b, true, nil
}

// Set stores a value; ttl <= 0 means no expiration
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}

	var admitted bool
	if ttl > 0 {
		admitted = c.cache.SetWithTTL(key, value, cost, ttl)
	} else {
		admitted = c.cache.Set(key, value, cost)
	}
	if !admitted && c.log != nil {
		c.log.Debug("cache set dropped", "key", key, "cost", cost)
	}
	return nil
}

// Delete removes a value
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.cache.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied
func (c *MemoryCache) Wait() {
	c.cache.Wait()
}

// Close releases the cache
func (c *MemoryCache) Close() error {
	c.cache.Close()
	return nil
}
