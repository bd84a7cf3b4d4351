package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCache is an in-process Cache backed by go-cache. A singleflight
// group makes concurrent misses for one key share a single fetch, so a burst
// of connects to the same host performs one lookup.
type MemoryCache[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCache creates an in-memory cache.
//
// Parameters:
//   - defaultExpiration: TTL used when GetOrFetch is given a zero ttl
//   - cleanupInterval: Interval at which expired items are purged
//
// Returns:
//   - A new MemoryCache
func NewMemoryCache[T any](defaultExpiration, cleanupInterval time.Duration) *MemoryCache[T] {
	return &MemoryCache[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// GetOrFetch implements Cache.
func (c *MemoryCache[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if val, found := c.cache.Get(key); found {
		if typed, ok := val.(T); ok {
			return typed, nil
		}
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		// a concurrent flight may have filled the entry already
		if cached, found := c.cache.Get(key); found {
			if typed, ok := cached.(T); ok {
				return typed, nil
			}
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		// zero ttl is cache.DefaultExpiration
		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typed, nil
}

// Delete implements Cache.
func (c *MemoryCache[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(key)
	return nil
}

// Clear implements Cache.
func (c *MemoryCache[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Flush()
	return nil
}

// ItemCount implements Cache.
func (c *MemoryCache[T]) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}
