package resolver

import (
	"context"
	"time"
)

// FetchFunc produces a value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cache stores fetched values under string keys with a TTL. Implementations
// must be safe for concurrent use and must collapse concurrent misses for
// the same key into a single fetch.
type Cache[T any] interface {
	// GetOrFetch returns the cached value for key, or runs fetchFn, stores
	// its result for ttl and returns it.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live duration for a fetched value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry owned by this cache.
	Clear(ctx context.Context) error

	// ItemCount returns the number of entries owned by this cache.
	ItemCount(ctx context.Context) (int, error)
}
