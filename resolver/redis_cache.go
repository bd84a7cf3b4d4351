package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL     = 10 * time.Second
	redisWaitTimeout = 10 * time.Second
)

const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisCache is a Cache shared between processes through Redis. Every key
// is stored under prefix. A miss takes a SETNX lock so that only one process
// runs the fetch; the others poll until the value appears.
type RedisCache[T any] struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c := NewRedisCache[[]string](client, "spool:resolve:")
func NewRedisCache[T any](client *redis.Client, prefix string) *RedisCache[T] {
	return &RedisCache[T]{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisCache[T]) load(ctx context.Context, key string) (T, bool, error) {
	var result T
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}

	if err != nil {
		return result, false, fmt.Errorf("redis get error: %w", err)
	}

	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return result, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return result, true, nil
}

// GetOrFetch implements Cache.
func (c *RedisCache[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	key = c.prefix + key

	if result, found, err := c.load(ctx, key); err != nil || found {
		return result, err
	}

	lockKey := key + ":lock"
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, redisLockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		return c.waitForValue(ctx, key, lockKey)
	}

	defer c.client.Eval(context.Background(), releaseLockScript, []string{lockKey}, lockValue)

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, fmt.Errorf("fetch function failed: %w", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("failed to cache result: %w", err)
	}

	return result, nil
}

// waitForValue polls with exponential backoff (10ms doubling to 500ms) until
// the lock holder stores the value, the lock disappears, or the wait times
// out.
func (c *RedisCache[T]) waitForValue(ctx context.Context, key, lockKey string) (T, error) {
	var zero T
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(redisWaitTimeout)

	for time.Now().Before(deadline) {
		result, found, err := c.load(ctx, key)
		if err != nil || found {
			return result, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			if result, found, err := c.load(ctx, key); err != nil || found {
				return result, err
			}

			return zero, errors.New("fetch operation failed or cache not populated")
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, 500*time.Millisecond)
	}

	return zero, errors.New("timeout waiting for cache")
}

// Delete implements Cache.
func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

func (c *RedisCache[T]) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}

// Clear implements Cache. Only keys under the cache prefix are removed.
func (c *RedisCache[T]) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	return nil
}

// ItemCount implements Cache.
func (c *RedisCache[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}
