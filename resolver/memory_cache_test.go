package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and hit reuses", func(t *testing.T) {
		c := NewMemoryCache[string](cache.NoExpiration, time.Minute)
		fetches := 0
		fetch := func(ctx context.Context) (string, error) {
			fetches++
			return "value", nil
		}

		val, err := c.GetOrFetch(ctx, "key", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "value", val)

		val, err = c.GetOrFetch(ctx, "key", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "value", val)
		assert.Equal(t, 1, fetches)
	})

	t.Run("fetch error is returned and not cached", func(t *testing.T) {
		c := NewMemoryCache[string](cache.NoExpiration, time.Minute)
		boom := errors.New("boom")
		_, err := c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "", boom
		})
		assert.ErrorIs(t, err, boom)

		n, err := c.ItemCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("concurrent misses share one fetch", func(t *testing.T) {
		c := NewMemoryCache[[]string](cache.NoExpiration, time.Minute)
		var fetches atomic.Int32
		release := make(chan struct{})
		fetch := func(ctx context.Context) ([]string, error) {
			fetches.Add(1)
			<-release
			return []string{"10.0.0.1"}, nil
		}

		var wg sync.WaitGroup
		for _i := 0; _i < 20; _i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				val, err := c.GetOrFetch(ctx, "host", time.Minute, fetch)
				assert.NoError(t, err)
				assert.Equal(t, []string{"10.0.0.1"}, val)
			}()
		}

		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), fetches.Load())
	})
}

func TestMemoryCache_DeleteClearCount(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache[int](cache.NoExpiration, time.Minute)
	for i, key := range []string{"a", "b", "c"} {
		_, err := c.GetOrFetch(ctx, key, 0, func(ctx context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
	}

	n, err := c.ItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, c.Delete(ctx, "missing"))
	n, _ = c.ItemCount(ctx)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Clear(ctx))
	n, _ = c.ItemCount(ctx)
	assert.Equal(t, 0, n)

	t.Run("cancelled context is rejected", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, c.Delete(cancelled, "a"), context.Canceled)
		assert.ErrorIs(t, c.Clear(cancelled), context.Canceled)
		_, err := c.ItemCount(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryCache_Interface(t *testing.T) {
	var _ Cache[[]string] = NewMemoryCache[[]string](time.Minute, time.Minute)
}
