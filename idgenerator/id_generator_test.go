package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("returns non-nil generator", func(t *testing.T) {
		gen := NewIdGenerator(0)
		require.NotNil(t, gen)
	})

	t.Run("first Id returns startValue+1", func(t *testing.T) {
		assert.Equal(t, uint32(1), NewIdGenerator(0).Id())
		assert.Equal(t, uint32(101), NewIdGenerator(100).Id())
	})

	t.Run("wrap around skips zero", func(t *testing.T) {
		gen := NewIdGenerator(^uint32(0))
		assert.Equal(t, uint32(1), gen.Id())
		assert.Equal(t, uint32(2), gen.Id())
	})

	t.Run("last reports the start value before any id", func(t *testing.T) {
		gen := NewIdGenerator(7)
		assert.Equal(t, uint32(7), gen.Last())
		gen.Id()
		assert.Equal(t, uint32(8), gen.Last())
	})
}

func TestIdGenerator_IntId(t *testing.T) {
	gen := NewIdGenerator(0)
	assert.Equal(t, 1, gen.IntId())
	assert.Equal(t, 2, gen.IntId())
}

func TestIdGenerator_Id_concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	const n = 500
	ids := make([]uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Id()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, id := range ids {
		assert.NotZero(t, id)
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
