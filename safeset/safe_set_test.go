package safeset

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeSet(t *testing.T) {
	s := NewSafeSet[string]()
	require.NotNil(t, s)
	assert.Equal(t, 0, s.Size())
	assert.False(t, s.Contains("x"))
}

func TestSafeSet_Add(t *testing.T) {
	s := NewSafeSet[string]()

	t.Run("first add claims the element", func(t *testing.T) {
		assert.True(t, s.Add("a"))
		assert.True(t, s.Contains("a"))
		assert.Equal(t, 1, s.Size())
	})

	t.Run("adding duplicate reports false and does not grow", func(t *testing.T) {
		assert.False(t, s.Add("a"))
		assert.Equal(t, 1, s.Size())
	})
}

func TestSafeSet_Remove(t *testing.T) {
	s := NewSafeSet[string]()
	s.Add("a")
	s.Add("b")

	t.Run("remove reports present element", func(t *testing.T) {
		assert.True(t, s.Remove("a"))
		assert.False(t, s.Contains("a"))
		assert.True(t, s.Contains("b"))
	})

	t.Run("remove missing reports false", func(t *testing.T) {
		assert.False(t, s.Remove("nonexistent"))
		assert.Equal(t, 1, s.Size())
	})
}

func TestSafeSet_Members_Reset(t *testing.T) {
	s := NewSafeSet[int]()
	for i := 0; i < 5; i++ {
		s.Add(i)
	}

	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, s.Members())

	s.Reset()
	assert.Equal(t, 0, s.Size())
	assert.Empty(t, s.Members())
}

func TestSafeSet_ConcurrentClaim(t *testing.T) {
	s := NewSafeSet[int]()
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for _i := 0; _i < 100; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add(7) {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	assert.Equal(t, 1, s.Size())
}
