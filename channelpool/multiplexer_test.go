package channelpool

import (
	"sync"
	"testing"

	"github.com/cyberinferno/sessionpool/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiplexer(t *testing.T) {
	t.Run("runs tasks in posting order", func(t *testing.T) {
		m := newMultiplexer(0, logger.NewNopLogger())
		go m.run()

		var mu sync.Mutex
		var order []int
		for i := 0; i < 100; i++ {
			i := i
			require.True(t, m.post(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}))
		}

		m.stop()

		require.Len(t, order, 100)
		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("stop drains queued tasks and rejects new ones", func(t *testing.T) {
		m := newMultiplexer(1, logger.NewNopLogger())
		ran := 0
		for _i := 0; _i < 10; _i++ {
			m.post(func() { ran++ })
		}

		assert.Equal(t, 10, m.pending())

		go m.run()
		m.stop()

		assert.Equal(t, 10, ran)
		assert.False(t, m.post(func() {}))
	})

	t.Run("a panicking task does not kill the loop", func(t *testing.T) {
		m := newMultiplexer(2, logger.NewNopLogger())
		go m.run()

		ran := false
		m.post(func() { panic("boom") })
		m.post(func() { ran = true })
		m.stop()

		assert.True(t, ran)
	})
}
