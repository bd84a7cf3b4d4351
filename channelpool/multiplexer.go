package channelpool

import (
	"fmt"
	"sync"

	"github.com/cyberinferno/sessionpool/logger"
	"github.com/eapache/queue"
)

// multiplexer is a single event loop: tasks posted to it run one at a time,
// in posting order, on its own goroutine.
type multiplexer struct {
	id      int
	log     logger.Logger
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	stopped bool
	done    chan struct{}
}

func newMultiplexer(id int, log logger.Logger) *multiplexer {
	m := &multiplexer{
		id:    id,
		log:   log,
		tasks: queue.New(),
		done:  make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// post enqueues task. It returns false once the multiplexer is stopped.
func (m *multiplexer) post(task func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}

	m.tasks.Add(task)
	m.cond.Signal()

	return true
}

// pending returns the number of queued tasks.
func (m *multiplexer) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks.Length()
}

func (m *multiplexer) run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		for m.tasks.Length() == 0 && !m.stopped {
			m.cond.Wait()
		}

		if m.tasks.Length() == 0 {
			m.mu.Unlock()
			return
		}

		task := m.tasks.Remove().(func())
		m.mu.Unlock()

		m.execute(task)
	}
}

func (m *multiplexer) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("multiplexer task panicked",
				logger.Field{Key: "multiplexer", Value: m.id},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	task()
}

// stop rejects further posts, waits until the queued tasks have run and the
// loop goroutine has exited. It must not be called from a task.
func (m *multiplexer) stop() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()

	<-m.done
}
