package sessionpool

import (
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/sessionpool/channelpool"
)

// handle tracks one listener, connect, import or session. It is reference
// counted: the table holds one reference and every callback in flight holds
// another. The release that drops the count to zero runs the deleter.
type handle struct {
	refs atomic.Int32
	pool *SessionPool
	// channels is the channel pool of the run that created the handle
	channels ChannelPool

	callback SessionStateCallback
	factory  SessionFactory
	userData any

	// key is the table id; it never changes once assigned
	key int

	mu sync.Mutex
	// id is the id reported to callbacks; zero once the terminal event has
	// been claimed
	id                int
	typ               HandleType
	attemptsRemaining int
	channelID         int
	channel           channelpool.AsyncChannel
	session           Session
	upNotified        bool
}

// newHandle returns a handle holding one reference, which the caller hands
// to the table with add.
func newHandle(pool *SessionPool, typ HandleType, cb SessionStateCallback, factory SessionFactory, userData any) *handle {
	h := &handle{
		pool:     pool,
		channels: pool.channelPool(),
		typ:      typ,
		callback: cb,
		factory:  factory,
		userData: userData,
	}
	h.refs.Store(1)
	pool.metrics.Handles.Inc()

	return h
}

func (h *handle) acquire() {
	h.refs.Add(1)
}

// tryAcquire takes a reference unless the count already reached zero.
func (h *handle) tryAcquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}

		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *handle) release() {
	n := h.refs.Add(-1)
	if n == 0 {
		h.pool.deleteHandle(h)
		return
	}

	if n < 0 {
		panic("sessionpool: handle released more often than acquired")
	}
}

// claimID zeroes the notification id and returns its previous value. Only
// one caller ever receives a non-zero id.
func (h *handle) claimID() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.id
	h.id = 0

	return id
}

func (h *handle) notifyID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// HandleInfo is a snapshot of one handle.
type HandleInfo struct {
	ID         int
	Type       HandleType
	ChannelID  int
	HasSession bool
}

func (h *handle) info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	return HandleInfo{
		ID:         h.key,
		Type:       h.typ,
		ChannelID:  h.channelID,
		HasSession: h.session != nil,
	}
}
