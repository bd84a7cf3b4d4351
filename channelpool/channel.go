package channelpool

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/sessionpool/logger"
)

// AsyncChannel is an established connection owned by the channel pool.
// All methods are safe for concurrent use.
type AsyncChannel interface {
	// ID returns the channel id.
	ID() int
	// SourceID returns the id of the listener, connector or import that
	// produced the channel.
	SourceID() int
	// Read registers cb to receive buffered input once at least numBytes are
	// available, replacing any earlier registration.
	Read(numBytes int, cb ReadCallback) error
	// CancelRead drops the current read registration without invoking it.
	CancelRead()
	// Write queues data in the write cache.
	Write(data []byte) error
	// WriteCacheSize returns the number of cached bytes not yet written.
	WriteCacheSize() int
	// Close cancels pending reads and closes the socket.
	Close()
	PeerAddr() net.Addr
	LocalAddr() net.Addr
}

type channel struct {
	id       int
	sourceID int
	conn     net.Conn
	pool     *ChannelPool
	loop     *multiplexer

	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	userCtx any

	// read side; staged is owned by whoever set delivering
	readCb     ReadCallback
	readNeeded int
	readGen    uint64
	inbox      bytes.Buffer
	staged     bytes.Buffer
	delivering bool
	redeliver  bool

	// write cache
	pending      [][]byte
	pendingBytes int
	lowWat       int
	hiWat        int
	hiWatReached bool
}

func newChannel(id, sourceID int, conn net.Conn, pool *ChannelPool, loop *multiplexer) *channel {
	c := &channel{
		id:       id,
		sourceID: sourceID,
		conn:     conn,
		pool:     pool,
		loop:     loop,
		lowWat:   pool.config.WriteCacheLowWatermark,
		hiWat:    pool.config.WriteCacheHiWatermark,
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

func (c *channel) ID() int {
	return c.id
}

func (c *channel) SourceID() int {
	return c.sourceID
}

func (c *channel) PeerAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Read implements AsyncChannel. Data already buffered is delivered on the
// calling goroutine; later data is delivered on the channel's reader.
// The data slice passed to cb is only valid during the call.
func (c *channel) Read(numBytes int, cb ReadCallback) error {
	if cb == nil || numBytes < 0 {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}

	c.readCb = cb
	c.readNeeded = numBytes
	c.readGen++
	c.mu.Unlock()

	c.drain()

	return nil
}

// CancelRead implements AsyncChannel.
func (c *channel) CancelRead() {
	c.mu.Lock()
	c.readCb = nil
	c.readNeeded = 0
	c.readGen++
	c.mu.Unlock()
}

// Write implements AsyncChannel. A write that would push a non-empty cache
// above the high watermark is rejected with ErrWriteCacheFull.
func (c *channel) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}

	if c.hiWat > 0 && c.pendingBytes > 0 && c.pendingBytes+len(data) > c.hiWat {
		notify := !c.hiWatReached
		c.hiWatReached = true
		c.mu.Unlock()

		if notify {
			c.pool.postChannelEvent(c, WriteCacheHiWat)
		}

		return ErrWriteCacheFull
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.pending = append(c.pending, buf)
	c.pendingBytes += len(buf)
	c.cond.Signal()
	c.mu.Unlock()

	return nil
}

// WriteCacheSize implements AsyncChannel.
func (c *channel) WriteCacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingBytes
}

// Close implements AsyncChannel.
func (c *channel) Close() {
	c.closeWith(nil)
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) context() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userCtx
}

func (c *channel) setContext(ctx any) {
	c.mu.Lock()
	c.userCtx = ctx
	c.mu.Unlock()
}

func (c *channel) setWatermarks(low, hi int) {
	c.mu.Lock()
	c.lowWat = low
	c.hiWat = hi
	c.mu.Unlock()
}

// closeWith closes the socket once and reports the channel down.
func (c *channel) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	_ = c.conn.Close()
	c.pool.channelClosed(c, cause)
}

func (c *channel) readLoop() {
	buf := make([]byte, c.pool.config.ReadBufferSize)

	for {
		if timeout := c.pool.config.ReadTimeout; timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.pool.metrics.BytesRead.Add(float64(n))

			c.mu.Lock()
			c.inbox.Write(buf[:n])
			c.mu.Unlock()

			c.drain()
		}

		if err != nil {
			if isTimeout(err) && !c.isClosed() {
				c.pool.postChannelEvent(c, ReadTimeout)
				continue
			}

			c.failRead(err)
			c.closeWith(err)

			return
		}
	}
}

// drain hands staged input to the read callback until the callback stops
// consuming or needs more than is buffered. Only one goroutine delivers at a
// time; a concurrent caller marks redeliver and returns.
func (c *channel) drain() {
	c.mu.Lock()
	if c.delivering {
		c.redeliver = true
		c.mu.Unlock()
		return
	}

	c.delivering = true

	for {
		if c.inbox.Len() > 0 {
			c.staged.Write(c.inbox.Bytes())
			c.inbox.Reset()
		}

		cb, needed, gen := c.readCb, c.readNeeded, c.readGen
		if cb == nil || c.staged.Len() == 0 || c.staged.Len() < needed {
			if c.redeliver {
				c.redeliver = false
				continue
			}

			c.delivering = false
			c.mu.Unlock()

			return
		}

		c.redeliver = false
		before := c.staged.Len()
		c.mu.Unlock()

		consumed, next := c.invokeRead(cb, nil, c.staged.Bytes())
		consumed = max(0, min(consumed, before))
		c.staged.Next(consumed)

		c.mu.Lock()
		if c.readGen == gen {
			c.readNeeded = next
		}

		if consumed == 0 && c.inbox.Len() == 0 && !c.redeliver {
			c.delivering = false
			c.mu.Unlock()

			return
		}
	}
}

func (c *channel) failRead(cause error) {
	c.mu.Lock()
	cb := c.readCb
	closedLocally := c.closed
	c.readCb = nil
	c.readGen++
	c.mu.Unlock()

	if cb == nil {
		return
	}

	err := ErrChannelClosed
	if !closedLocally {
		err = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	}

	c.invokeRead(cb, err, nil)
}

func (c *channel) invokeRead(cb ReadCallback, err error, data []byte) (consumed, needed int) {
	defer func() {
		if r := recover(); r != nil {
			c.pool.log.Error("read callback panicked",
				logger.Field{Key: "channel", Value: c.id},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			consumed, needed = 0, 0
		}
	}()

	return cb(err, data, c.id)
}

func (c *channel) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}

		if c.closed {
			c.pending = nil
			c.pendingBytes = 0
			c.mu.Unlock()

			return
		}

		batch := net.Buffers(c.pending)
		c.pending = nil
		c.mu.Unlock()

		size := 0
		for _, b := range batch {
			size += len(b)
		}

		if timeout := c.pool.config.WriteTimeout; timeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		}

		n, err := batch.WriteTo(c.conn)
		c.pool.metrics.BytesWritten.Add(float64(n))

		c.mu.Lock()
		c.pendingBytes -= size
		lowWat := c.hiWatReached && c.pendingBytes <= c.lowWat
		if lowWat {
			c.hiWatReached = false
		}
		c.mu.Unlock()

		if lowWat {
			c.pool.postChannelEvent(c, WriteCacheLowWat)
		}

		if err != nil {
			c.closeWith(err)
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
