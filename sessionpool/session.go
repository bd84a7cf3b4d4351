package sessionpool

import (
	"net"
	"time"

	"github.com/cyberinferno/sessionpool/channelpool"
)

// Session is an application-level object running on top of a channel.
type Session interface {
	// Start begins processing; an error aborts the session before SessionUp.
	Start() error
	// Stop ends processing. It is called once, before SessionDown.
	Stop() error
	// Channel returns the channel the session runs on.
	Channel() channelpool.AsyncChannel
}

// AllocateCallback completes an allocation. Exactly one of err and session
// is non-nil.
type AllocateCallback func(err error, session Session)

// SessionFactory creates sessions for new channels.
type SessionFactory interface {
	// Allocate creates a session for ch and reports it through cb, possibly
	// on another goroutine.
	Allocate(ch channelpool.AsyncChannel, cb AllocateCallback)
	// Deallocate releases a session that is no longer used.
	Deallocate(session Session)
}

// SessionStateCallback receives the lifecycle events of one handle. For
// sessions accepted by a listener, handleID is the id of the new session
// handle, not of the listener.
type SessionStateCallback func(event Event, handleID int, session Session, userData any)

// PoolStateCallback receives pool-wide events.
type PoolStateCallback func(event Event, sourceID int, severity channelpool.Severity)

// ChannelPool is the transport a SessionPool drives. *channelpool.ChannelPool
// implements it.
type ChannelPool interface {
	Start() error
	Stop() error
	Connect(addr string, numAttempts int, interval time.Duration, sourceID int, opts channelpool.ConnectOptions) error
	Listen(addr string, backlog int, sourceID int, reuseAddr bool) error
	ListenerAddr(sourceID int) (net.Addr, error)
	Import(conn net.Conn, sourceID int) (int, error)
	Close(sourceID int) error
	Shutdown(channelID int, mode channelpool.ShutdownMode) error
	SetChannelContext(channelID int, ctx any) error
	SetWriteCacheWatermarks(channelID, low, hi int) error
	Channel(channelID int) (channelpool.AsyncChannel, bool)
	RegisterClock(fn func(), start time.Time, period time.Duration, clockID int) error
	DeregisterClock(clockID int) error
}

var _ ChannelPool = (*channelpool.ChannelPool)(nil)

// ChannelPoolFactory builds the channel pool for one run of a SessionPool,
// wiring it to the pool's event handlers.
type ChannelPoolFactory func(cfg channelpool.Config, channelCb channelpool.ChannelStateCallback, poolCb channelpool.PoolStateCallback) (ChannelPool, error)
