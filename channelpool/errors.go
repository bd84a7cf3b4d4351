package channelpool

import "errors"

var (
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("channelpool: invalid config")
	// ErrInvalidArgument is returned for out-of-range operation arguments.
	ErrInvalidArgument = errors.New("channelpool: invalid argument")
	// ErrNotRunning is returned when operating on a pool that is not started.
	ErrNotRunning = errors.New("channelpool: pool is not running")
	// ErrAlreadyRunning is returned by Start on a running pool.
	ErrAlreadyRunning = errors.New("channelpool: pool is already running")
	// ErrDuplicateSource is returned when a source id is already in use by a
	// listener or connector.
	ErrDuplicateSource = errors.New("channelpool: duplicate source id")
	// ErrUnknownSource is returned by Close for ids with no listener or connector.
	ErrUnknownSource = errors.New("channelpool: unknown source id")
	// ErrUnknownChannel is returned for channel ids that are not open.
	ErrUnknownChannel = errors.New("channelpool: unknown channel id")
	// ErrDuplicateClock is returned when a clock id is already registered.
	ErrDuplicateClock = errors.New("channelpool: duplicate clock id")
	// ErrUnknownClock is returned by DeregisterClock for unknown ids.
	ErrUnknownClock = errors.New("channelpool: unknown clock id")
	// ErrChannelLimit is returned when the pool is at MaxConnections.
	ErrChannelLimit = errors.New("channelpool: channel limit reached")
	// ErrChannelClosed is returned by operations on a closed channel and is
	// passed to read callbacks when the channel goes down.
	ErrChannelClosed = errors.New("channelpool: channel closed")
	// ErrWriteCacheFull is returned by Write when the write cache is above
	// its high watermark.
	ErrWriteCacheFull = errors.New("channelpool: write cache full")
	// ErrListenFailed wraps errors from binding a listening socket.
	ErrListenFailed = errors.New("channelpool: listen failed")
)

// ErrStopped is returned by Start on a pool that has been stopped; a pool
// cannot be restarted.
var ErrStopped = errors.New("channelpool: pool has been stopped")
