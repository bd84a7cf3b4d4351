package sessionpool

import "errors"

var (
	// ErrNotStarted is returned by operations on a pool that is not running.
	ErrNotStarted = errors.New("sessionpool: pool is not started")
	// ErrAlreadyStarted is returned by Start on a running pool.
	ErrAlreadyStarted = errors.New("sessionpool: pool is already started")
	// ErrUnknownHandle is returned for handle ids that are not in the pool.
	ErrUnknownHandle = errors.New("sessionpool: unknown handle id")
	// ErrInvalidArgument is returned for nil callbacks, nil factories and
	// out-of-range arguments.
	ErrInvalidArgument = errors.New("sessionpool: invalid argument")
	// ErrNotListener is returned by PortNumber for handles that do not listen.
	ErrNotListener = errors.New("sessionpool: handle is not a listener")
	// ErrNoChannel is returned for handles that have no channel yet.
	ErrNoChannel = errors.New("sessionpool: handle has no channel")
)
