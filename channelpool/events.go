package channelpool

// ChannelEvent is a state change of a single channel.
type ChannelEvent int

const (
	ChannelDown      ChannelEvent = iota // Channel closed; delivered exactly once per channel
	ChannelUp                            // Channel established; always precedes ChannelDown
	ReadTimeout                          // No data within Config.ReadTimeout
	WriteCacheHiWat                      // Write rejected, cache above the high watermark
	WriteCacheLowWat                     // Write cache drained to the low watermark
)

// String returns a human-readable name for the channel event.
func (e ChannelEvent) String() string {
	switch e {
	case ChannelDown:
		return "ChannelDown"
	case ChannelUp:
		return "ChannelUp"
	case ReadTimeout:
		return "ReadTimeout"
	case WriteCacheHiWat:
		return "WriteCacheHiWat"
	case WriteCacheLowWat:
		return "WriteCacheLowWat"
	default:
		return "Unknown"
	}
}

// PoolEvent is a condition affecting the pool or one of its sources rather
// than an established channel.
type PoolEvent int

const (
	ErrorAccepting  PoolEvent = iota // Accept failed on a listener
	ErrorConnecting                  // A connect attempt failed
	ChannelLimit                     // A new channel was refused at MaxConnections
)

// String returns a human-readable name for the pool event.
func (e PoolEvent) String() string {
	switch e {
	case ErrorAccepting:
		return "ErrorAccepting"
	case ErrorConnecting:
		return "ErrorConnecting"
	case ChannelLimit:
		return "ChannelLimit"
	default:
		return "Unknown"
	}
}

// Severity grades a PoolEvent.
type Severity int

const (
	// Critical means the source gave up (e.g. the last connect attempt failed).
	Critical Severity = iota
	// Alert means the source keeps going (e.g. more attempts follow).
	Alert
)

// String returns a human-readable name for the severity.
func (s Severity) String() string {
	switch s {
	case Critical:
		return "Critical"
	case Alert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// ShutdownMode selects how Shutdown treats a channel.
type ShutdownMode int

const (
	// Immediate closes the socket at once, discarding cached writes.
	Immediate ShutdownMode = iota
)

// ChannelStateCallback receives channel events. channelCtx is the value set
// with SetChannelContext at the time of delivery, or nil.
//
// Callbacks run on a multiplexer goroutine. All events of one channel are
// delivered on the same multiplexer in the order they occurred.
type ChannelStateCallback func(channelID, sourceID int, event ChannelEvent, channelCtx any)

// PoolStateCallback receives pool events for sourceID.
type PoolStateCallback func(event PoolEvent, sourceID int, severity Severity)

// ReadCallback receives buffered input. On success err is nil and the
// callback returns how many bytes of data it consumed and how many buffered
// bytes it needs before being invoked again (0 or 1 meaning "any"). When the
// channel goes down the callback is invoked once more with a non-nil err and
// nil data; the return values are then ignored.
type ReadCallback func(err error, data []byte, channelID int) (consumed int, needed int)
