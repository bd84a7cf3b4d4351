package sessionpool

// HandleType is the role a handle currently plays.
type HandleType int

const (
	Listener              HandleType = iota // Accepts connections; each one becomes a RegularSession handle
	ConnectSession                          // Outbound connect in progress
	AbortedConnectSession                   // Connect closed by the application before a channel came up
	ImportedSession                         // Adopted connection awaiting its session
	RegularSession                          // Channel is up; session allocated or being allocated
	InvalidSession                          // Connect gave up after the last attempt
)

// String returns a human-readable name for the handle type.
func (t HandleType) String() string {
	switch t {
	case Listener:
		return "Listener"
	case ConnectSession:
		return "ConnectSession"
	case AbortedConnectSession:
		return "AbortedConnectSession"
	case ImportedSession:
		return "ImportedSession"
	case RegularSession:
		return "RegularSession"
	case InvalidSession:
		return "InvalidSession"
	default:
		return "Unknown"
	}
}

// Event is a lifecycle notification delivered to session and pool callbacks.
type Event int

const (
	SessionUp            Event = iota // Session started; carries the session
	SessionDown                       // Session stopped; terminal
	ConnectFailed                     // Last connect attempt failed; terminal
	ConnectAttemptFailed              // A connect attempt failed, more follow
	ConnectAborted                    // Connect closed before it completed; terminal
	SessionAllocFailed                // The factory could not allocate a session
	SessionStartupFailed              // The session failed to start
	AcceptFailed                      // A listener failed to accept
	WriteCacheLowWat                  // Write cache drained to the low watermark
	WriteCacheHiWat                   // Write cache above the high watermark
	ChannelLimit                      // A connection was refused at the pool limit; pool callback only
)

// String returns a human-readable name for the event.
func (e Event) String() string {
	switch e {
	case SessionUp:
		return "SessionUp"
	case SessionDown:
		return "SessionDown"
	case ConnectFailed:
		return "ConnectFailed"
	case ConnectAttemptFailed:
		return "ConnectAttemptFailed"
	case ConnectAborted:
		return "ConnectAborted"
	case SessionAllocFailed:
		return "SessionAllocFailed"
	case SessionStartupFailed:
		return "SessionStartupFailed"
	case AcceptFailed:
		return "AcceptFailed"
	case WriteCacheLowWat:
		return "WriteCacheLowWat"
	case WriteCacheHiWat:
		return "WriteCacheHiWat"
	case ChannelLimit:
		return "ChannelLimit"
	default:
		return "Unknown"
	}
}
