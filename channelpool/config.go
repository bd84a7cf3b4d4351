package channelpool

import (
	"fmt"
	"time"

	"github.com/cyberinferno/sessionpool/resolver"
)

// Config holds the channel pool settings.
type Config struct {
	// MaxConnections caps the number of open channels; 0 means unlimited.
	MaxConnections int `toml:"max_connections"`
	// NumMultiplexers is the number of event loops delivering callbacks.
	NumMultiplexers int `toml:"num_multiplexers"`
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int `toml:"read_buffer_size"`
	// ReadTimeout emits ReadTimeout when no data arrives for this long; 0 disables it.
	ReadTimeout time.Duration `toml:"read_timeout"`
	// WriteTimeout bounds a single socket write; 0 means no timeout.
	WriteTimeout time.Duration `toml:"write_timeout"`
	// ConnectTimeout bounds a single dial; 0 uses the connect interval.
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	// KeepAlive is the TCP keep-alive period; 0 uses the system default, negative disables it.
	KeepAlive time.Duration `toml:"keep_alive"`
	// NoDelay disables Nagle's algorithm on every channel.
	NoDelay bool `toml:"no_delay"`
	// WriteCacheLowWatermark is the cached byte count at which WriteCacheLowWat fires.
	WriteCacheLowWatermark int `toml:"write_cache_low_watermark"`
	// WriteCacheHiWatermark is the cached byte count above which writes are
	// rejected; 0 disables the limit.
	WriteCacheHiWatermark int `toml:"write_cache_hi_watermark"`
	// ResolutionMode is the default for Connect when ConnectOptions leave it unset.
	ResolutionMode resolver.Mode `toml:"resolution_mode"`
}

// DefaultConfig returns a Config with defaults: 4 multiplexers, 4096 byte
// reads, 10s write timeout, 1 MiB write cache high watermark with a 64 KiB
// low watermark, unlimited connections.
func DefaultConfig() Config {
	return Config{
		MaxConnections:         0,
		NumMultiplexers:        4,
		ReadBufferSize:         4096,
		WriteTimeout:           10 * time.Second,
		NoDelay:                true,
		WriteCacheLowWatermark: 64 * 1024,
		WriteCacheHiWatermark:  1024 * 1024,
		ResolutionMode:         resolver.ResolveOnce,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max connections must not be negative", ErrInvalidConfig)
	}

	if c.NumMultiplexers < 1 {
		return fmt.Errorf("%w: at least one multiplexer is required", ErrInvalidConfig)
	}

	if c.ReadBufferSize < 1 {
		return fmt.Errorf("%w: read buffer size must be positive", ErrInvalidConfig)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}

	if err := validWatermarks(c.WriteCacheLowWatermark, c.WriteCacheHiWatermark); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// ConnectOptions tune a single Connect call.
type ConnectOptions struct {
	// ResolutionMode overrides Config.ResolutionMode when non-nil.
	ResolutionMode *resolver.Mode
	// LocalAddr binds the outgoing socket to "ip:port" when non-empty.
	LocalAddr string
}

func validWatermarks(low, hi int) error {
	if low < 0 || hi < 0 {
		return fmt.Errorf("write cache watermarks must not be negative")
	}

	if hi > 0 && low > hi {
		return fmt.Errorf("write cache low watermark %d exceeds high watermark %d", low, hi)
	}

	return nil
}
