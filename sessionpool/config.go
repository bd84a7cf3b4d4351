package sessionpool

import (
	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/resolver"
)

// Config holds the session pool settings.
type Config struct {
	ChannelPool channelpool.Config `toml:"channel_pool"`
}

// DefaultConfig returns a Config using channelpool.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		ChannelPool: channelpool.DefaultConfig(),
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	return c.ChannelPool.Validate()
}

// Option configures a SessionPool.
type Option func(*SessionPool)

// WithLogger sets the logger, which is also handed to the default channel
// pool. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(p *SessionPool) {
		p.log = l
	}
}

// WithMetrics sets the collectors the pool updates.
func WithMetrics(m *Metrics) Option {
	return func(p *SessionPool) {
		p.metrics = m
	}
}

// WithChannelPoolFactory replaces the channel pool implementation.
func WithChannelPoolFactory(f ChannelPoolFactory) Option {
	return func(p *SessionPool) {
		p.newChannelPool = f
	}
}

// WithChannelPoolOptions passes options to the default channel pool.
func WithChannelPoolOptions(opts ...channelpool.Option) Option {
	return func(p *SessionPool) {
		p.channelPoolOpts = append(p.channelPoolOpts, opts...)
	}
}

// ConnectOption tunes a single Connect.
type ConnectOption func(*channelpool.ConnectOptions)

// WithResolutionMode selects when the target host name is resolved.
func WithResolutionMode(mode resolver.Mode) ConnectOption {
	return func(o *channelpool.ConnectOptions) {
		o.ResolutionMode = &mode
	}
}

// WithLocalAddr binds the outgoing socket to addr.
func WithLocalAddr(addr string) ConnectOption {
	return func(o *channelpool.ConnectOptions) {
		o.LocalAddr = addr
	}
}
