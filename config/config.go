// Package config loads the sessionpoold configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/resolver"
	"github.com/cyberinferno/sessionpool/sessionpool"
	"github.com/pelletier/go-toml/v2"
)

// Default configuration values
const (
	DefaultServiceName   = "sessionpoold"
	DefaultListenAddress = "127.0.0.1:7000"
	DefaultBacklog       = 128
	DefaultMetricsListen = "127.0.0.1:9100"
	DefaultRedisPrefix   = "sessionpoold:resolve:"
)

// Config holds all configuration of the daemon.
type Config struct {
	Log      logger.Config      `toml:"log"`
	Pool     sessionpool.Config `toml:"pool"`
	Server   ServerConfig       `toml:"server"`
	Metrics  MetricsConfig      `toml:"metrics"`
	Resolver ResolverConfig     `toml:"resolver"`
}

// ServerConfig describes the echo listener.
type ServerConfig struct {
	// Name is used in log messages
	Name string `toml:"name"`
	// Listen is the address to accept connections on
	Listen string `toml:"listen"`
	// Backlog is the listen backlog
	Backlog int `toml:"backlog"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `toml:"enabled"`
	// Listen is the address of the metrics HTTP server
	Listen string `toml:"listen"`
	// Namespace prefixes every metric name
	Namespace string `toml:"namespace"`
}

// ResolverConfig controls host name resolution for outbound connects.
type ResolverConfig struct {
	// TTL is how long a lookup stays cached
	TTL time.Duration `toml:"ttl"`
	// RedisAddr, when set, shares the lookup cache through redis
	RedisAddr string `toml:"redis_addr,omitempty"`
	// RedisPrefix prefixes every redis key
	RedisPrefix string `toml:"redis_prefix"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log:  logger.DefaultConfig(DefaultServiceName),
		Pool: sessionpool.DefaultConfig(),
		Server: ServerConfig{
			Name:    "echo",
			Listen:  DefaultListenAddress,
			Backlog: DefaultBacklog,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    DefaultMetricsListen,
			Namespace: "sessionpoold",
		},
		Resolver: ResolverConfig{
			TTL:         resolver.DefaultTTL,
			RedisPrefix: DefaultRedisPrefix,
		},
	}
}

// Load reads configuration from a TOML file on top of Default.
// If the file doesn't exist, it returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a TOML file, creating the parent
// directory if needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	if c.Server.Backlog < 0 {
		return errors.New("server.backlog must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	if c.Resolver.TTL < 0 {
		return errors.New("resolver.ttl must not be negative")
	}
	return nil
}
