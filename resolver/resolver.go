// Package resolver turns "host:port" connect targets into dialable
// "ip:port" addresses. Lookups can be cached across connect attempts
// (ResolveOnce) or repeated before every attempt (ResolveAtEachAttempt).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoAddress is returned when a host resolves to no addresses.
var ErrNoAddress = errors.New("resolver: no address for host")

// Mode selects when host names are looked up.
type Mode int

const (
	// ResolveOnce reuses a cached lookup until it expires.
	ResolveOnce Mode = iota
	// ResolveAtEachAttempt performs a fresh lookup for every attempt and
	// refreshes the cache with the result.
	ResolveAtEachAttempt
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ResolveOnce:
		return "ResolveOnce"
	case ResolveAtEachAttempt:
		return "ResolveAtEachAttempt"
	default:
		return "Unknown"
	}
}

// LookupFunc resolves a host name into IP address strings.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// DefaultTTL is how long a lookup stays cached when no TTL is given.
const DefaultTTL = 5 * time.Minute

// Resolver resolves connect targets through a Cache.
type Resolver struct {
	cache  Cache[[]string]
	ttl    time.Duration
	lookup LookupFunc
}

// New creates a Resolver.
//
// Parameters:
//   - cache: Where lookups are stored; nil selects an in-memory cache
//   - ttl: Lifetime of a cached lookup; zero selects DefaultTTL
//   - lookup: Name lookup function; nil selects net.DefaultResolver.LookupHost
//
// Returns:
//   - A Resolver ready for concurrent use
func New(cache Cache[[]string], ttl time.Duration, lookup LookupFunc) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if cache == nil {
		cache = NewMemoryCache[[]string](ttl, 2*ttl)
	}

	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	return &Resolver{
		cache:  cache,
		ttl:    ttl,
		lookup: lookup,
	}
}

// Resolve returns a dialable address for addr. Literal IP addresses and
// empty hosts are returned unchanged without touching the cache.
//
// Parameters:
//   - ctx: Context bounding the lookup
//   - addr: The "host:port" target
//   - mode: Whether a cached lookup may be reused
//
// Returns:
//   - The "ip:port" to dial
//   - An error if addr is malformed or the lookup fails
func (r *Resolver) Resolve(ctx context.Context, addr string, mode Mode) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}

	if host == "" || net.ParseIP(host) != nil {
		return addr, nil
	}

	if mode == ResolveAtEachAttempt {
		if err := r.cache.Delete(ctx, host); err != nil {
			return "", err
		}
	}

	addrs, err := r.cache.GetOrFetch(ctx, host, r.ttl, func(ctx context.Context) ([]string, error) {
		return r.lookup(ctx, host)
	})
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}

	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, host)
	}

	return net.JoinHostPort(addrs[0], port), nil
}

// Forget drops the cached lookup for host.
func (r *Resolver) Forget(ctx context.Context, host string) error {
	return r.cache.Delete(ctx, host)
}
