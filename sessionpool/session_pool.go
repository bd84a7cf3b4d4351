// Package sessionpool manages TCP connections as sessions on top of a
// channel pool. Every listener, outbound connect, imported connection and
// accepted connection is tracked by a reference-counted handle; a handle's
// resources are released and its terminal event is delivered exactly once,
// when its last reference is dropped.
//
// Callbacks run on channel pool multiplexers or on the goroutine that drops
// the last reference of a handle. They may call back into the pool, except
// for Stop.
package sessionpool

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/safemap"
)

// SessionPool orchestrates handles over a ChannelPool.
type SessionPool struct {
	config          Config
	poolCb          PoolStateCallback
	log             logger.Logger
	metrics         *Metrics
	newChannelPool  ChannelPoolFactory
	channelPoolOpts []channelpool.Option

	mu          sync.Mutex
	running     atomic.Bool
	channels    atomic.Pointer[ChannelPool]
	table       *handleTable
	numSessions atomic.Int64

	// aborted connects waiting for their deferred release, by handle key
	aborting *safemap.SafeMap[int, *handle]
}

// New creates a stopped session pool.
//
// Parameters:
//   - cfg: Pool settings (see DefaultConfig)
//   - poolCb: Receives pool-wide events; nil discards them
//   - opts: Optional collaborators
//
// Returns:
//   - The pool, or an error if cfg is invalid
func New(cfg Config, poolCb PoolStateCallback, opts ...Option) (*SessionPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &SessionPool{
		config:   cfg,
		poolCb:   poolCb,
		log:      logger.NewNopLogger(),
		table:    newHandleTable(),
		aborting: safemap.NewSafeMap[int, *handle](),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		p.metrics = NewMetrics("", nil)
	}

	if p.newChannelPool == nil {
		cpOpts := append([]channelpool.Option{channelpool.WithLogger(p.log)}, p.channelPoolOpts...)
		p.newChannelPool = func(cfg channelpool.Config, channelCb channelpool.ChannelStateCallback, poolCb channelpool.PoolStateCallback) (ChannelPool, error) {
			return channelpool.New(cfg, channelCb, poolCb, cpOpts...)
		}
	}

	p.log = p.log.With(logger.Field{Key: "component", Value: "sessionpool"})

	return p, nil
}

// Start creates and starts a channel pool. A stopped pool can be started
// again.
func (p *SessionPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return ErrAlreadyStarted
	}

	channels, err := p.newChannelPool(p.config.ChannelPool, p.onChannelState, p.onPoolState)
	if err != nil {
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	if err := channels.Start(); err != nil {
		return fmt.Errorf("failed to start channel pool: %w", err)
	}

	p.channels.Store(&channels)
	p.running.Store(true)
	p.log.Info("session pool started")

	return nil
}

// Stop tears down every handle and stops the channel pool. Handles are
// first moved out of the table, then released, so callbacks fired by their
// deleters can safely call back into the pool.
func (p *SessionPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return ErrNotStarted
	}

	p.running.Store(false)

	handles := p.table.drain()
	for _, h := range handles {
		h.release()
	}

	for _, h := range p.aborting.Drain() {
		h.release()
	}

	if err := p.channelPool().Stop(); err != nil {
		return fmt.Errorf("failed to stop channel pool: %w", err)
	}

	p.log.Info("session pool stopped", logger.Field{Key: "handles", Value: len(handles)})

	return nil
}

// StopAndRemoveAllSessions is Stop.
func (p *SessionPool) StopAndRemoveAllSessions() error {
	return p.Stop()
}

// IsRunning reports whether the pool is started.
func (p *SessionPool) IsRunning() bool {
	return p.running.Load()
}

// Config returns the pool configuration.
func (p *SessionPool) Config() Config {
	return p.config
}

// NumSessions returns the number of sessions that are up.
func (p *SessionPool) NumSessions() int {
	return int(p.numSessions.Load())
}

// NumHandles returns the number of handles in the table.
func (p *SessionPool) NumHandles() int {
	return p.table.len()
}

// Handles returns a snapshot of the handles in the table.
func (p *SessionPool) Handles() []HandleInfo {
	handles := p.table.values()
	infos := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.info())
	}

	return infos
}

// Connect starts an outbound connection. Each failed attempt but the last
// is reported as ConnectAttemptFailed; the last as ConnectFailed. On success
// a session is allocated with factory and reported as SessionUp.
//
// Parameters:
//   - cb: Receives the handle's events
//   - addr: The "host:port" to connect to
//   - numAttempts: Attempts before giving up; at least 1
//   - interval: Time between attempts
//   - factory: Allocates the session once connected
//   - userData: Passed back to cb
//   - opts: Per-connect options
//
// Returns:
//   - The handle id
//   - ErrNotStarted, ErrInvalidArgument, or a channel pool error
func (p *SessionPool) Connect(cb SessionStateCallback, addr string, numAttempts int, interval time.Duration, factory SessionFactory, userData any, opts ...ConnectOption) (int, error) {
	if !p.running.Load() {
		return 0, ErrNotStarted
	}

	if cb == nil || factory == nil || numAttempts < 1 {
		return 0, ErrInvalidArgument
	}

	var connectOpts channelpool.ConnectOptions
	for _, opt := range opts {
		opt(&connectOpts)
	}

	h := newHandle(p, ConnectSession, cb, factory, userData)
	h.attemptsRemaining = numAttempts
	id := p.table.add(h)

	if err := h.channels.Connect(addr, numAttempts, interval, id, connectOpts); err != nil {
		p.discard(h)
		return 0, fmt.Errorf("connect to %s: %w", addr, err)
	}

	return id, nil
}

// Listen binds addr and turns every accepted connection into a new session
// handle sharing cb, factory and userData. backlog and reuseAddr are passed
// to the channel pool.
//
// Returns:
//   - The listener's handle id
func (p *SessionPool) Listen(cb SessionStateCallback, addr string, backlog int, reuseAddr bool, factory SessionFactory, userData any) (int, error) {
	if !p.running.Load() {
		return 0, ErrNotStarted
	}

	if cb == nil || factory == nil {
		return 0, ErrInvalidArgument
	}

	h := newHandle(p, Listener, cb, factory, userData)
	id := p.table.add(h)

	if err := h.channels.Listen(addr, backlog, id, reuseAddr); err != nil {
		p.discard(h)
		return 0, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return id, nil
}

// Import adopts an established connection and allocates a session for it.
//
// Returns:
//   - The handle id
func (p *SessionPool) Import(cb SessionStateCallback, conn net.Conn, factory SessionFactory, userData any) (int, error) {
	if !p.running.Load() {
		return 0, ErrNotStarted
	}

	if cb == nil || factory == nil || conn == nil {
		return 0, ErrInvalidArgument
	}

	h := newHandle(p, ImportedSession, cb, factory, userData)
	id := p.table.add(h)

	channelID, err := h.channels.Import(conn, id)
	if err != nil {
		p.discard(h)
		return 0, fmt.Errorf("import: %w", err)
	}

	h.mu.Lock()
	if h.channelID == 0 {
		h.channelID = channelID
	}
	h.mu.Unlock()

	return id, nil
}

// CloseHandle closes a listener, a pending connect or a session. The
// handle's terminal event follows asynchronously.
func (p *SessionPool) CloseHandle(id int) error {
	h, ok := p.table.find(id)
	if !ok {
		return ErrUnknownHandle
	}

	h.mu.Lock()
	typ, channelID := h.typ, h.channelID

	switch {
	case typ == Listener:
		h.mu.Unlock()
		p.table.detach(h)

	case channelID != 0:
		h.mu.Unlock()
		// ChannelDown completes the teardown
		if err := h.channels.Shutdown(channelID, channelpool.Immediate); err != nil && !errors.Is(err, channelpool.ErrUnknownChannel) {
			p.log.Warn("failed to shut down channel",
				logger.Field{Key: "handle", Value: id},
				logger.Field{Key: "error", Value: err})
		}

	case typ == ConnectSession:
		h.typ = AbortedConnectSession
		h.mu.Unlock()

		p.table.detach(h)
		_ = h.channels.Close(id)
		p.releaseLater(h)

		return nil

	default:
		h.mu.Unlock()
		p.table.detach(h)
	}

	h.release()

	return nil
}

// SetWriteCacheWatermarks overrides the write cache watermarks of a
// session's channel.
func (p *SessionPool) SetWriteCacheWatermarks(id, low, hi int) error {
	h, ok := p.table.find(id)
	if !ok {
		return ErrUnknownHandle
	}
	defer h.release()

	h.mu.Lock()
	channelID := h.channelID
	h.mu.Unlock()

	if channelID == 0 {
		return ErrNoChannel
	}

	return h.channels.SetWriteCacheWatermarks(channelID, low, hi)
}

// PortNumber returns the local port of a listener.
func (p *SessionPool) PortNumber(id int) (int, error) {
	h, ok := p.table.find(id)
	if !ok {
		return 0, ErrUnknownHandle
	}
	defer h.release()

	h.mu.Lock()
	typ := h.typ
	h.mu.Unlock()

	if typ != Listener {
		return 0, ErrNotListener
	}

	addr, err := h.channels.ListenerAddr(id)
	if err != nil {
		return 0, err
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", addr)
	}

	return tcpAddr.Port, nil
}

// channelPool returns the channel pool of the current run, or nil before
// the first Start.
func (p *SessionPool) channelPool() ChannelPool {
	if channels := p.channels.Load(); channels != nil {
		return *channels
	}

	return nil
}

// discard drops a handle whose channel pool request failed, without any
// notification.
func (p *SessionPool) discard(h *handle) {
	h.claimID()
	p.table.detach(h)
}

// releaseLater hands the caller's reference of an aborted connect to a
// one-shot clock. The clock id is the handle key, so the clock runs on the
// connector's multiplexer after any event already queued for the handle.
func (p *SessionPool) releaseLater(h *handle) {
	clockID := h.key
	p.aborting.Store(clockID, h)

	fire := func() {
		if held, ok := p.aborting.LoadAndDelete(clockID); ok {
			held.release()
		}
	}

	if err := h.channels.RegisterClock(fire, time.Now(), 0, clockID); err != nil {
		fire()
	}
}

// notify invokes the handle's callback, recovering from panics.
func (p *SessionPool) notify(h *handle, event Event, id int, session Session) {
	p.metrics.Events.WithLabelValues(event.String()).Inc()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("session state callback panicked",
				logger.Field{Key: "handle", Value: id},
				logger.Field{Key: "event", Value: event.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	h.callback(event, id, session, h.userData)
}

func (p *SessionPool) notifyPool(event Event, sourceID int, severity channelpool.Severity) {
	if p.poolCb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool state callback panicked",
				logger.Field{Key: "source", Value: sourceID},
				logger.Field{Key: "event", Value: event.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	p.poolCb(event, sourceID, severity)
}
