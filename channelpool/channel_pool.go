// Package channelpool is an event-driven TCP channel pool. It accepts, dials
// and adopts connections, runs their socket I/O on a shared goroutine pool
// and reports state changes through a fixed set of multiplexer event loops.
//
// Every event of one channel is delivered on the same multiplexer, in order:
// ChannelUp first, ChannelDown exactly once and last. Callbacks must not call
// Stop.
package channelpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/sessionpool/idgenerator"
	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/resolver"
	"github.com/cyberinferno/sessionpool/safemap"
	"github.com/cyberinferno/sessionpool/safeset"
	"github.com/panjf2000/ants/v2"
)

const (
	stopTimeout      = 5 * time.Second
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Option configures a ChannelPool.
type Option func(*ChannelPool)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(p *ChannelPool) {
		p.log = l
	}
}

// WithResolver sets the resolver used by Connect. The default caches lookups
// in memory.
func WithResolver(r *resolver.Resolver) Option {
	return func(p *ChannelPool) {
		p.resolver = r
	}
}

// WithMetrics sets the collectors the pool updates.
func WithMetrics(m *Metrics) Option {
	return func(p *ChannelPool) {
		p.metrics = m
	}
}

type listener struct {
	sourceID int
	ln       net.Listener
	closed   atomic.Bool
}

func (l *listener) close() {
	l.closed.Store(true)
	_ = l.ln.Close()
}

type connector struct {
	sourceID int
	cancel   context.CancelFunc
}

type clock struct {
	id     int
	fn     func()
	period time.Duration
	mu     sync.Mutex
	timer  *time.Timer
}

func (c *clock) reset() {
	c.mu.Lock()
	c.timer.Reset(c.period)
	c.mu.Unlock()
}

func (c *clock) stop() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}

// ChannelPool owns listeners, connectors and channels. Create it with New,
// then Start it; it cannot be restarted after Stop.
type ChannelPool struct {
	config    Config
	channelCb ChannelStateCallback
	poolCb    PoolStateCallback
	log       logger.Logger
	resolver  *resolver.Resolver
	metrics   *Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	running atomic.Bool
	loops   []*multiplexer
	workers *ants.Pool
	wg      sync.WaitGroup

	channelIDs  *idgenerator.IdGenerator
	numChannels atomic.Int64
	channels    *safemap.SafeMap[int, *channel]
	listeners   *safemap.SafeMap[int, *listener]
	connectors  *safemap.SafeMap[int, *connector]
	clocks      *safemap.SafeMap[int, *clock]
	sources     *safeset.SafeSet[int]
}

// New creates a stopped channel pool.
//
// Parameters:
//   - cfg: Pool settings (see DefaultConfig)
//   - channelCb: Receives channel events; required
//   - poolCb: Receives pool events; nil discards them
//   - opts: Optional collaborators
//
// Returns:
//   - The pool, or an error if cfg is invalid or channelCb is nil
func New(cfg Config, channelCb ChannelStateCallback, poolCb PoolStateCallback, opts ...Option) (*ChannelPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if channelCb == nil {
		return nil, fmt.Errorf("%w: channel state callback is required", ErrInvalidArgument)
	}

	if poolCb == nil {
		poolCb = func(PoolEvent, int, Severity) {}
	}

	p := &ChannelPool{
		config:     cfg,
		channelCb:  channelCb,
		poolCb:     poolCb,
		log:        logger.NewNopLogger(),
		channelIDs: idgenerator.NewIdGenerator(0),
		channels:   safemap.NewSafeMap[int, *channel](),
		listeners:  safemap.NewSafeMap[int, *listener](),
		connectors: safemap.NewSafeMap[int, *connector](),
		clocks:     safemap.NewSafeMap[int, *clock](),
		sources:    safeset.NewSafeSet[int](),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.log = p.log.With(logger.Field{Key: "component", Value: "channelpool"})
	if p.resolver == nil {
		p.resolver = resolver.New(nil, 0, nil)
	}

	if p.metrics == nil {
		p.metrics = NewMetrics("", nil)
	}

	// two goroutines per channel; unlimited pools never overload
	size := -1
	if cfg.MaxConnections > 0 {
		size = 2 * cfg.MaxConnections
	}

	workers, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			p.log.Error("channel goroutine panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	p.workers = workers
	p.loops = make([]*multiplexer, cfg.NumMultiplexers)
	for i := range p.loops {
		p.loops[i] = newMultiplexer(i, p.log)
	}

	return p, nil
}

// Start launches the multiplexers.
func (p *ChannelPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}

	if p.started {
		return ErrAlreadyRunning
	}

	for _, m := range p.loops {
		go m.run()
	}

	p.started = true
	p.running.Store(true)
	p.log.Info("channel pool started", logger.Field{Key: "multiplexers", Value: len(p.loops)})

	return nil
}

// Stop closes every listener, connector, clock and channel, waits for their
// goroutines and then for the multiplexers to deliver the remaining events,
// including a ChannelDown for each channel that was open.
func (p *ChannelPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return ErrNotRunning
	}

	p.running.Store(false)
	p.stopped = true

	for _, l := range p.listeners.Drain() {
		l.close()
	}

	for _, c := range p.connectors.Drain() {
		c.cancel()
	}

	for _, c := range p.clocks.Drain() {
		c.stop()
	}

	for _, c := range p.channels.Values() {
		c.closeWith(nil)
	}

	p.wg.Wait()
	if err := p.workers.ReleaseTimeout(stopTimeout); err != nil {
		p.log.Warn("channel goroutines still running after stop", logger.Field{Key: "error", Value: err})
	}

	for _, m := range p.loops {
		m.stop()
	}

	p.sources.Reset()
	p.log.Info("channel pool stopped")

	return nil
}

// IsRunning reports whether the pool is started and not stopped.
func (p *ChannelPool) IsRunning() bool {
	return p.running.Load()
}

// NumChannels returns the number of open channels.
func (p *ChannelPool) NumChannels() int {
	return int(p.numChannels.Load())
}

// PendingEvents returns the number of callbacks queued on the multiplexers.
func (p *ChannelPool) PendingEvents() int {
	total := 0
	for _, m := range p.loops {
		total += m.pending()
	}

	return total
}

// Channel returns the open channel with the given id.
func (p *ChannelPool) Channel(channelID int) (AsyncChannel, bool) {
	c, ok := p.channels.Load(channelID)
	if !ok {
		return nil, false
	}

	return c, true
}

// Connect starts dialing addr in the background. Each failed attempt is
// reported as ErrorConnecting (Critical on the last one); success is reported
// as ChannelUp with sourceID.
//
// Parameters:
//   - addr: The "host:port" to dial
//   - numAttempts: Attempts before giving up; at least 1
//   - interval: Time between attempt starts, also the dial timeout when
//     Config.ConnectTimeout is 0
//   - sourceID: Caller-chosen id; must not be in use by another source
//   - opts: Per-connect options
//
// Returns:
//   - nil once the connector is running
func (p *ChannelPool) Connect(addr string, numAttempts int, interval time.Duration, sourceID int, opts ConnectOptions) error {
	if !p.running.Load() {
		return ErrNotRunning
	}

	if numAttempts < 1 || interval < 0 {
		return fmt.Errorf("%w: need at least one attempt and a non-negative interval", ErrInvalidArgument)
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if !p.sources.Add(sourceID) {
		return ErrDuplicateSource
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connector{sourceID: sourceID, cancel: cancel}
	p.connectors.Store(sourceID, c)

	p.wg.Add(1)
	go p.connectLoop(ctx, c, addr, numAttempts, interval, opts)

	return nil
}

func (p *ChannelPool) connectLoop(ctx context.Context, c *connector, addr string, numAttempts int, interval time.Duration, opts ConnectOptions) {
	defer p.wg.Done()
	defer p.finishConnector(c)

	mode := p.config.ResolutionMode
	if opts.ResolutionMode != nil {
		mode = *opts.ResolutionMode
	}

	timeout := p.config.ConnectTimeout
	if timeout == 0 {
		timeout = interval
	}

	for attempt := 1; attempt <= numAttempts; attempt++ {
		started := time.Now()
		conn, err := p.dial(ctx, addr, mode, timeout, opts.LocalAddr)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}

			return
		}

		if err == nil {
			p.metrics.ConnectAttempts.WithLabelValues("success").Inc()
			p.finishConnector(c)
			_, _ = p.openChannel(conn, c.sourceID, originConnected, p.loopFor(c.sourceID))

			return
		}

		p.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		p.log.Debug("connect attempt failed",
			logger.Field{Key: "source", Value: c.sourceID},
			logger.Field{Key: "addr", Value: addr},
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "error", Value: err})

		severity := Alert
		if attempt == numAttempts {
			severity = Critical
		}

		p.postPoolEvent(ErrorConnecting, c.sourceID, severity)
		if attempt == numAttempts {
			return
		}

		if wait := interval - time.Since(started); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (p *ChannelPool) dial(ctx context.Context, addr string, mode resolver.Mode, timeout time.Duration, localAddr string) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target, err := p.resolver.Resolve(ctx, addr, mode)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{KeepAlive: p.config.KeepAlive}
	if localAddr != "" {
		local, err := net.ResolveTCPAddr("tcp", localAddr)
		if err != nil {
			return nil, err
		}

		dialer.LocalAddr = local
	}

	return dialer.DialContext(ctx, "tcp", target)
}

func (p *ChannelPool) finishConnector(c *connector) {
	if p.connectors.CompareAndDelete(c.sourceID, c) {
		c.cancel()
		p.sources.Remove(c.sourceID)
	}
}

// Listen binds addr and accepts connections in the background, reporting
// each one as ChannelUp with sourceID. backlog is accepted for API
// compatibility; Go listeners use the system backlog, and reuseAddr is
// always in effect on Unix.
//
// Returns:
//   - An error wrapping ErrListenFailed if the address cannot be bound
func (p *ChannelPool) Listen(addr string, backlog int, sourceID int, reuseAddr bool) error {
	if !p.running.Load() {
		return ErrNotRunning
	}

	if backlog < 0 {
		return fmt.Errorf("%w: negative backlog", ErrInvalidArgument)
	}

	if !p.sources.Add(sourceID) {
		return ErrDuplicateSource
	}

	lc := net.ListenConfig{KeepAlive: p.config.KeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		p.sources.Remove(sourceID)
		return fmt.Errorf("%w: %w", ErrListenFailed, err)
	}

	l := &listener{sourceID: sourceID, ln: ln}
	p.listeners.Store(sourceID, l)

	p.wg.Add(1)
	go p.acceptLoop(l)

	p.log.Info("listening",
		logger.Field{Key: "source", Value: sourceID},
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "reuse_addr", Value: reuseAddr})

	return nil
}

// ListenerAddr returns the bound address of the listener with sourceID.
func (p *ChannelPool) ListenerAddr(sourceID int) (net.Addr, error) {
	l, ok := p.listeners.Load(sourceID)
	if !ok {
		return nil, ErrUnknownSource
	}

	return l.ln.Addr(), nil
}

func (p *ChannelPool) acceptLoop(l *listener) {
	defer p.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			p.metrics.AcceptErrors.Inc()
			p.log.Error("accept error",
				logger.Field{Key: "source", Value: l.sourceID},
				logger.Field{Key: "error", Value: err})
			p.postPoolEvent(ErrorAccepting, l.sourceID, Alert)

			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			time.Sleep(backoff)

			continue
		}

		backoff = 0
		_, _ = p.openChannel(conn, l.sourceID, originAccepted, nil)
	}
}

// Import adopts an established connection as a channel of sourceID.
//
// Returns:
//   - The new channel id
func (p *ChannelPool) Import(conn net.Conn, sourceID int) (int, error) {
	if !p.running.Load() {
		return 0, ErrNotRunning
	}

	if conn == nil {
		return 0, fmt.Errorf("%w: nil connection", ErrInvalidArgument)
	}

	return p.openChannel(conn, sourceID, originImported, p.loopFor(sourceID))
}

// Close stops the listener or cancels the connector registered under
// sourceID. Channels it already produced stay open.
func (p *ChannelPool) Close(sourceID int) error {
	if l, ok := p.listeners.LoadAndDelete(sourceID); ok {
		l.close()
		p.sources.Remove(sourceID)
		p.log.Info("listener closed", logger.Field{Key: "source", Value: sourceID})

		return nil
	}

	if c, ok := p.connectors.LoadAndDelete(sourceID); ok {
		c.cancel()
		p.sources.Remove(sourceID)

		return nil
	}

	return ErrUnknownSource
}

// Shutdown closes a channel. Its ChannelDown follows on the multiplexer.
func (p *ChannelPool) Shutdown(channelID int, mode ShutdownMode) error {
	if mode != Immediate {
		return fmt.Errorf("%w: unsupported shutdown mode %d", ErrInvalidArgument, mode)
	}

	c, ok := p.channels.Load(channelID)
	if !ok {
		return ErrUnknownChannel
	}

	c.closeWith(nil)

	return nil
}

// SetChannelContext attaches ctx to a channel; it is passed to every later
// channel event of that channel.
func (p *ChannelPool) SetChannelContext(channelID int, ctx any) error {
	c, ok := p.channels.Load(channelID)
	if !ok {
		return ErrUnknownChannel
	}

	c.setContext(ctx)

	return nil
}

// SetWriteCacheWatermarks overrides the configured watermarks of a channel.
func (p *ChannelPool) SetWriteCacheWatermarks(channelID, low, hi int) error {
	if err := validWatermarks(low, hi); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c, ok := p.channels.Load(channelID)
	if !ok {
		return ErrUnknownChannel
	}

	c.setWatermarks(low, hi)

	return nil
}

// RegisterClock runs fn on multiplexer clockID%N at start and then every
// period. A zero period makes the clock one-shot; it is deregistered
// before fn runs.
func (p *ChannelPool) RegisterClock(fn func(), start time.Time, period time.Duration, clockID int) error {
	if !p.running.Load() {
		return ErrNotRunning
	}

	if fn == nil || period < 0 {
		return fmt.Errorf("%w: clock needs a function and a non-negative period", ErrInvalidArgument)
	}

	c := &clock{id: clockID, fn: fn, period: period}
	if _, loaded := p.clocks.LoadOrStore(clockID, c); loaded {
		return ErrDuplicateClock
	}

	c.mu.Lock()
	c.timer = time.AfterFunc(time.Until(start), func() {
		p.fireClock(c)
	})
	c.mu.Unlock()

	return nil
}

// DeregisterClock cancels a clock. It returns ErrUnknownClock if the clock
// is unknown or a one-shot clock has already been claimed for running.
func (p *ChannelPool) DeregisterClock(clockID int) error {
	c, ok := p.clocks.LoadAndDelete(clockID)
	if !ok {
		return ErrUnknownClock
	}

	c.stop()

	return nil
}

func (p *ChannelPool) fireClock(c *clock) {
	p.loopFor(c.id).post(func() {
		if c.period == 0 {
			if p.clocks.CompareAndDelete(c.id, c) {
				c.fn()
			}

			return
		}

		if current, ok := p.clocks.Load(c.id); !ok || current != c {
			return
		}

		c.fn()
		c.reset()
	})
}

func (p *ChannelPool) loopFor(key int) *multiplexer {
	idx := key % len(p.loops)
	if idx < 0 {
		idx += len(p.loops)
	}

	return p.loops[idx]
}

// openChannel registers conn as a new channel, reports ChannelUp and starts
// its reader and writer. A nil loop selects the multiplexer by channel id.
func (p *ChannelPool) openChannel(conn net.Conn, sourceID int, origin string, loop *multiplexer) (int, error) {
	if !p.running.Load() {
		_ = conn.Close()
		return 0, ErrNotRunning
	}

	n := p.numChannels.Add(1)
	if limit := p.config.MaxConnections; limit > 0 && n > int64(limit) {
		p.numChannels.Add(-1)
		_ = conn.Close()
		p.metrics.ChannelLimit.Inc()
		p.log.Warn("channel limit reached",
			logger.Field{Key: "source", Value: sourceID},
			logger.Field{Key: "limit", Value: limit})
		p.postPoolEvent(ChannelLimit, sourceID, Alert)

		return 0, ErrChannelLimit
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(p.config.NoDelay)
	}

	id := p.channelIDs.IntId()
	if loop == nil {
		loop = p.loopFor(id)
	}

	c := newChannel(id, sourceID, conn, p, loop)
	p.channels.Store(id, c)
	p.metrics.OpenChannels.Inc()
	p.metrics.ChannelsOpened.WithLabelValues(origin).Inc()
	p.postChannelEvent(c, ChannelUp)

	for _, task := range []func(){c.writeLoop, c.readLoop} {
		if err := p.workers.Submit(task); err != nil {
			p.metrics.ChannelLimit.Inc()
			p.log.Warn("no goroutine for channel",
				logger.Field{Key: "channel", Value: id},
				logger.Field{Key: "error", Value: err})
			p.postPoolEvent(ChannelLimit, sourceID, Alert)
			c.closeWith(err)

			return 0, fmt.Errorf("%w: %w", ErrChannelLimit, err)
		}
	}

	// Stop may have swept the channels before this one was stored
	if !p.running.Load() {
		c.closeWith(nil)
	}

	return id, nil
}

func (p *ChannelPool) channelClosed(c *channel, cause error) {
	if p.channels.CompareAndDelete(c.id, c) {
		p.numChannels.Add(-1)
		p.metrics.OpenChannels.Dec()
	}

	p.log.Debug("channel down",
		logger.Field{Key: "channel", Value: c.id},
		logger.Field{Key: "source", Value: c.sourceID},
		logger.Field{Key: "cause", Value: cause})
	p.postChannelEvent(c, ChannelDown)
}

func (p *ChannelPool) postChannelEvent(c *channel, event ChannelEvent) {
	ok := c.loop.post(func() {
		p.channelCb(c.id, c.sourceID, event, c.context())
	})
	if !ok {
		p.log.Debug("channel event dropped",
			logger.Field{Key: "channel", Value: c.id},
			logger.Field{Key: "event", Value: event.String()})
	}
}

func (p *ChannelPool) postPoolEvent(event PoolEvent, sourceID int, severity Severity) {
	ok := p.loopFor(sourceID).post(func() {
		p.poolCb(event, sourceID, severity)
	})
	if !ok {
		p.log.Debug("pool event dropped",
			logger.Field{Key: "source", Value: sourceID},
			logger.Field{Key: "event", Value: event.String()})
	}
}
