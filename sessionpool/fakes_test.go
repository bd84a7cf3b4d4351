package sessionpool

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	id       int
	sourceID int

	mu          sync.Mutex
	closed      bool
	closeCount  int
	cancelCount int
	written     [][]byte
}

func (c *fakeChannel) ID() int       { return c.id }
func (c *fakeChannel) SourceID() int { return c.sourceID }

func (c *fakeChannel) Read(int, channelpool.ReadCallback) error { return nil }

func (c *fakeChannel) CancelRead() {
	c.mu.Lock()
	c.cancelCount++
	c.mu.Unlock()
}

func (c *fakeChannel) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return channelpool.ErrChannelClosed
	}

	c.written = append(c.written, data)

	return nil
}

func (c *fakeChannel) WriteCacheSize() int { return 0 }

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.closeCount++
	c.mu.Unlock()
}

func (c *fakeChannel) PeerAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }
func (c *fakeChannel) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

type connectCall struct {
	addr        string
	numAttempts int
	interval    time.Duration
	opts        channelpool.ConnectOptions
}

// fakeChannelPool delivers events only when the test asks for them.
// Shutdown queues a ChannelDown that flush delivers.
type fakeChannelPool struct {
	channelCb channelpool.ChannelStateCallback
	poolCb    channelpool.PoolStateCallback

	mu            sync.Mutex
	started       bool
	stopped       bool
	nextChannelID int
	channels      map[int]*fakeChannel
	contexts      map[int]any
	connects      map[int]connectCall
	listeners     map[int]string
	closedSources []int
	shutdowns     []int
	watermarks    map[int][2]int
	clocks        map[int]func()
	queue         []func()
	connectErr    error
	listenErr     error
}

func newFakeChannelPool() *fakeChannelPool {
	return &fakeChannelPool{
		nextChannelID: 1000,
		channels:      make(map[int]*fakeChannel),
		contexts:      make(map[int]any),
		connects:      make(map[int]connectCall),
		listeners:     make(map[int]string),
		watermarks:    make(map[int][2]int),
		clocks:        make(map[int]func()),
	}
}

func (f *fakeChannelPool) factory() ChannelPoolFactory {
	return func(_ channelpool.Config, channelCb channelpool.ChannelStateCallback, poolCb channelpool.PoolStateCallback) (ChannelPool, error) {
		f.mu.Lock()
		f.channelCb = channelCb
		f.poolCb = poolCb
		f.mu.Unlock()

		return f, nil
	}
}

func (f *fakeChannelPool) Start() error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()

	return nil
}

func (f *fakeChannelPool) Stop() error {
	f.flush()

	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()

	return nil
}

func (f *fakeChannelPool) Connect(addr string, numAttempts int, interval time.Duration, sourceID int, opts channelpool.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectErr != nil {
		return f.connectErr
	}

	f.connects[sourceID] = connectCall{addr, numAttempts, interval, opts}

	return nil
}

func (f *fakeChannelPool) Listen(addr string, _ int, sourceID int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listenErr != nil {
		return f.listenErr
	}

	f.listeners[sourceID] = addr

	return nil
}

func (f *fakeChannelPool) ListenerAddr(sourceID int) (net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.listeners[sourceID]; !ok {
		return nil, channelpool.ErrUnknownSource
	}

	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4321}, nil
}

func (f *fakeChannelPool) Import(_ net.Conn, sourceID int) (int, error) {
	return f.newChannel(sourceID).id, nil
}

func (f *fakeChannelPool) Close(sourceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closedSources = append(f.closedSources, sourceID)
	if _, ok := f.listeners[sourceID]; ok {
		delete(f.listeners, sourceID)
		return nil
	}

	if _, ok := f.connects[sourceID]; ok {
		delete(f.connects, sourceID)
		return nil
	}

	return channelpool.ErrUnknownSource
}

func (f *fakeChannelPool) Shutdown(channelID int, _ channelpool.ShutdownMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shutdowns = append(f.shutdowns, channelID)
	c, ok := f.channels[channelID]
	if !ok {
		return channelpool.ErrUnknownChannel
	}

	delete(f.channels, channelID)
	c.Close()
	f.queue = append(f.queue, f.downEventLocked(c))

	return nil
}

func (f *fakeChannelPool) SetChannelContext(channelID int, ctx any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.channels[channelID]; !ok {
		return channelpool.ErrUnknownChannel
	}

	f.contexts[channelID] = ctx

	return nil
}

func (f *fakeChannelPool) SetWriteCacheWatermarks(channelID, low, hi int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.watermarks[channelID] = [2]int{low, hi}

	return nil
}

func (f *fakeChannelPool) Channel(channelID int) (channelpool.AsyncChannel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.channels[channelID]
	if !ok {
		return nil, false
	}

	return c, true
}

func (f *fakeChannelPool) RegisterClock(fn func(), _ time.Time, _ time.Duration, clockID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.clocks[clockID]; ok {
		return channelpool.ErrDuplicateClock
	}

	f.clocks[clockID] = fn

	return nil
}

func (f *fakeChannelPool) DeregisterClock(clockID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.clocks[clockID]; !ok {
		return channelpool.ErrUnknownClock
	}

	delete(f.clocks, clockID)

	return nil
}

func (f *fakeChannelPool) newChannel(sourceID int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextChannelID++
	c := &fakeChannel{id: f.nextChannelID, sourceID: sourceID}
	f.channels[c.id] = c

	return c
}

func (f *fakeChannelPool) downEventLocked(c *fakeChannel) func() {
	return func() {
		f.mu.Lock()
		ctx := f.contexts[c.id]
		cb := f.channelCb
		f.mu.Unlock()

		cb(c.id, c.sourceID, channelpool.ChannelDown, ctx)
	}
}

// up opens a channel for sourceID and delivers its ChannelUp.
func (f *fakeChannelPool) up(sourceID int) *fakeChannel {
	c := f.newChannel(sourceID)
	f.deliver(c, channelpool.ChannelUp)

	return c
}

// upClosed opens a channel for sourceID that is already gone by the time
// its ChannelUp is delivered, then delivers its ChannelDown.
func (f *fakeChannelPool) upClosed(sourceID int) *fakeChannel {
	c := f.newChannel(sourceID)

	f.mu.Lock()
	delete(f.channels, c.id)
	f.mu.Unlock()

	c.Close()
	f.deliver(c, channelpool.ChannelUp)
	f.deliver(c, channelpool.ChannelDown)

	return c
}

// upExisting delivers ChannelUp for a channel created by Import.
func (f *fakeChannelPool) upExisting(channelID int) *fakeChannel {
	f.mu.Lock()
	c := f.channels[channelID]
	f.mu.Unlock()

	f.deliver(c, channelpool.ChannelUp)

	return c
}

// down closes a channel as if the peer went away and delivers ChannelDown.
func (f *fakeChannelPool) down(c *fakeChannel) {
	f.mu.Lock()
	_, open := f.channels[c.id]
	delete(f.channels, c.id)
	f.mu.Unlock()

	if open {
		c.Close()
		f.deliver(c, channelpool.ChannelDown)
	}
}

func (f *fakeChannelPool) deliver(c *fakeChannel, event channelpool.ChannelEvent) {
	f.mu.Lock()
	ctx := f.contexts[c.id]
	cb := f.channelCb
	f.mu.Unlock()

	cb(c.id, c.sourceID, event, ctx)
}

func (f *fakeChannelPool) poolEvent(event channelpool.PoolEvent, sourceID int, severity channelpool.Severity) {
	f.mu.Lock()
	cb := f.poolCb
	f.mu.Unlock()

	cb(event, sourceID, severity)
}

// flush delivers queued events, including ones queued while flushing.
func (f *fakeChannelPool) flush() {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}

		task := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		task()
	}
}

// fireClocks runs and removes every registered clock.
func (f *fakeChannelPool) fireClocks() {
	f.mu.Lock()
	clocks := f.clocks
	f.clocks = make(map[int]func())
	f.mu.Unlock()

	for _, fn := range clocks {
		fn()
	}
}

func (f *fakeChannelPool) context(channelID int) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[channelID]
}

func (f *fakeChannelPool) wasShutdown(channelID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range f.shutdowns {
		if id == channelID {
			return true
		}
	}

	return false
}

func (f *fakeChannelPool) sourceClosed(sourceID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range f.closedSources {
		if id == sourceID {
			return true
		}
	}

	return false
}

type fakeSession struct {
	ch       channelpool.AsyncChannel
	startErr error

	mu      sync.Mutex
	starts  int
	stops   int
	onStart func()
}

func (s *fakeSession) Start() error {
	s.mu.Lock()
	s.starts++
	hook := s.onStart
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	return s.startErr
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()

	return nil
}

func (s *fakeSession) Channel() channelpool.AsyncChannel {
	return s.ch
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

var (
	errAlloc   = errors.New("allocation failed")
	errStartup = errors.New("startup failed")
)

// fakeFactory allocates fakeSessions synchronously unless async is set, in
// which case completions wait for complete.
type fakeFactory struct {
	mu          sync.Mutex
	async       bool
	allocErr    error
	startErr    error
	pending     []func()
	sessions    []*fakeSession
	deallocated []Session
}

func (f *fakeFactory) Allocate(ch channelpool.AsyncChannel, cb AllocateCallback) {
	f.mu.Lock()
	if f.allocErr != nil {
		err := f.allocErr
		f.mu.Unlock()
		cb(err, nil)

		return
	}

	s := &fakeSession{ch: ch, startErr: f.startErr}
	f.sessions = append(f.sessions, s)
	if f.async {
		f.pending = append(f.pending, func() { cb(nil, s) })
		f.mu.Unlock()

		return
	}
	f.mu.Unlock()

	cb(nil, s)
}

func (f *fakeFactory) Deallocate(s Session) {
	f.mu.Lock()
	f.deallocated = append(f.deallocated, s)
	f.mu.Unlock()
}

func (f *fakeFactory) complete() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (f *fakeFactory) numDeallocated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deallocated)
}

type sessionEvent struct {
	event    Event
	handleID int
	session  Session
	userData any
}

type poolEvent struct {
	event    Event
	sourceID int
	severity channelpool.Severity
}

type eventLog struct {
	mu       sync.Mutex
	sessions []sessionEvent
	pool     []poolEvent
	hook     func(e sessionEvent)
}

func (l *eventLog) onSession(event Event, handleID int, session Session, userData any) {
	e := sessionEvent{event, handleID, session, userData}

	l.mu.Lock()
	l.sessions = append(l.sessions, e)
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(e)
	}
}

func (l *eventLog) onPool(event Event, sourceID int, severity channelpool.Severity) {
	l.mu.Lock()
	l.pool = append(l.pool, poolEvent{event, sourceID, severity})
	l.mu.Unlock()
}

func (l *eventLog) setHook(hook func(e sessionEvent)) {
	l.mu.Lock()
	l.hook = hook
	l.mu.Unlock()
}

func (l *eventLog) events(handleID int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, e := range l.sessions {
		if e.handleID == handleID {
			out = append(out, e.event)
		}
	}

	return out
}

func (l *eventLog) count(event Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.sessions {
		if e.event == event {
			n++
		}
	}

	return n
}

func (l *eventLog) poolEvents() []poolEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]poolEvent(nil), l.pool...)
}

func (l *eventLog) sessionEvents() []sessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sessionEvent(nil), l.sessions...)
}

func newFakePool(t *testing.T, opts ...Option) (*SessionPool, *fakeChannelPool, *eventLog) {
	t.Helper()

	fake := newFakeChannelPool()
	log := &eventLog{}
	opts = append([]Option{WithChannelPoolFactory(fake.factory())}, opts...)

	p, err := New(DefaultConfig(), log.onPool, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		if p.IsRunning() {
			_ = p.Stop()
		}
	})

	return p, fake, log
}
