// Package eventdriventcpclient provides an event-driven TCP client on top of a
// session pool. It notifies callers of connection state changes, received
// data, and errors via registered handlers, and supports optional
// auto-reconnect and length-prefixed framing.
package eventdriventcpclient

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/resolver"
	"github.com/cyberinferno/sessionpool/sessionpool"
)

var (
	ErrClosed             = errors.New("client is closed")
	ErrAlreadyConnected   = errors.New("already connected or connecting")
	ErrNotConnected       = errors.New("not connected")
	ErrConnectAttempt     = errors.New("connect attempt failed")
	ErrConnectFailed      = errors.New("connect failed")
	ErrConnectionLost     = errors.New("connection lost")
	ErrPacketTooLarge     = errors.New("packet too large")
	ErrInvalidPacketSize  = errors.New("invalid packet size")
	ErrSessionUnavailable = errors.New("session could not be started")
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Disconnected and waiting to reconnect (when AutoReconnect is enabled)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // non-nil if the change was caused by an error
}

// DataReceivedEvent is emitted when data is read from the connection.
type DataReceivedEvent struct {
	Data      []byte // owned by the handler
	Length    int
	Timestamp time.Time
}

// ErrorEvent is emitted when a write or connection error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// DataReceivedHandler is called, in order, on the connection's multiplexer.
// It must not block.
type DataReceivedHandler func(event DataReceivedEvent)

// ErrorHandler is called when a write or connection error occurs.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the event-driven TCP client.
type Config struct {
	// Address is the "host:port" to connect to (e.g. "localhost:8080").
	Address string
	// AutoReconnect enables automatic reconnection when the connection is lost
	// or a connect gives up.
	AutoReconnect bool
	// ReconnectInterval is the delay before reconnecting when AutoReconnect is true.
	ReconnectInterval time.Duration
	// ConnectAttempts is the number of attempts one connect makes.
	ConnectAttempts int
	// RetryInterval is the delay between the attempts of one connect.
	RetryInterval time.Duration
	// ResolutionMode selects when Address is resolved.
	ResolutionMode resolver.Mode
	// DataLengthBasedRead, when true, splits input into packets. Each packet
	// starts with a 4-byte little-endian length that counts the whole packet,
	// header included; the header is delivered with the packet. A zero length
	// header is skipped.
	DataLengthBasedRead bool
	// MaxPacketSize bounds the packet length when DataLengthBasedRead is set.
	MaxPacketSize int
}

const packetHeaderSize = 4

// DefaultEventDrivenTCPClientConfig returns a Config with default values for the given address.
// AutoReconnect is false; override fields as needed before passing to NewEventDrivenTCPClient.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, ConnectAttempts 1,
//     RetryInterval 1s, MaxPacketSize 16MiB, DataLengthBasedRead false.
func DefaultEventDrivenTCPClientConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: 5 * time.Second,
		ConnectAttempts:   1,
		RetryInterval:     time.Second,
		ResolutionMode:    resolver.ResolveOnce,
		MaxPacketSize:     16 * 1024 * 1024,
	}
}

// Pool is the part of *sessionpool.SessionPool the client uses.
type Pool interface {
	Connect(cb sessionpool.SessionStateCallback, addr string, numAttempts int, interval time.Duration, factory sessionpool.SessionFactory, userData any, opts ...sessionpool.ConnectOption) (int, error)
	CloseHandle(id int) error
}

var _ Pool = (*sessionpool.SessionPool)(nil)

// EventDrivenTCPClient is a TCP client that drives its connection lifecycle
// through a session pool. Register handlers with OnConnectionState,
// OnDataReceived, and OnError, then call Connect to start. It is safe for
// concurrent use.
type EventDrivenTCPClient struct {
	config Config
	pool   Pool

	onConnectionState ConnectionStateHandler
	onDataReceived    DataReceivedHandler
	onError           ErrorHandler

	mu             sync.RWMutex
	state          ConnectionState
	handleID       int
	channel        channelpool.AsyncChannel
	closed         bool
	reconnectTimer *time.Timer
}

// NewEventDrivenTCPClient creates a new event-driven TCP client with the given config.
// The client starts in Disconnected state; call Connect to establish a connection.
//
// Parameters:
//   - pool: A started session pool that owns the connection
//   - config: Connection and behavior settings (e.g. from DefaultEventDrivenTCPClientConfig)
//
// Returns:
//   - A new *EventDrivenTCPClient ready to use; call Close when done to release resources.
func NewEventDrivenTCPClient(pool Pool, config Config) *EventDrivenTCPClient {
	if config.ConnectAttempts < 1 {
		config.ConnectAttempts = 1
	}

	return &EventDrivenTCPClient{
		config: config,
		pool:   pool,
		state:  Disconnected,
	}
}

// OnConnectionState registers the handler for connection state changes.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnDataReceived registers the handler for incoming data.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnDataReceived(handler DataReceivedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataReceived = handler
}

// OnError registers the handler for write and connection errors.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect starts connecting to the configured address. Success or failure
// is reported through the connection state handler.
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, or the error of the session pool
func (c *EventDrivenTCPClient) Connect() error {
	c.mu.RLock()
	closed, state := c.closed, c.state
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if state == Connected || state == Connecting {
		return ErrAlreadyConnected
	}

	c.cancelReconnect()

	return c.connect()
}

// Disconnect closes the current connection, or cancels a pending connect or
// reconnect, and moves to Disconnected state. Connect may be called again.
// Safe to call when already disconnected or closed.
//
// Returns:
//   - nil, or the error of the session pool
func (c *EventDrivenTCPClient) Disconnect() error {
	c.mu.Lock()
	if c.state == Disconnected || c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	id := c.detachLocked()
	c.state = Disconnected
	c.mu.Unlock()

	c.emitConnectionState(Disconnected, nil)

	return c.closeHandle(id)
}

// Close shuts down the client and its connection. After Close, the client is
// in Closed state and must not be used further. Idempotent.
//
// Returns:
//   - nil, or the error of the session pool
func (c *EventDrivenTCPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	id := c.detachLocked()
	c.state = Closed
	c.mu.Unlock()

	c.emitConnectionState(Closed, nil)

	return c.closeHandle(id)
}

// Send queues data on the connection's write cache.
//
// Parameters:
//   - data: Bytes to send; copied before Send returns
//
// Returns:
//   - nil on success; ErrNotConnected, or the channel's write error
func (c *EventDrivenTCPClient) Send(data []byte) error {
	c.mu.RLock()
	ch := c.channel
	state := c.state
	c.mu.RUnlock()

	if state != Connected || ch == nil {
		return ErrNotConnected
	}

	if err := ch.Write(data); err != nil {
		c.emitError(err)
		return err
	}

	return nil
}

// GetState returns the current connection state.
func (c *EventDrivenTCPClient) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *EventDrivenTCPClient) IsConnected() bool {
	return c.GetState() == Connected
}

// Allocate implements sessionpool.SessionFactory.
func (c *EventDrivenTCPClient) Allocate(ch channelpool.AsyncChannel, cb sessionpool.AllocateCallback) {
	cb(nil, &clientSession{client: c, ch: ch})
}

// Deallocate implements sessionpool.SessionFactory.
func (c *EventDrivenTCPClient) Deallocate(sessionpool.Session) {}

func (c *EventDrivenTCPClient) connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.state = Connecting
	// held across Connect so the handle id is recorded before its first event
	id, err := c.pool.Connect(c.onSessionState, c.config.Address, c.config.ConnectAttempts,
		c.config.RetryInterval, c, nil, sessionpool.WithResolutionMode(c.config.ResolutionMode))
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()

		c.emitConnectionState(Disconnected, err)
		c.emitError(err)

		return err
	}

	c.handleID = id
	c.mu.Unlock()

	c.emitConnectionState(Connecting, nil)

	return nil
}

func (c *EventDrivenTCPClient) onSessionState(event sessionpool.Event, id int, session sessionpool.Session, _ any) {
	c.mu.Lock()
	if c.closed || id == 0 || id != c.handleID {
		c.mu.Unlock()
		return
	}

	switch event {
	case sessionpool.SessionUp:
		c.channel = session.Channel()
		c.state = Connected
		c.mu.Unlock()

		c.emitConnectionState(Connected, nil)

	case sessionpool.ConnectAttemptFailed:
		c.mu.Unlock()
		c.emitError(fmt.Errorf("%w: %s", ErrConnectAttempt, c.config.Address))

	case sessionpool.ConnectFailed, sessionpool.SessionDown, sessionpool.SessionAllocFailed, sessionpool.SessionStartupFailed:
		c.handleID = 0
		c.channel = nil
		c.state = Disconnected
		c.mu.Unlock()

		err := ErrConnectionLost
		switch event {
		case sessionpool.ConnectFailed:
			err = fmt.Errorf("%w: %s", ErrConnectFailed, c.config.Address)
		case sessionpool.SessionAllocFailed, sessionpool.SessionStartupFailed:
			err = ErrSessionUnavailable
		}

		c.emitConnectionState(Disconnected, err)
		c.emitError(err)
		c.triggerReconnect()

	default:
		c.mu.Unlock()
	}
}

// detachLocked forgets the current handle and pending reconnect and returns
// the handle id to close.
func (c *EventDrivenTCPClient) detachLocked() int {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	id := c.handleID
	c.handleID = 0
	c.channel = nil

	return id
}

func (c *EventDrivenTCPClient) closeHandle(id int) error {
	if id == 0 {
		return nil
	}

	if err := c.pool.CloseHandle(id); err != nil && !errors.Is(err, sessionpool.ErrUnknownHandle) {
		return err
	}

	return nil
}

func (c *EventDrivenTCPClient) triggerReconnect() {
	if !c.config.AutoReconnect {
		return
	}

	c.mu.Lock()
	if c.closed || c.reconnectTimer != nil || c.state != Disconnected {
		c.mu.Unlock()
		return
	}

	c.state = Reconnecting
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectInterval, c.reconnect)
	c.mu.Unlock()

	c.emitConnectionState(Reconnecting, nil)
}

func (c *EventDrivenTCPClient) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closed || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.connect(); err != nil {
		c.triggerReconnect()
	}
}

func (c *EventDrivenTCPClient) cancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// onData delivers buffered input and returns how much of it was consumed and
// how many bytes the next packet needs.
func (c *EventDrivenTCPClient) onData(ch channelpool.AsyncChannel, data []byte) (int, int) {
	if !c.config.DataLengthBasedRead {
		c.emitDataReceived(bytes.Clone(data))
		return len(data), 1
	}

	consumed := 0
	for len(data)-consumed >= packetHeaderSize {
		size := int(binary.LittleEndian.Uint32(data[consumed:]))
		if size == 0 {
			consumed += packetHeaderSize
			continue
		}

		if size < packetHeaderSize || size > c.config.MaxPacketSize {
			err := ErrPacketTooLarge
			if size < packetHeaderSize {
				err = ErrInvalidPacketSize
			}

			c.emitError(fmt.Errorf("%w: %d bytes", err, size))
			ch.Close()

			return consumed, 0
		}

		if len(data)-consumed < size {
			return consumed, size
		}

		c.emitDataReceived(bytes.Clone(data[consumed : consumed+size]))
		consumed += size
	}

	return consumed, packetHeaderSize
}

func (c *EventDrivenTCPClient) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		event := ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		}

		go handler(event)
	}
}

func (c *EventDrivenTCPClient) emitDataReceived(data []byte) {
	c.mu.RLock()
	handler := c.onDataReceived
	c.mu.RUnlock()

	if handler != nil {
		handler(DataReceivedEvent{
			Data:      data,
			Length:    len(data),
			Timestamp: time.Now(),
		})
	}
}

func (c *EventDrivenTCPClient) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		event := ErrorEvent{
			Error:     err,
			Timestamp: time.Now(),
		}

		go handler(event)
	}
}

// clientSession reads the client's connection.
type clientSession struct {
	client *EventDrivenTCPClient
	ch     channelpool.AsyncChannel
}

func (s *clientSession) Start() error {
	needed := 1
	if s.client.config.DataLengthBasedRead {
		needed = packetHeaderSize
	}

	return s.ch.Read(needed, func(err error, data []byte, _ int) (int, int) {
		if err != nil {
			return 0, 0
		}

		return s.client.onData(s.ch, data)
	})
}

func (s *clientSession) Stop() error {
	s.ch.CancelRead()
	return nil
}

func (s *clientSession) Channel() channelpool.AsyncChannel {
	return s.ch
}
