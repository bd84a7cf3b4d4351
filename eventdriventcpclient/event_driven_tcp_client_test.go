package eventdriventcpclient

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/safemap"
	"github.com/cyberinferno/sessionpool/sessionpool"
	"github.com/cyberinferno/sessionpool/tcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []ConnectionState
	errs   []error
	data   bytes.Buffer
	chunks [][]byte
}

func (r *recorder) attach(c *EventDrivenTCPClient) {
	c.OnConnectionState(func(e ConnectionStateEvent) {
		r.mu.Lock()
		r.states = append(r.states, e.State)
		r.mu.Unlock()
	})
	c.OnError(func(e ErrorEvent) {
		r.mu.Lock()
		r.errs = append(r.errs, e.Error)
		r.mu.Unlock()
	})
	c.OnDataReceived(func(e DataReceivedEvent) {
		r.mu.Lock()
		r.data.Write(e.Data)
		r.chunks = append(r.chunks, e.Data)
		r.mu.Unlock()
	})
}

func (r *recorder) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String()
}

func (r *recorder) packets() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.chunks...)
}

func (r *recorder) sawState(state ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.states {
		if s == state {
			return true
		}
	}

	return false
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTestPool(t *testing.T) *sessionpool.SessionPool {
	t.Helper()

	cfg := sessionpool.DefaultConfig()
	cfg.ChannelPool.ConnectTimeout = time.Second

	pool, err := sessionpool.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Stop() })

	return pool
}

func startEchoServer(t *testing.T, pool *sessionpool.SessionPool) string {
	t.Helper()

	s := &tcpserver.TCPServer{
		Logger:     logger.NewNopLogger(),
		Name:       "echo",
		Addr:       "127.0.0.1:0",
		Pool:       pool,
		Sessions:   safemap.NewSafeMap[int, tcpserver.TCPServerSession](),
		NewSession: tcpserver.NewEchoSession,
	}
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	port, err := s.Port()
	require.NoError(t, err)

	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func packet(payload string) []byte {
	buf := make([]byte, packetHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	copy(buf[packetHeaderSize:], payload)

	return buf
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestDefaultEventDrivenTCPClientConfig(t *testing.T) {
	cfg := DefaultEventDrivenTCPClientConfig("localhost:1")

	assert.Equal(t, "localhost:1", cfg.Address)
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, 1, cfg.ConnectAttempts)
	assert.Equal(t, 16*1024*1024, cfg.MaxPacketSize)
}

func TestEventDrivenTCPClient_Stream(t *testing.T) {
	pool := newTestPool(t)
	addr := startEchoServer(t, pool)

	c := NewEventDrivenTCPClient(pool, DefaultEventDrivenTCPClientConfig(addr))
	r := &recorder{}
	r.attach(c)

	assert.ErrorIs(t, c.Send([]byte("early")), ErrNotConnected)

	require.NoError(t, c.Connect())
	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Connect(), ErrAlreadyConnected)

	require.NoError(t, c.Send([]byte("hello ")))
	require.NoError(t, c.Send([]byte("world")))
	require.Eventually(t, func() bool {
		return r.received() == "hello world"
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("disconnect and connect again", func(t *testing.T) {
		require.NoError(t, c.Disconnect())
		assert.Equal(t, Disconnected, c.GetState())
		assert.NoError(t, c.Disconnect())

		require.NoError(t, c.Connect())
		require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("close is final", func(t *testing.T) {
		require.NoError(t, c.Close())
		assert.NoError(t, c.Close())
		assert.Equal(t, Closed, c.GetState())
		assert.ErrorIs(t, c.Connect(), ErrClosed)
		assert.ErrorIs(t, c.Send([]byte("late")), ErrNotConnected)

		require.Eventually(t, func() bool {
			return r.sawState(Closed)
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestEventDrivenTCPClient_Packets(t *testing.T) {
	pool := newTestPool(t)
	addr := startEchoServer(t, pool)

	cfg := DefaultEventDrivenTCPClientConfig(addr)
	cfg.DataLengthBasedRead = true
	c := NewEventDrivenTCPClient(pool, cfg)
	defer c.Close()

	r := &recorder{}
	r.attach(c)

	require.NoError(t, c.Connect())
	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)

	first, second := packet("first"), packet("second")
	zero := make([]byte, packetHeaderSize)

	stream := append(append(append([]byte{}, first...), zero...), second[:3]...)
	require.NoError(t, c.Send(stream))
	require.NoError(t, c.Send(second[3:]))

	require.Eventually(t, func() bool {
		return len(r.packets()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	packets := r.packets()
	assert.Equal(t, first, packets[0])
	assert.Equal(t, second, packets[1])
}

func TestEventDrivenTCPClient_OversizedPacket(t *testing.T) {
	pool := newTestPool(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, packetHeaderSize)
		binary.LittleEndian.PutUint32(header, 1024)
		_, _ = conn.Write(header)
		_, _ = conn.Read(make([]byte, 1))
	}()

	cfg := DefaultEventDrivenTCPClientConfig(ln.Addr().String())
	cfg.DataLengthBasedRead = true
	cfg.MaxPacketSize = 512
	c := NewEventDrivenTCPClient(pool, cfg)
	defer c.Close()

	r := &recorder{}
	r.attach(c)
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool {
		for _, err := range r.errors() {
			if errors.Is(err, ErrPacketTooLarge) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.GetState() == Disconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventDrivenTCPClient_ConnectFails(t *testing.T) {
	pool := newTestPool(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultEventDrivenTCPClientConfig(addr)
	cfg.ConnectAttempts = 2
	cfg.RetryInterval = 10 * time.Millisecond
	c := NewEventDrivenTCPClient(pool, cfg)
	defer c.Close()

	r := &recorder{}
	r.attach(c)
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool {
		return len(r.errors()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	errs := r.errors()
	var attempt, failed int
	for _, err := range errs {
		switch {
		case errors.Is(err, ErrConnectAttempt):
			attempt++
		case errors.Is(err, ErrConnectFailed):
			failed++
		}
	}

	assert.Equal(t, 1, attempt)
	assert.Equal(t, 1, failed)
	assert.Equal(t, Disconnected, c.GetState())
}

func TestEventDrivenTCPClient_AutoReconnect(t *testing.T) {
	pool := newTestPool(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	cfg := DefaultEventDrivenTCPClientConfig(ln.Addr().String())
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = 20 * time.Millisecond
	c := NewEventDrivenTCPClient(pool, cfg)
	defer c.Close()

	r := &recorder{}
	r.attach(c)
	require.NoError(t, c.Connect())

	var first net.Conn
	select {
	case first = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())

	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return r.sawState(Reconnecting)
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, err := range r.errors() {
			if errors.Is(err, ErrConnectionLost) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
