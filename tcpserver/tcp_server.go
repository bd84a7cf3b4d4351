// Package tcpserver runs a TCP server on a session pool. The pool accepts the
// connections; the server creates one TCPServerSession per accepted channel
// and keeps it, keyed by session handle id, while the session is up.
package tcpserver

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/safemap"
	"github.com/cyberinferno/sessionpool/sessionpool"
)

// ErrSessionRejected is reported as a session allocation failure when
// NewSession returns nil.
var ErrSessionRejected = errors.New("tcpserver: session rejected")

// NewSessionFunc creates the session for an accepted channel. Returning nil
// rejects the connection.
type NewSessionFunc func(ch channelpool.AsyncChannel) TCPServerSession

// Pool is the part of *sessionpool.SessionPool the server uses.
type Pool interface {
	Listen(cb sessionpool.SessionStateCallback, addr string, backlog int, reuseAddr bool, factory sessionpool.SessionFactory, userData any) (int, error)
	CloseHandle(id int) error
	PortNumber(id int) (int, error)
}

var _ Pool = (*sessionpool.SessionPool)(nil)

// TCPServer listens on Addr through Pool and delegates each accepted
// connection to a session created by NewSession. Sessions are stored by handle
// id and can be looked up, added, or removed.
type TCPServer struct {
	Logger     logger.Logger
	Name       string
	Addr       string
	Backlog    int
	Pool       Pool
	Sessions   *safemap.SafeMap[int, TCPServerSession]
	Running    atomic.Bool
	NewSession NewSessionFunc

	listenerID atomic.Int64
}

// Start starts listening on Addr. It is safe to call only when the server is
// not already running.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	id, err := s.Pool.Listen(s.onSessionState, s.Addr, s.Backlog, true, s, nil)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listenerID.Store(int64(id))
	s.Running.Store(true)

	port, _ := s.Pool.PortNumber(id)
	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: s.Addr},
		logger.Field{Key: "port", Value: port})

	return nil
}

// Stop closes the listener and every active session. Sessions are removed as
// their SessionDown arrives. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.Swap(false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	if err := s.Pool.CloseHandle(int(s.listenerID.Load())); err != nil && !errors.Is(err, sessionpool.ErrUnknownHandle) {
		s.Logger.Warn("failed to close listener", logger.Field{Key: "error", Value: err})
	}

	s.Sessions.Range(func(id int, _ TCPServerSession) bool {
		_ = s.Pool.CloseHandle(id)
		return true
	})

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// Port returns the bound port, which differs from the one in Addr when that
// is 0.
func (s *TCPServer) Port() (int, error) {
	return s.Pool.PortNumber(int(s.listenerID.Load()))
}

// AddSession stores a session under the given handle id. It is safe for
// concurrent use.
func (s *TCPServer) AddSession(id int, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession removes the session with the given handle id. It is safe for
// concurrent use.
func (s *TCPServer) RemoveSession(id int) {
	s.Sessions.Delete(id)
}

// GetSession returns the session for the given handle id, if present.
//
// Returns:
//   - The session and true if found, or nil and false otherwise
func (s *TCPServer) GetSession(id int) (TCPServerSession, bool) {
	return s.Sessions.Load(id)
}

// Allocate implements sessionpool.SessionFactory.
func (s *TCPServer) Allocate(ch channelpool.AsyncChannel, cb sessionpool.AllocateCallback) {
	session := s.NewSession(ch)
	if session == nil {
		cb(ErrSessionRejected, nil)
		return
	}

	cb(nil, &pooledSession{ch: ch, session: session})
}

// Deallocate implements sessionpool.SessionFactory.
func (s *TCPServer) Deallocate(sessionpool.Session) {}

func (s *TCPServer) onSessionState(event sessionpool.Event, id int, session sessionpool.Session, _ any) {
	switch event {
	case sessionpool.SessionUp:
		if ps, ok := session.(*pooledSession); ok {
			s.AddSession(id, ps.session)
		}

		s.Logger.Debug(fmt.Sprintf("%s session up", s.Name),
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "peer", Value: session.Channel().PeerAddr().String()})

	case sessionpool.SessionDown:
		s.RemoveSession(id)
		s.Logger.Debug(fmt.Sprintf("%s session down", s.Name), logger.Field{Key: "session", Value: id})

	case sessionpool.AcceptFailed, sessionpool.SessionAllocFailed, sessionpool.SessionStartupFailed:
		s.Logger.Warn(fmt.Sprintf("%s server %s", s.Name, event), logger.Field{Key: "handle", Value: id})
	}
}

// pooledSession adapts a TCPServerSession to sessionpool.Session.
type pooledSession struct {
	ch      channelpool.AsyncChannel
	session TCPServerSession
}

func (p *pooledSession) Start() error {
	return p.ch.Read(1, func(err error, data []byte, _ int) (int, int) {
		if err != nil {
			return 0, 0
		}

		return p.session.Handle(data), 1
	})
}

func (p *pooledSession) Stop() error {
	p.ch.CancelRead()
	return nil
}

func (p *pooledSession) Channel() channelpool.AsyncChannel {
	return p.ch
}
