package tcpserver

import (
	"bytes"

	"github.com/cyberinferno/sessionpool/channelpool"
)

// TCPServerSession is the interface that must be implemented by each connection
// session. The server creates a session per accepted channel and feeds it the
// channel's input through Handle; the session sends replies with Send until it
// is closed.
type TCPServerSession interface {
	// Handle processes buffered input. It runs on the channel's multiplexer
	// and must not block.
	//
	// Parameters:
	//   - data: Input not consumed yet; only valid during the call
	//
	// Returns:
	//   - How many bytes of data were consumed; the rest is presented again
	//     with the next input
	Handle(data []byte) int

	// Close closes the session's channel. The server drops the session once
	// the pool reports it down. It should be safe to call multiple times.
	//
	// Returns:
	//   - An error if closing failed
	Close() error

	// Send queues data on the channel's write cache.
	//
	// Parameters:
	//   - data: The bytes to send; copied before Send returns
	//
	// Returns:
	//   - channelpool.ErrWriteCacheFull or channelpool.ErrChannelClosed if the
	//     data was not queued
	Send(data []byte) error
}

// BaseSession implements Send and Close over a channel. Embed it and add
// Handle to get a TCPServerSession.
type BaseSession struct {
	Channel channelpool.AsyncChannel
}

// Send implements TCPServerSession.
func (s *BaseSession) Send(data []byte) error {
	return s.Channel.Write(data)
}

// Close implements TCPServerSession.
func (s *BaseSession) Close() error {
	s.Channel.Close()
	return nil
}

// EchoSession writes every byte it receives back to the peer.
type EchoSession struct {
	BaseSession
}

// NewEchoSession is a NewSessionFunc creating EchoSessions.
func NewEchoSession(ch channelpool.AsyncChannel) TCPServerSession {
	return &EchoSession{BaseSession{Channel: ch}}
}

// Handle implements TCPServerSession. Input is only consumed once it was
// queued, so a full write cache leaves it buffered for the next attempt.
func (s *EchoSession) Handle(data []byte) int {
	if err := s.Send(bytes.Clone(data)); err != nil {
		return 0
	}

	return len(data)
}
