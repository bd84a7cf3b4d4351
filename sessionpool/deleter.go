package sessionpool

import (
	"errors"

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/logger"
)

// deleteHandle runs once, when the last reference to h is released. It
// reports the terminal event if nobody claimed it yet, then closes the
// channel and deallocates the session.
func (p *SessionPool) deleteHandle(h *handle) {
	h.mu.Lock()
	id := h.id
	h.id = 0
	typ := h.typ
	session := h.session
	ch := h.channel
	h.session = nil
	h.channel = nil
	h.mu.Unlock()

	if id != 0 {
		switch {
		case typ == Listener:
			if err := h.channels.Close(h.key); err != nil && !errors.Is(err, channelpool.ErrUnknownSource) {
				p.log.Warn("failed to close listener",
					logger.Field{Key: "handle", Value: id},
					logger.Field{Key: "error", Value: err})
			}

		case session != nil:
			p.stopSession(session)
			p.notify(h, SessionDown, id, session)

		case typ == ConnectSession || typ == AbortedConnectSession:
			if typ == ConnectSession {
				_ = h.channels.Close(h.key)
			}

			p.notify(h, ConnectAborted, id, nil)
			p.notifyPool(ConnectAborted, id, channelpool.Alert)
		}
	}

	if ch != nil {
		ch.CancelRead()
		ch.Close()
	}

	if session != nil {
		p.numSessions.Add(-1)
		p.metrics.Sessions.Dec()
		p.deallocate(h.factory, session)
	}

	p.metrics.Handles.Dec()
}
