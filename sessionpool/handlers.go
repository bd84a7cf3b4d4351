package sessionpool

import (
	"fmt"
	"sync/atomic"

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/logger"
)

// onChannelState receives channel events. The channel context, when set,
// is the id of the session handle; otherwise the source id is the handle.
func (p *SessionPool) onChannelState(channelID, sourceID int, event channelpool.ChannelEvent, channelCtx any) {
	handleID := sourceID
	if id, ok := channelCtx.(int); ok {
		handleID = id
	}

	h, ok := p.table.find(handleID)
	if !ok {
		if event != channelpool.ChannelDown {
			p.log.Debug("event for unknown handle",
				logger.Field{Key: "handle", Value: handleID},
				logger.Field{Key: "channel", Value: channelID},
				logger.Field{Key: "event", Value: event.String()})
			p.shutdownChannel(p.channelPool(), channelID)
		}

		return
	}
	defer h.release()

	switch event {
	case channelpool.ChannelUp:
		p.onChannelUp(h, channelID)
	case channelpool.ChannelDown:
		p.onChannelDown(h, channelID)
	case channelpool.WriteCacheHiWat:
		p.notifySession(h, WriteCacheHiWat)
	case channelpool.WriteCacheLowWat:
		p.notifySession(h, WriteCacheLowWat)
	case channelpool.ReadTimeout:
		p.log.Debug("read timeout", logger.Field{Key: "handle", Value: handleID})
	}
}

func (p *SessionPool) onChannelUp(h *handle, channelID int) {
	h.mu.Lock()
	switch h.typ {
	case Listener:
		h.mu.Unlock()
		p.accept(h, channelID)

		return

	case ConnectSession, ImportedSession:
		if h.channelID != 0 && h.channelID != channelID {
			h.mu.Unlock()
			p.shutdownChannel(h.channels, channelID)

			return
		}

	default:
		// aborted or superseded: the channel has no owner. A real abort
		// detaches the handle first, so its ChannelUp normally takes the
		// unknown-handle path in onChannelState; this only catches an abort
		// that lands after the table lookup.
		typ := h.typ
		h.mu.Unlock()
		p.log.Debug("closing channel of inactive handle",
			logger.Field{Key: "handle", Value: h.key},
			logger.Field{Key: "type", Value: typ.String()})
		p.shutdownChannel(h.channels, channelID)

		return
	}

	ch, ok := h.channels.Channel(channelID)
	if !ok {
		// already closed: own the channel id so its ChannelDown reclaims
		// the handle silently
		h.typ = RegularSession
		h.channelID = channelID
		h.mu.Unlock()

		return
	}

	h.typ = RegularSession
	h.channelID = channelID
	h.channel = ch
	h.mu.Unlock()

	p.allocate(h, ch)
}

// accept creates the session handle for a channel accepted by listener and
// points the channel at it before the factory can run.
func (p *SessionPool) accept(listener *handle, channelID int) {
	ch, ok := listener.channels.Channel(channelID)
	if !ok {
		return
	}

	h := newHandle(p, RegularSession, listener.callback, listener.factory, listener.userData)
	h.channelID = channelID
	h.channel = ch
	id := p.table.add(h)

	if err := h.channels.SetChannelContext(channelID, id); err != nil {
		// the channel went down first; nobody saw this handle
		h.claimID()
		p.table.detach(h)

		return
	}

	p.allocate(h, ch)
}

// allocate asks the factory for a session. The handle keeps an extra
// reference until the allocation callback has finished.
func (p *SessionPool) allocate(h *handle, ch channelpool.AsyncChannel) {
	h.acquire()

	var done atomic.Bool
	cb := func(err error, session Session) {
		if !done.CompareAndSwap(false, true) {
			p.log.Warn("allocation callback invoked twice", logger.Field{Key: "handle", Value: h.key})
			return
		}
		defer h.release()

		p.onAllocated(h, err, session)
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("session factory panicked",
				logger.Field{Key: "handle", Value: h.key},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			cb(fmt.Errorf("session factory panicked: %v", r), nil)
		}
	}()

	h.factory.Allocate(ch, cb)
}

func (p *SessionPool) onAllocated(h *handle, err error, session Session) {
	if err != nil || session == nil {
		p.log.Warn("session allocation failed",
			logger.Field{Key: "handle", Value: h.key},
			logger.Field{Key: "error", Value: err})
		p.failSession(h, SessionAllocFailed)

		return
	}

	h.mu.Lock()
	h.session = session
	h.mu.Unlock()

	if err := p.startSession(session); err != nil {
		p.log.Warn("session startup failed",
			logger.Field{Key: "handle", Value: h.key},
			logger.Field{Key: "error", Value: err})

		h.mu.Lock()
		h.session = nil
		h.mu.Unlock()

		p.deallocate(h.factory, session)
		p.failSession(h, SessionStartupFailed)

		return
	}

	p.numSessions.Add(1)
	p.metrics.Sessions.Inc()

	if id := h.notifyID(); id != 0 {
		p.notify(h, SessionUp, id, session)
	}

	// from here on ChannelDown reports SessionDown itself
	h.mu.Lock()
	h.upNotified = true
	h.mu.Unlock()
}

// failSession reports an allocation or startup failure and closes the
// channel; the resulting ChannelDown removes the handle.
func (p *SessionPool) failSession(h *handle, event Event) {
	h.mu.Lock()
	channelID := h.channelID
	h.mu.Unlock()

	if id := h.notifyID(); id != 0 {
		p.notify(h, event, id, nil)
	}

	p.shutdownChannel(h.channels, channelID)
}

// onChannelDown stops the session if its SessionUp was delivered and
// removes the handle from the table. Otherwise the deleter reports the
// terminal event once the last reference is gone.
func (p *SessionPool) onChannelDown(h *handle, channelID int) {
	h.mu.Lock()
	if h.typ == Listener || (h.channelID != 0 && h.channelID != channelID) {
		h.mu.Unlock()
		return
	}

	var session Session
	id := 0
	if h.session != nil && h.upNotified {
		session = h.session
		id = h.id
		h.id = 0
	}
	h.mu.Unlock()

	if id != 0 {
		p.stopSession(session)
		p.notify(h, SessionDown, id, session)
	}

	p.table.detach(h)
}

func (p *SessionPool) notifySession(h *handle, event Event) {
	h.mu.Lock()
	id, session := h.id, h.session
	h.mu.Unlock()

	if id != 0 {
		p.notify(h, event, id, session)
	}
}

// onPoolState receives pool events. The source id is the handle id of the
// connect or listener.
func (p *SessionPool) onPoolState(event channelpool.PoolEvent, sourceID int, severity channelpool.Severity) {
	if event == channelpool.ChannelLimit {
		p.notifyPool(ChannelLimit, sourceID, severity)
		return
	}

	h, ok := p.table.find(sourceID)
	if !ok {
		p.log.Debug("pool event for unknown handle",
			logger.Field{Key: "handle", Value: sourceID},
			logger.Field{Key: "event", Value: event.String()})

		return
	}
	defer h.release()

	switch event {
	case channelpool.ErrorConnecting:
		p.onConnectError(h, severity)
	case channelpool.ErrorAccepting:
		h.mu.Lock()
		id, typ := h.id, h.typ
		h.mu.Unlock()

		if typ == Listener && id != 0 {
			p.notify(h, AcceptFailed, id, nil)
			p.notifyPool(AcceptFailed, id, severity)
		}
	}
}

func (p *SessionPool) onConnectError(h *handle, severity channelpool.Severity) {
	h.mu.Lock()
	if h.typ != ConnectSession {
		h.mu.Unlock()
		return
	}

	h.attemptsRemaining--
	if h.attemptsRemaining > 0 {
		id := h.id
		h.mu.Unlock()

		if id != 0 {
			p.notify(h, ConnectAttemptFailed, id, nil)
		}

		return
	}

	h.typ = InvalidSession
	id := h.id
	h.id = 0
	h.mu.Unlock()

	if id != 0 {
		p.notify(h, ConnectFailed, id, nil)
		p.notifyPool(ConnectFailed, id, severity)
	}

	p.table.detach(h)
}

func (p *SessionPool) shutdownChannel(channels ChannelPool, channelID int) {
	if channelID == 0 || channels == nil {
		return
	}

	_ = channels.Shutdown(channelID, channelpool.Immediate)
}

func (p *SessionPool) startSession(session Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session start panicked: %v", r)
		}
	}()

	return session.Start()
}

func (p *SessionPool) stopSession(session Session) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("session stop panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	if err := session.Stop(); err != nil {
		p.log.Warn("failed to stop session", logger.Field{Key: "error", Value: err})
	}
}

func (p *SessionPool) deallocate(factory SessionFactory, session Session) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("session deallocation panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	factory.Deallocate(session)
}
