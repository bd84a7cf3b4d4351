package sessionpool

import (
	"github.com/cyberinferno/sessionpool/idgenerator"
	"github.com/cyberinferno/sessionpool/safemap"
)

// handleTable maps handle ids to handles. The table owns one reference to
// every handle it holds.
type handleTable struct {
	ids     *idgenerator.IdGenerator
	handles *safemap.SafeMap[int, *handle]
}

func newHandleTable() *handleTable {
	return &handleTable{
		ids:     idgenerator.NewIdGenerator(0),
		handles: safemap.NewSafeMap[int, *handle](),
	}
}

// add assigns h a fresh non-zero id and stores it, taking over the caller's
// reference. The id is set before h becomes visible to find.
func (t *handleTable) add(h *handle) int {
	for {
		id := t.ids.IntId()
		h.mu.Lock()
		h.key = id
		h.id = id
		h.mu.Unlock()

		if _, loaded := t.handles.LoadOrStore(id, h); !loaded {
			return id
		}
	}
}

// find returns h with a new reference the caller must release. A handle
// whose last reference is already gone is never returned.
func (t *handleTable) find(id int) (*handle, bool) {
	h, ok := t.handles.Load(id)
	if !ok || !h.tryAcquire() {
		return nil, false
	}

	return h, true
}

// remove detaches the handle stored under id and returns the table's
// reference to the caller.
func (t *handleTable) remove(id int) (*handle, bool) {
	return t.handles.LoadAndDelete(id)
}

// detach removes h if it is still the handle stored under its id and, if
// so, releases the table's reference.
func (t *handleTable) detach(h *handle) bool {
	if !t.handles.CompareAndDelete(h.key, h) {
		return false
	}

	h.release()

	return true
}

// drain empties the table and returns the detached handles; the caller owns
// their table references.
func (t *handleTable) drain() []*handle {
	return t.handles.Drain()
}

func (t *handleTable) values() []*handle {
	return t.handles.Values()
}

func (t *handleTable) len() int {
	return t.handles.Len()
}
