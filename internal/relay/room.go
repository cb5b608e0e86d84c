package relay

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mahmoud661/Collaborative-editor/internal/awareness"
)

// room is the per-node view of a room: its local members and the presence
// states relayed through it.
type room struct {
	name        string
	aw          *awareness.Awareness
	unsubscribe func()

	compacting atomic.Bool
	logSize    atomic.Int64

	mu          sync.Mutex
	conns       map[string]*conn
	controllers map[uint64]string
}

func newRoom(name string) *room {
	aw := awareness.New(0)
	// The relay holds presence for others and publishes none of its own.
	aw.SetLocalState(nil)
	return &room{
		name:        name,
		aw:          aw,
		conns:       make(map[string]*conn),
		controllers: make(map[uint64]string),
	}
}

func (r *room) add(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// members returns the local connections ordered by id.
func (r *room) members() []*conn {
	r.mu.Lock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// control records that connID speaks for the given awareness clients. The
// latest connection to send a client's state owns it.
func (r *room) control(connID string, clients []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return
	}
	for _, id := range clients {
		r.controllers[id] = connID
	}
}

// remove drops c and withdraws the presence states it owned. It returns the
// removal update to publish, if any.
func (r *room) remove(c *conn) ([]byte, bool) {
	r.mu.Lock()
	delete(r.conns, c.id)
	var owned []uint64
	for id, connID := range r.controllers {
		if connID == c.id {
			owned = append(owned, id)
			delete(r.controllers, id)
		}
	}
	r.mu.Unlock()

	if len(owned) == 0 {
		return nil, false
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	r.aw.RemoveStates(owned, "relay")
	blob, err := r.aw.EncodeUpdate(owned)
	if err != nil {
		return nil, false
	}
	return blob, true
}

// presence encodes every state the room currently holds.
func (r *room) presence() ([]byte, bool) {
	states := r.aw.States()
	if len(states) == 0 {
		return nil, false
	}
	ids := make([]uint64, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	blob, err := r.aw.EncodeUpdate(ids)
	if err != nil {
		return nil, false
	}
	return blob, true
}

// seedLog records the persisted log length the first time it is observed.
func (r *room) seedLog(n int) int {
	r.logSize.CompareAndSwap(0, int64(n))
	return int(r.logSize.Load())
}

func (r *room) appended() int {
	return int(r.logSize.Add(1))
}
