// Package awareness tracks ephemeral per-client presence state (display name,
// color, cursor) and exchanges it as small update blobs. Entries carry a
// per-client clock; a state that is not refreshed within OutdatedTimeout is
// considered gone.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// OutdatedTimeout is how long a remote state survives without a refresh.
const OutdatedTimeout = 30 * time.Second

// ErrMalformedUpdate is returned when an awareness blob cannot be decoded.
var ErrMalformedUpdate = errors.New("awareness: malformed update")

// State is one client's presence record.
type State map[string]any

// Change lists the client ids touched by one operation.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Clients returns added, updated and removed ids in one slice.
func (c Change) Clients() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Handler receives awareness events together with the origin of the change.
type Handler func(change Change, origin any)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type subscriber struct {
	id int
	fn Handler
}

// Awareness holds the presence states of every known client.
type Awareness struct {
	emitMu sync.Mutex
	mu     sync.Mutex

	clientID uint64
	states   map[uint64]State
	meta     map[uint64]meta
	now      func() time.Time

	nextSubID int
	onChange  []subscriber
	onUpdate  []subscriber
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		a.now = now
	}
}

// New creates an awareness object for clientID with an empty local state.
func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID: clientID,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]meta),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetLocalState(State{})
	return a
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange subscribes to events where a state was added, removed, or
// replaced by a different value.
func (a *Awareness) OnChange(fn Handler) func() {
	return a.subscribe(&a.onChange, fn)
}

// OnUpdate subscribes to every touched entry, including plain renewals.
func (a *Awareness) OnUpdate(fn Handler) func() {
	return a.subscribe(&a.onUpdate, fn)
}

func (a *Awareness) subscribe(list *[]subscriber, fn Handler) func() {
	a.mu.Lock()
	a.nextSubID++
	id := a.nextSubID
	*list = append(*list, subscriber{id: id, fn: fn})
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, sub := range *list {
			if sub.id == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

// LocalState returns a copy of the local state, or nil once withdrawn.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneState(a.states[a.clientID])
}

// States returns a snapshot of every live state.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, state := range a.states {
		out[id] = cloneState(state)
	}
	return out
}

// SetLocalState replaces the local state; nil withdraws it.
func (a *Awareness) SetLocalState(state State) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	change, filtered := a.setLocalLocked(cloneState(state))
	a.mu.Unlock()

	a.emit(change, filtered, nil)
}

func (a *Awareness) setLocalLocked(state State) (Change, bool) {
	id := a.clientID
	current, hasMeta := a.meta[id]
	clock := uint64(0)
	if hasMeta {
		clock = current.clock + 1
	}
	prev, hadState := a.states[id]
	if state == nil {
		delete(a.states, id)
	} else {
		a.states[id] = state
	}
	a.meta[id] = meta{clock: clock, lastUpdated: a.now()}

	var change Change
	filtered := false
	switch {
	case state == nil:
		if hadState {
			change.Removed = []uint64{id}
			filtered = true
		}
	case !hadState:
		change.Added = []uint64{id}
		filtered = true
	default:
		change.Updated = []uint64{id}
		filtered = !reflect.DeepEqual(prev, state)
	}
	return change, filtered
}

// SetLocalStateField sets one field of the local state. It does nothing once
// the local state has been withdrawn.
func (a *Awareness) SetLocalStateField(field string, value any) {
	state := a.LocalState()
	if state == nil {
		return
	}
	state[field] = normalize(value)
	a.SetLocalState(state)
}

// RemoveStates drops the given clients. Removing the local client bumps its
// clock so peers accept the removal.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	var change Change
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			current := a.meta[id]
			a.meta[id] = meta{clock: current.clock + 1, lastUpdated: a.now()}
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()

	a.emit(change, true, origin)
}

// ForgetRemote drops every remote client together with its clock, so the
// next entry from each is accepted whatever its clock.
func (a *Awareness) ForgetRemote(origin any) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	var change Change
	for id := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, live := a.states[id]; live {
			change.Removed = append(change.Removed, id)
		}
		delete(a.states, id)
		delete(a.meta, id)
	}
	a.mu.Unlock()

	sort.Slice(change.Removed, func(i, j int) bool { return change.Removed[i] < change.Removed[j] })
	a.emit(change, true, origin)
}

// CheckOutdated renews the local state once half the timeout has passed and
// drops remote states that were not refreshed within OutdatedTimeout.
func (a *Awareness) CheckOutdated() {
	now := a.now()
	a.mu.Lock()
	local, hasLocal := a.states[a.clientID]
	renew := hasLocal && now.Sub(a.meta[a.clientID].lastUpdated) >= OutdatedTimeout/2
	var stale []uint64
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, live := a.states[id]; live && now.Sub(m.lastUpdated) >= OutdatedTimeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.SetLocalState(local)
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		a.RemoveStates(stale, "timeout")
	}
}

// Destroy withdraws the local state and drops all subscribers.
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)
	a.mu.Lock()
	a.onChange = nil
	a.onUpdate = nil
	a.mu.Unlock()
}

type wireEntry struct {
	ClientID uint64          `json:"id"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

type wireUpdate struct {
	Clients []wireEntry `json:"clients"`
}

// EncodeUpdate serialises the current entries of the given clients. Clients
// without a live state are encoded as removals.
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	update := wireUpdate{Clients: make([]wireEntry, 0, len(clients))}
	for _, id := range clients {
		entry := wireEntry{ClientID: id, Clock: a.meta[id].clock, State: json.RawMessage("null")}
		if state, ok := a.states[id]; ok {
			raw, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("encode awareness state %d: %w", id, err)
			}
			entry.State = raw
		}
		update.Clients = append(update.Clients, entry)
	}
	return json.Marshal(update)
}

// ClientsIn returns the client ids an update blob speaks for.
func ClientsIn(blob []byte) ([]uint64, error) {
	update, err := decode(blob)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(update.Clients))
	for _, entry := range update.Clients {
		ids = append(ids, entry.ClientID)
	}
	return ids, nil
}

func decode(blob []byte) (wireUpdate, error) {
	var update wireUpdate
	if err := json.Unmarshal(blob, &update); err != nil {
		return wireUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return update, nil
}

// ApplyUpdate merges a peer's blob. An entry wins when its clock is newer, or
// equal with a removal for a client we still hold. A peer removing our own
// state makes us renew it instead; the renewal is reported as a local update.
func (a *Awareness) ApplyUpdate(blob []byte, origin any) error {
	update, err := decode(blob)
	if err != nil {
		return err
	}

	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	now := a.now()
	var change, filteredChange Change
	renewed := false
	for _, entry := range update.Clients {
		var state State
		if len(entry.State) > 0 && string(entry.State) != "null" {
			if err := json.Unmarshal(entry.State, &state); err != nil {
				a.mu.Unlock()
				return fmt.Errorf("%w: state for %d: %v", ErrMalformedUpdate, entry.ClientID, err)
			}
		}
		id := entry.ClientID
		clock := entry.Clock
		current, hasMeta := a.meta[id]
		prev, hasState := a.states[id]
		if !(current.clock < clock || (current.clock == clock && state == nil && hasState)) && hasMeta {
			continue
		}
		if state == nil {
			if id == a.clientID && hasState {
				clock++
				renewed = true
			} else {
				delete(a.states, id)
			}
		} else {
			a.states[id] = state
		}
		a.meta[id] = meta{clock: clock, lastUpdated: now}

		switch {
		case !hasMeta && state != nil:
			change.Added = append(change.Added, id)
			filteredChange.Added = append(filteredChange.Added, id)
		case hasMeta && state == nil:
			if id == a.clientID && renewed {
				continue
			}
			change.Removed = append(change.Removed, id)
			filteredChange.Removed = append(filteredChange.Removed, id)
		case state != nil:
			change.Updated = append(change.Updated, id)
			if !reflect.DeepEqual(prev, state) {
				filteredChange.Updated = append(filteredChange.Updated, id)
			}
		}
	}
	a.mu.Unlock()

	a.emitChange(filteredChange, origin)
	a.emitUpdate(change, origin)
	if renewed {
		a.emitUpdate(Change{Updated: []uint64{a.clientID}}, nil)
	}
	return nil
}

func (a *Awareness) emit(change Change, filtered bool, origin any) {
	if filtered {
		a.emitChange(change, origin)
	}
	a.emitUpdate(change, origin)
}

func (a *Awareness) emitChange(change Change, origin any) {
	if change.empty() {
		return
	}
	a.mu.Lock()
	subs := append([]subscriber(nil), a.onChange...)
	a.mu.Unlock()
	for _, sub := range subs {
		sub.fn(change, origin)
	}
}

func (a *Awareness) emitUpdate(change Change, origin any) {
	if change.empty() {
		return
	}
	a.mu.Lock()
	subs := append([]subscriber(nil), a.onUpdate...)
	a.mu.Unlock()
	for _, sub := range subs {
		sub.fn(change, origin)
	}
}

func cloneState(state State) State {
	if state == nil {
		return nil
	}
	out := make(State, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// normalize round-trips value through JSON so local and decoded remote states
// compare equal with reflect.DeepEqual.
func normalize(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}
