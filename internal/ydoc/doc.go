// Package ydoc implements the shared document handle: a small CRDT document
// holding named rune sequences and last-writer-wins maps. Changes travel as
// opaque update blobs whose application is commutative and idempotent.
package ydoc

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
)

// ErrDestroyed is returned by operations on a destroyed document.
var ErrDestroyed = errors.New("ydoc: document destroyed")

const maxClientID = 1<<53 - 1

// UpdateHandler observes every transaction that changed the document.
type UpdateHandler func(update []byte, origin any)

type item struct {
	id      ID
	origin  *ID
	parent  string
	content string
	deleted bool
}

type entry struct {
	id    ID
	value []byte
}

type observer struct {
	id int
	fn UpdateHandler
}

// Doc is a CRDT document. All methods are safe for concurrent use; the update
// event fires on the goroutine that ran the transaction, after the document
// lock is released, and transactions never interleave.
type Doc struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	clientID uint64
	clock    uint64

	items   map[ID]*item
	seqs    map[string][]*item
	entries map[string]map[string]entry

	pendingItems   []ItemRecord
	pendingDeletes map[ID]struct{}

	observers []observer
	nextObsID int
	destroyed bool
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID pins the client id instead of drawing a random one.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

// New allocates an empty document.
func New(opts ...Option) *Doc {
	d := &Doc{
		clientID:       rand.Uint64() & maxClientID,
		items:          make(map[ID]*item),
		seqs:           make(map[string][]*item),
		entries:        make(map[string]map[string]entry),
		pendingDeletes: make(map[ID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the id stamped on local changes.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// OnUpdate registers fn for update events and returns its unsubscribe func.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	d.mu.Lock()
	d.nextObsID++
	id := d.nextObsID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, obs := range d.observers {
			if obs.id == id {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// Transaction accumulates the changes of one Transact call.
type Transaction struct {
	doc    *Doc
	Origin any
	change Update
}

// Transact runs fn with exclusive access to the document and emits a single
// update event if anything changed. fn must not call Transact, Apply or the
// read accessors of Text and Map; use the Transaction-taking methods instead.
func (d *Doc) Transact(origin any, fn func(tx *Transaction)) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	tx := &Transaction{doc: d, Origin: origin}
	fn(tx)
	observers := append([]observer(nil), d.observers...)
	d.mu.Unlock()

	if tx.change.Empty() {
		return nil
	}
	blob, err := EncodeUpdate(tx.change)
	if err != nil {
		return err
	}
	for _, obs := range observers {
		obs.fn(blob, origin)
	}
	return nil
}

// Apply merges an update blob. Content already known is skipped, items whose
// left origin is still missing are parked until it arrives.
func (d *Doc) Apply(blob []byte, origin any) error {
	u, err := DecodeUpdate(blob)
	if err != nil {
		return err
	}
	return d.Transact(origin, func(tx *Transaction) {
		d.integrate(tx, u)
	})
}

// Destroy drops all observers; later transactions fail with ErrDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.observers = nil
}

// EncodeStateAsUpdate returns the whole document, including parked content,
// as a single update blob.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.RLock()
	u := d.stateLocked()
	d.mu.RUnlock()
	return EncodeUpdate(u)
}

// IsEmpty reports whether the document has never received any content.
func (d *Doc) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items) == 0 && len(d.entries) == 0 && len(d.pendingItems) == 0
}

// TextNames lists the sequences present in the document.
func (d *Doc) TextNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.seqs))
	for name := range d.seqs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MapNames lists the maps present in the document.
func (d *Doc) MapNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doc) stateLocked() Update {
	var u Update
	for _, name := range sortedKeys(d.seqs) {
		for _, it := range d.seqs[name] {
			u.Items = append(u.Items, it.record())
			if it.deleted {
				u.Deletes = append(u.Deletes, it.id)
			}
		}
	}
	u.Items = append(u.Items, d.pendingItems...)
	for id := range d.pendingDeletes {
		u.Deletes = append(u.Deletes, id)
	}
	sort.Slice(u.Deletes, func(i, j int) bool { return u.Deletes[i].less(u.Deletes[j]) })
	for _, mapName := range sortedKeys(d.entries) {
		m := d.entries[mapName]
		for _, key := range sortedKeys(m) {
			e := m[key]
			u.Entries = append(u.Entries, EntryRecord{ID: e.id, Map: mapName, Key: key, Value: e.value})
		}
	}
	return u
}

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Client: d.clientID, Clock: d.clock}
}

func (d *Doc) observe(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

func (d *Doc) integrate(tx *Transaction, u Update) {
	for _, rec := range u.Items {
		if _, known := d.items[rec.ID]; known || d.isPending(rec.ID) {
			continue
		}
		d.pendingItems = append(d.pendingItems, rec)
	}
	d.drainPending(tx)

	for _, id := range u.Deletes {
		it, known := d.items[id]
		if !known {
			d.pendingDeletes[id] = struct{}{}
			continue
		}
		if !it.deleted {
			it.deleted = true
			tx.change.Deletes = append(tx.change.Deletes, id)
		}
	}

	for _, rec := range u.Entries {
		d.observe(rec.ID)
		if d.setEntry(rec.Map, rec.Key, rec.ID, rec.Value) {
			tx.change.Entries = append(tx.change.Entries, rec)
		}
	}
}

// drainPending integrates parked items until no more progress is possible.
func (d *Doc) drainPending(tx *Transaction) {
	for progress := true; progress; {
		progress = false
		remaining := d.pendingItems[:0]
		for _, rec := range d.pendingItems {
			if _, known := d.items[rec.ID]; known {
				continue
			}
			if rec.Origin != nil {
				if _, ok := d.items[*rec.Origin]; !ok {
					remaining = append(remaining, rec)
					continue
				}
			}
			it := d.insertItem(rec)
			tx.change.Items = append(tx.change.Items, rec)
			if _, ok := d.pendingDeletes[it.id]; ok {
				delete(d.pendingDeletes, it.id)
				it.deleted = true
				tx.change.Deletes = append(tx.change.Deletes, it.id)
			}
			progress = true
		}
		d.pendingItems = remaining
	}
}

// insertItem places rec right of its origin, skipping any run of items with a
// greater id. Those were inserted concurrently at the same origin (or under
// such an item) and win the left-most position.
func (d *Doc) insertItem(rec ItemRecord) *item {
	d.observe(rec.ID)
	it := &item{id: rec.ID, origin: rec.Origin, parent: rec.Parent, content: rec.Content}
	seq := d.seqs[rec.Parent]
	pos := 0
	if rec.Origin != nil {
		for i, other := range seq {
			if other.id == *rec.Origin {
				pos = i + 1
				break
			}
		}
	}
	for pos < len(seq) && rec.ID.less(seq[pos].id) {
		pos++
	}
	seq = append(seq, nil)
	copy(seq[pos+1:], seq[pos:])
	seq[pos] = it
	d.seqs[rec.Parent] = seq
	d.items[it.id] = it
	return it
}

func (d *Doc) isPending(id ID) bool {
	for _, rec := range d.pendingItems {
		if rec.ID == id {
			return true
		}
	}
	return false
}

func (d *Doc) setEntry(mapName, key string, id ID, value []byte) bool {
	m := d.entries[mapName]
	if m == nil {
		m = make(map[string]entry)
		d.entries[mapName] = m
	}
	current, exists := m[key]
	if exists && !current.id.less(id) {
		return false
	}
	m[key] = entry{id: id, value: value}
	return true
}

func (it *item) record() ItemRecord {
	return ItemRecord{ID: it.id, Origin: it.origin, Parent: it.parent, Content: it.content}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
