// Package bridge relays a shared document and its awareness states over a
// socket connection to a room on the relay server.
//
// Every callback a bridge runs (socket events, awareness expiry, and local
// edits submitted through Do) executes on one event-loop goroutine, so the
// re-entrancy guard around inbound applies needs no further locking.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mahmoud661/Collaborative-editor/internal/awareness"
	"github.com/mahmoud661/Collaborative-editor/internal/presence"
	"github.com/mahmoud661/Collaborative-editor/internal/socket"
	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

// Channel names on the socket.
const (
	EventDocUpdate       = "yjs-update"
	EventAwarenessUpdate = "awareness-update"
	EventConnected       = "connected"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventUsersCount      = "users-count"

	// EventSyncError is raised locally when an inbound update cannot be
	// applied. Its payload is the error text as a JSON string.
	EventSyncError = "sync-error"
)

// RemoteOrigin tags awareness changes that came from the socket.
const RemoteOrigin = "remote"

const checkInterval = awareness.OutdatedTimeout / 10

// ErrDestroyed is returned by operations on a destroyed bridge.
var ErrDestroyed = errors.New("bridge: destroyed")

// State is the re-entrancy guard of the inbound document channel.
type State int32

const (
	Idle State = iota
	ApplyingRemote
)

func (s State) String() string {
	if s == ApplyingRemote {
		return "applying-remote"
	}
	return "idle"
}

// Options configure a Bridge.
type Options struct {
	ServerURL string
	Room      string
	Username  string
	// Color defaults to a random palette color.
	Color string
	// Reconnect redials after an unsolicited disconnect.
	Reconnect bool
	Backoff   func() backoff.BackOff
	// ClientID pins the document client id; zero draws a random one.
	ClientID uint64
	Logger   *slog.Logger
}

// Bridge owns one editing session: the document, its awareness object and the
// socket. Destroy releases all three.
type Bridge struct {
	doc    *ydoc.Doc
	aw     *awareness.Awareness
	sock   *socket.Client
	loop   *loop
	logger *slog.Logger

	room     string
	username string
	color    string

	state atomic.Int32

	mu        sync.Mutex
	listeners map[string][]listener
	nextID    int
	offs      []func()

	destroyOnce sync.Once
}

type listener struct {
	id int
	fn socket.Handler
}

// New allocates a session and starts connecting.
func New(opts Options) (*Bridge, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("bridge: server url is required")
	}
	if opts.Room == "" {
		return nil, fmt.Errorf("bridge: room is required")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("bridge: username is required")
	}
	if opts.Color == "" {
		opts.Color = presence.RandomColor()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var docOpts []ydoc.Option
	if opts.ClientID != 0 {
		docOpts = append(docOpts, ydoc.WithClientID(opts.ClientID))
	}
	doc := ydoc.New(docOpts...)

	b := &Bridge{
		doc:       doc,
		aw:        awareness.New(doc.ClientID()),
		loop:      newLoop(),
		logger:    logger.With("component", "bridge", "room", opts.Room, "client", doc.ClientID()),
		room:      opts.Room,
		username:  opts.Username,
		color:     opts.Color,
		listeners: make(map[string][]listener),
	}
	b.sock = socket.New(socket.Options{
		URL:       opts.ServerURL,
		Query:     url.Values{"username": {opts.Username}, "room": {opts.Room}},
		Dispatch:  func(fn func()) { b.loop.post(fn) },
		Reconnect: opts.Reconnect,
		Backoff:   opts.Backoff,
		Logger:    logger,
	})

	b.offs = append(b.offs,
		b.doc.OnUpdate(b.onDocUpdate),
		b.aw.OnUpdate(b.onAwarenessUpdate),
		b.sock.On(EventDocUpdate, b.onRemoteDocUpdate),
		b.sock.On(EventAwarenessUpdate, b.onRemoteAwarenessUpdate),
		b.sock.On(socket.EventConnect, func(json.RawMessage) { b.syncState() }),
		b.sock.On(socket.EventDisconnect, func(json.RawMessage) { b.dropRemoteStates() }),
	)

	b.aw.SetLocalStateField("user", presence.User{Name: opts.Username, Color: opts.Color})
	go b.expireStates()
	b.sock.Connect()
	return b, nil
}

// Doc returns the shared document. Mutate it only inside Do.
func (b *Bridge) Doc() *ydoc.Doc { return b.doc }

// Awareness returns the session's awareness object.
func (b *Bridge) Awareness() *awareness.Awareness { return b.aw }

// Socket returns the raw socket for lifecycle and membership events.
func (b *Bridge) Socket() *socket.Client { return b.sock }

func (b *Bridge) Room() string     { return b.room }
func (b *Bridge) Username() string { return b.username }
func (b *Bridge) Color() string    { return b.color }

// State reports the current guard state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// On subscribes to a socket event or to EventSyncError. Handlers run on the
// bridge loop.
func (b *Bridge) On(event string, fn socket.Handler) func() {
	if event != EventSyncError {
		return b.sock.On(event, fn)
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], listener{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.listeners[event]
		for i, l := range list {
			if l.id == id {
				b.listeners[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Do runs fn on the bridge loop and waits for it. Local document edits must go
// through Do so they never interleave with an inbound apply.
func (b *Bridge) Do(fn func()) error {
	done := make(chan struct{})
	if !b.loop.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrDestroyed
	}
	select {
	case <-done:
		return nil
	case <-b.loop.done:
		return ErrDestroyed
	}
}

// Connect reopens the socket. It does nothing while connected.
func (b *Bridge) Connect() {
	select {
	case <-b.loop.done:
		return
	default:
	}
	b.sock.Connect()
}

// Disconnect closes the socket and keeps the document and awareness state.
func (b *Bridge) Disconnect() {
	b.sock.Disconnect()
}

// Destroy withdraws the local presence, closes the socket and releases the
// document and awareness object. No callback runs after Destroy returns.
func (b *Bridge) Destroy() {
	b.loop.close()
	b.loop.wait()
	b.destroyOnce.Do(func() {
		b.aw.SetLocalState(nil)
		b.mu.Lock()
		offs := b.offs
		b.offs = nil
		b.listeners = make(map[string][]listener)
		b.mu.Unlock()
		for _, off := range offs {
			off()
		}
		b.sock.Disconnect()
		b.aw.Destroy()
		b.doc.Destroy()
		b.logger.Debug("bridge destroyed")
	})
}

// IsRemote reports whether a document update with this origin came from the
// relay rather than a local transaction.
func (b *Bridge) IsRemote(origin any) bool {
	return origin == b
}

func (b *Bridge) onDocUpdate(update []byte, _ any) {
	if b.State() == ApplyingRemote {
		return
	}
	b.emit(EventDocUpdate, socket.Bytes(update))
}

func (b *Bridge) onRemoteDocUpdate(data json.RawMessage) {
	var update socket.Bytes
	if err := json.Unmarshal(data, &update); err != nil {
		b.syncError(fmt.Errorf("decode %s payload: %w", EventDocUpdate, err))
		return
	}
	b.state.Store(int32(ApplyingRemote))
	err := b.doc.Apply(update, b)
	b.state.Store(int32(Idle))
	if err != nil {
		b.syncError(fmt.Errorf("apply %s: %w", EventDocUpdate, err))
	}
}

func (b *Bridge) onAwarenessUpdate(change awareness.Change, origin any) {
	if origin == RemoteOrigin {
		return
	}
	clients := change.Clients()
	if len(clients) == 0 {
		return
	}
	blob, err := b.aw.EncodeUpdate(clients)
	if err != nil {
		b.logger.Error("encode awareness", "err", err)
		return
	}
	b.emit(EventAwarenessUpdate, socket.Bytes(blob))
}

func (b *Bridge) onRemoteAwarenessUpdate(data json.RawMessage) {
	var update socket.Bytes
	if err := json.Unmarshal(data, &update); err != nil {
		b.syncError(fmt.Errorf("decode %s payload: %w", EventAwarenessUpdate, err))
		return
	}
	if err := b.aw.ApplyUpdate(update, RemoteOrigin); err != nil {
		b.syncError(fmt.Errorf("apply %s: %w", EventAwarenessUpdate, err))
	}
}

// syncState sends the full document and the local presence after each
// connect, so peers converge on whatever was missed while offline. The local
// state is renewed first: the relay withdrew it at its current clock when the
// previous connection dropped.
func (b *Bridge) syncState() {
	if !b.doc.IsEmpty() {
		state, err := b.doc.EncodeStateAsUpdate()
		if err != nil {
			b.logger.Error("encode document state", "err", err)
		} else {
			b.emit(EventDocUpdate, socket.Bytes(state))
		}
	}
	if local := b.aw.LocalState(); local != nil {
		// Emitted by onAwarenessUpdate.
		b.aw.SetLocalState(local)
	}
}

// dropRemoteStates forgets every peer once the connection is gone; the
// server re-announces them after the next connect.
func (b *Bridge) dropRemoteStates() {
	b.aw.ForgetRemote(RemoteOrigin)
}

func (b *Bridge) expireStates() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.loop.done:
			return
		case <-ticker.C:
			b.loop.post(b.aw.CheckOutdated)
		}
	}
}

func (b *Bridge) emit(event string, data any) {
	if err := b.sock.Emit(event, data); err != nil {
		b.logger.Debug("emit dropped", "event", event, "err", err)
	}
}

func (b *Bridge) syncError(err error) {
	b.logger.Warn("inbound update rejected", "err", err)
	raw, _ := json.Marshal(err.Error())
	b.mu.Lock()
	list := append([]listener(nil), b.listeners[EventSyncError]...)
	b.mu.Unlock()
	for _, l := range list {
		l.fn(raw)
	}
}
