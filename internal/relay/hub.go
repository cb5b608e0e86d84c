// Package relay is the room server editor sessions connect to. It fans
// document and presence updates out to the other members of a room, keeps
// the room's update log for late joiners and compacts it over time.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mahmoud661/Collaborative-editor/internal/awareness"
	"github.com/mahmoud661/Collaborative-editor/internal/session"
	"github.com/mahmoud661/Collaborative-editor/internal/socket"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

// Wire events, shared with the client bridge.
const (
	EventDocUpdate       = "yjs-update"
	EventAwarenessUpdate = "awareness-update"
	EventConnected       = "connected"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventUsersCount      = "users-count"
)

const (
	DefaultRoom     = "collaborative-editor"
	DefaultUsername = "anonymous"
	WelcomeMessage  = "Welcome!"

	opTimeout = 5 * time.Second
)

var ErrClosed = errors.New("relay: hub closed")

type ConnectedPayload struct {
	Message    string `json:"message"`
	Room       string `json:"room"`
	Username   string `json:"username"`
	UsersCount int    `json:"users_count"`
}

type UserPayload struct {
	Username   string `json:"username"`
	UsersCount int    `json:"users_count"`
}

type CountPayload struct {
	Count int `json:"count"`
}

type Options struct {
	Store    store.Store
	Sessions session.Store
	Broker   Broker
	Archiver Archiver
	Metrics  *Metrics
	Logger   *slog.Logger
	// Node identifies this process to the broker.
	Node string
	// CompactThreshold is the log length that triggers compaction. Zero
	// disables it.
	CompactThreshold int
	// AllowedOrigin restricts the websocket Origin header; empty or "*"
	// allows all.
	AllowedOrigin string
}

// RoomInfo describes a room with members on this node.
type RoomInfo struct {
	Name         string `json:"name"`
	LocalMembers int    `json:"localMembers"`
	Presence     int    `json:"presence"`
}

type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*room
	conns  map[*conn]struct{}
	closed bool
}

func NewHub(opts Options) *Hub {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewMemoryStore()
	}
	if opts.Broker == nil {
		opts.Broker = NewLocalBroker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Node == "" {
		opts.Node = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:   opts,
		logger: opts.Logger.With("component", "relay", "node", opts.Node),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
		conns:  make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     h.checkOrigin,
	}
	h.wg.Add(1)
	go h.expireLoop()
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	allowed := h.opts.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, allowed)
}

// ServeHTTP upgrades the request and runs the member until it leaves.
// Query parameters: room, username.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomName := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomName == "" {
		roomName = DefaultRoom
	}
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		username = DefaultUsername
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "err", err)
		return
	}

	id := uuid.NewString()
	c := newConn(id, username, ws, h.logger.With("room", roomName, "username", username), h.opts.Metrics)
	rm, err := h.join(roomName, c)
	if err != nil {
		c.close()
		_ = ws.Close()
		return
	}
	defer h.wg.Done()
	h.opts.Metrics.connOpened()
	defer h.opts.Metrics.connClosed()

	go c.writePump()
	h.welcome(rm, c)
	c.readPump(func(frame socket.Frame) { h.handle(rm, c, frame) })
	h.leave(rm, c)
	c.close()
}

// join registers c with its room, creating and subscribing the room on
// first use.
func (h *Hub) join(name string, c *conn) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	rm, ok := h.rooms[name]
	if !ok {
		rm = newRoom(name)
		unsubscribe, err := h.opts.Broker.Subscribe(name, func(env Envelope) { h.deliver(rm, env) })
		if err != nil {
			h.logger.Error("subscribe room", "room", name, "err", err)
			return nil, err
		}
		rm.unsubscribe = unsubscribe
		h.rooms[name] = rm
		h.opts.Metrics.roomOpened()
	}
	rm.add(c)
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return rm, nil
}

// welcome runs the join sequence: greeting, catch-up state, presence, then
// announcements to the room.
func (h *Hub) welcome(rm *room, c *conn) {
	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()

	count, err := h.opts.Sessions.Join(ctx, rm.name, session.Member{ConnID: c.id, Username: c.username, Node: h.opts.Node})
	if err != nil {
		h.logger.Error("record membership", "room", rm.name, "err", err)
		count = rm.size()
	}
	c.sendEvent(EventConnected, ConnectedPayload{
		Message:    WelcomeMessage,
		Room:       rm.name,
		Username:   c.username,
		UsersCount: count,
	})

	updates, err := h.opts.Store.ListUpdates(ctx, rm.name)
	if err != nil {
		h.logger.Error("load room log", "room", rm.name, "err", err)
	} else if len(updates) > 0 {
		blobs := make([][]byte, len(updates))
		for i, u := range updates {
			blobs[i] = u.Data
		}
		merged, err := ydoc.MergeUpdates(blobs...)
		if err != nil {
			h.logger.Error("merge room log", "room", rm.name, "err", err)
		} else {
			c.sendEvent(EventDocUpdate, socket.Bytes(merged))
		}
		h.maybeCompact(rm, rm.seedLog(len(updates)))
	}

	if blob, ok := rm.presence(); ok {
		c.sendEvent(EventAwarenessUpdate, socket.Bytes(blob))
	}
	c.markJoined()

	h.publish(ctx, rm.name, EventUserJoined, UserPayload{Username: c.username, UsersCount: count}, c.id)
	h.publish(ctx, rm.name, EventUsersCount, CountPayload{Count: count}, "")
	h.logger.Info("member joined", "room", rm.name, "username", c.username, "conn", c.id, "users", count)
}

func (h *Hub) handle(rm *room, c *conn, frame socket.Frame) {
	switch frame.Event {
	case EventDocUpdate:
		h.onDocUpdate(rm, c, frame.Data)
	case EventAwarenessUpdate:
		h.onAwarenessUpdate(rm, c, frame.Data)
	default:
		h.opts.Metrics.dropped("unknown_event")
		h.logger.Debug("ignoring event", "event", frame.Event, "conn", c.id)
	}
}

func (h *Hub) onDocUpdate(rm *room, c *conn, data json.RawMessage) {
	var blob socket.Bytes
	if err := json.Unmarshal(data, &blob); err != nil {
		h.reject(c, EventDocUpdate, err)
		return
	}
	if _, err := ydoc.DecodeUpdate(blob); err != nil {
		h.reject(c, EventDocUpdate, err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	if err := h.opts.Store.AppendUpdate(ctx, rm.name, blob); err != nil {
		// Live members still converge; only late joiners miss this update.
		h.opts.Metrics.dropped("persist")
		h.logger.Error("append update", "room", rm.name, "err", err)
	} else {
		h.maybeCompact(rm, rm.appended())
	}
	h.publishRaw(ctx, rm.name, EventDocUpdate, data, c.id)
}

func (h *Hub) onAwarenessUpdate(rm *room, c *conn, data json.RawMessage) {
	var blob socket.Bytes
	if err := json.Unmarshal(data, &blob); err != nil {
		h.reject(c, EventAwarenessUpdate, err)
		return
	}
	clients, err := awareness.ClientsIn(blob)
	if err != nil {
		h.reject(c, EventAwarenessUpdate, err)
		return
	}
	rm.control(c.id, clients)

	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()
	h.publishRaw(ctx, rm.name, EventAwarenessUpdate, data, c.id)
}

func (h *Hub) reject(c *conn, event string, err error) {
	h.opts.Metrics.dropped("malformed_" + strings.ReplaceAll(event, "-", "_"))
	h.logger.Warn("rejecting inbound update", "event", event, "conn", c.id, "err", err)
}

// leave withdraws the presence c controlled and announces the departure.
func (h *Hub) leave(rm *room, c *conn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), opTimeout)
	defer cancel()

	if blob, ok := rm.remove(c); ok {
		h.publishRaw(ctx, rm.name, EventAwarenessUpdate, mustBytes(blob), c.id)
	}
	count, err := h.opts.Sessions.Leave(ctx, rm.name, c.id)
	if err != nil {
		h.logger.Error("remove membership", "room", rm.name, "err", err)
		count = rm.size()
	}
	h.publish(ctx, rm.name, EventUserLeft, UserPayload{Username: c.username, UsersCount: count}, c.id)
	h.publish(ctx, rm.name, EventUsersCount, CountPayload{Count: count}, c.id)
	h.logger.Info("member left", "room", rm.name, "username", c.username, "conn", c.id, "users", count)

	h.mu.Lock()
	delete(h.conns, c)
	if rm.size() == 0 && h.rooms[rm.name] == rm {
		delete(h.rooms, rm.name)
		rm.unsubscribe()
		h.opts.Metrics.roomClosed()
	}
	h.mu.Unlock()
}

// deliver runs for every envelope of a subscribed room, on every node.
func (h *Hub) deliver(rm *room, env Envelope) {
	if env.Event == EventAwarenessUpdate {
		var blob socket.Bytes
		if err := json.Unmarshal(env.Data, &blob); err == nil {
			if err := rm.aw.ApplyUpdate(blob, env.Node); err != nil {
				h.logger.Warn("apply relayed presence", "room", rm.name, "err", err)
			}
		}
	}
	msg, err := frameBytes(env)
	if err != nil {
		h.logger.Error("encode relayed frame", "event", env.Event, "err", err)
		return
	}
	for _, c := range rm.members() {
		if c.id == env.Except {
			continue
		}
		c.deliver(msg)
		h.opts.Metrics.relayed(env.Event)
	}
}

func (h *Hub) publish(ctx context.Context, room, event string, data any, except string) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("encode payload", "event", event, "err", err)
		return
	}
	h.publishRaw(ctx, room, event, raw, except)
}

func (h *Hub) publishRaw(ctx context.Context, room, event string, data json.RawMessage, except string) {
	env := Envelope{Node: h.opts.Node, Room: room, Event: event, Data: data, Except: except}
	if err := h.opts.Broker.Publish(ctx, env); err != nil {
		h.opts.Metrics.dropped("publish")
		h.logger.Error("publish event", "room", room, "event", event, "err", err)
	}
}

// maybeCompact schedules a compaction once the log may exceed the
// threshold. At most one compaction per room runs at a time.
func (h *Hub) maybeCompact(rm *room, size int) {
	threshold := h.opts.CompactThreshold
	if threshold <= 0 || size <= threshold {
		return
	}
	if !rm.compacting.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		rm.compacting.Store(false)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.wg.Done()
		defer rm.compacting.Store(false)
		ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
		defer cancel()
		merged, err := h.Compact(ctx, rm.name)
		if err != nil {
			h.logger.Error("compact room", "room", rm.name, "err", err)
		}
		if merged > 1 {
			rm.logSize.Add(-int64(merged - 1))
		}
	}()
}

// Compact folds the room log into one update and archives the result. It
// returns how many log entries were merged.
func (h *Hub) Compact(ctx context.Context, room string) (int, error) {
	updates, err := h.opts.Store.ListUpdates(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("list updates: %w", err)
	}
	if len(updates) == 0 {
		return 0, store.ErrNotFound
	}
	blobs := make([][]byte, len(updates))
	for i, u := range updates {
		blobs[i] = u.Data
	}
	merged, err := ydoc.MergeUpdates(blobs...)
	if err != nil {
		return 0, fmt.Errorf("merge updates: %w", err)
	}
	if len(updates) > 1 {
		if err := h.opts.Store.ReplaceUpdates(ctx, room, updates[len(updates)-1].ID, merged); err != nil {
			return 0, fmt.Errorf("replace updates: %w", err)
		}
	}
	h.opts.Metrics.compacted()
	if h.opts.Archiver != nil {
		if err := h.opts.Archiver.Archive(ctx, room, merged, len(updates)); err != nil {
			return len(updates), fmt.Errorf("archive: %w", err)
		}
	}
	h.logger.Info("compacted room log", "room", room, "updates", len(updates))
	return len(updates), nil
}

// Rooms lists the rooms with members on this node.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, RoomInfo{Name: rm.name, LocalMembers: rm.size(), Presence: len(rm.aw.States())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Members returns the cluster-wide membership of room.
func (h *Hub) Members(ctx context.Context, room string) ([]session.Member, error) {
	return h.opts.Sessions.Members(ctx, room)
}

// Ping checks the hub's backing services.
func (h *Hub) Ping(ctx context.Context) error {
	if err := h.opts.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := h.opts.Sessions.Ping(ctx); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	return nil
}

// expireLoop drops presence entries whose owners stopped renewing them.
func (h *Hub) expireLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(awareness.OutdatedTimeout / 10)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			rooms := make([]*room, 0, len(h.rooms))
			for _, rm := range h.rooms {
				rooms = append(rooms, rm)
			}
			h.mu.Unlock()
			for _, rm := range rooms {
				rm.aw.CheckOutdated()
			}
		}
	}
}

// Close disconnects every member and waits for running work to finish.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	h.cancel()
	h.wg.Wait()
	return nil
}

func mustBytes(blob []byte) json.RawMessage {
	raw, _ := json.Marshal(socket.Bytes(blob))
	return raw
}
