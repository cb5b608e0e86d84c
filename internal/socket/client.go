package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxPayloadSize = 8 << 20
	sendBuffer     = 256
)

var (
	// ErrNotConnected is returned by Emit while no connection is open.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrBufferFull is returned by Emit when the outbound queue is saturated.
	ErrBufferFull = errors.New("socket: send buffer full")
)

// Handler receives the raw payload of an event. Lifecycle events carry a
// JSON string with the reason, or nothing.
type Handler func(data json.RawMessage)

// Options configure a Client.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Query is appended to URL at dial time.
	Query url.Values
	// Dispatch runs handler invocations. Nil runs them on the reader goroutine.
	Dispatch func(func())
	// Reconnect redials with exponential backoff after a connection drops.
	Reconnect bool
	// Backoff overrides the reconnect schedule.
	Backoff func() backoff.BackOff
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

type handlerEntry struct {
	id int
	fn Handler
}

// Client is a single event connection. All methods are safe for concurrent
// use.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   int
	sess     *session
}

type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	connected atomic.Bool
}

// New returns an unconnected client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:     opts,
		logger:   logger.With("component", "socket"),
		handlers: make(map[string][]handlerEntry),
	}
}

// DefaultBackoff mirrors the usual socket client schedule: 1s doubling to 5s
// with jitter, retrying forever.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// On registers fn for event and returns a function that removes it.
func (c *Client) On(event string, fn Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.handlers[event]
		for i, h := range list {
			if h.id == id {
				c.handlers[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.connected.Load()
}

// Connect starts dialing in the background. It does nothing while a session
// is already active.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel, send: make(chan []byte, sendBuffer)}
	c.sess = s
	go c.run(s)
}

// Disconnect closes the connection and stops reconnecting. Frames already
// queued are flushed before the close frame.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	if s.connected.Swap(false) {
		c.fire(EventDisconnect, "io client disconnect")
	}
}

// Emit queues event for sending. Delivery is best effort.
func (c *Client) Emit(event string, data any) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	if len(c.opts.Query) > 0 {
		q := u.Query()
		for k, vs := range c.opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) run(s *session) {
	defer c.release(s)

	var bo backoff.BackOff
	if c.opts.Reconnect {
		if c.opts.Backoff != nil {
			bo = c.opts.Backoff()
		} else {
			bo = DefaultBackoff()
		}
	}

	for {
		connected := c.connectOnce(s)
		if s.ctx.Err() != nil || bo == nil {
			return
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Warn("giving up reconnect", "url", c.opts.URL)
			return
		}
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return
		}
	}
}

// release forgets s if it is still the active session, so a later Connect
// can start over after a final failure.
func (c *Client) release(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	s.cancel()
}

// connectOnce dials, serves the connection until it drops, and reports whether
// the dial succeeded.
func (c *Client) connectOnce(s *session) bool {
	endpoint, err := c.endpoint()
	if err != nil {
		c.fire(EventConnectError, err.Error())
		return false
	}
	conn, _, err := c.opts.Dialer.DialContext(s.ctx, endpoint, nil)
	if err != nil {
		if s.ctx.Err() == nil {
			c.logger.Debug("dial failed", "url", c.opts.URL, "err", err)
			c.fire(EventConnectError, err.Error())
		}
		return false
	}
	conn.SetReadLimit(maxPayloadSize)

	// Frames queued for a previous connection are stale.
	drain(s.send)
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.connected.Store(true)
	c.mu.Unlock()
	c.fire(EventConnect, nil)

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(s, conn, readerDone)
	}()

	c.readLoop(s, conn)
	close(readerDone)

	if s.connected.Swap(false) && s.ctx.Err() == nil {
		c.fire(EventDisconnect, "transport close")
	}
	_ = conn.Close()
	<-writerDone
	return true
}

func (c *Client) readLoop(s *session, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read ended", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage || s.ctx.Err() != nil {
			continue
		}
		frame, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping frame", "err", err)
			continue
		}
		c.dispatch(frame.Event, frame.Data)
	}
}

func (c *Client) writeLoop(s *session, conn *websocket.Conn, readerDone <-chan struct{}) {
	for {
		select {
		case msg := <-s.send:
			if err := write(conn, msg); err != nil {
				_ = conn.Close()
				return
			}
		case <-readerDone:
			return
		case <-s.ctx.Done():
			flush(s.send, conn)
			return
		}
	}
}

// flush writes whatever is still queued, then closes the connection cleanly.
func flush(queue chan []byte, conn *websocket.Conn) {
	for {
		select {
		case msg := <-queue:
			if err := write(conn, msg); err != nil {
				_ = conn.Close()
				return
			}
		default:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		}
	}
}

func write(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (c *Client) fire(event string, reason any) {
	var data json.RawMessage
	if reason != nil {
		raw, err := json.Marshal(reason)
		if err == nil {
			data = raw
		}
	}
	c.dispatch(event, data)
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	call := func() {
		c.mu.Lock()
		list := append([]handlerEntry(nil), c.handlers[event]...)
		c.mu.Unlock()
		for _, h := range list {
			h.fn(data)
		}
	}
	if c.opts.Dispatch != nil {
		c.opts.Dispatch(call)
		return
	}
	call()
}
