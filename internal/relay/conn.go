package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahmoud661/Collaborative-editor/internal/socket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

// conn is one member connection. Frames queued before markJoined are held
// back so the join sequence always reaches the client first.
type conn struct {
	id       string
	username string
	ws       *websocket.Conn
	send     chan []byte
	logger   *slog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	joined  bool
	closed  bool
	backlog [][]byte
}

func newConn(id, username string, ws *websocket.Conn, logger *slog.Logger, metrics *Metrics) *conn {
	return &conn{
		id:       id,
		username: username,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		logger:   logger,
		metrics:  metrics,
	}
}

// sendEvent queues a frame ahead of any relayed traffic still held back.
func (c *conn) sendEvent(event string, data any) {
	msg, err := socket.Encode(event, data)
	if err != nil {
		c.logger.Error("encode frame", "event", event, "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(msg)
}

// deliver queues a relayed frame.
func (c *conn) deliver(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		c.backlog = append(c.backlog, msg)
		return
	}
	c.enqueueLocked(msg)
}

func (c *conn) markJoined() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.backlog {
		c.enqueueLocked(msg)
	}
	c.backlog = nil
	c.joined = true
}

// enqueueLocked never blocks. A member that cannot keep up is disconnected:
// silently skipping a document update would leave it diverged.
func (c *conn) enqueueLocked(msg []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.metrics.dropped("slow_consumer")
		c.logger.Warn("send buffer full, disconnecting", "conn", c.id)
		c.closeLocked()
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump hands every decoded frame to handle until the socket fails.
func (c *conn) readPump(handle func(socket.Frame)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", "conn", c.id, "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := socket.Decode(data)
		if err != nil {
			c.metrics.dropped("malformed_frame")
			c.logger.Warn("discarding frame", "conn", c.id, "err", err)
			continue
		}
		handle(frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func frameBytes(env Envelope) ([]byte, error) {
	return json.Marshal(socket.Frame{Event: env.Event, Data: env.Data})
}
