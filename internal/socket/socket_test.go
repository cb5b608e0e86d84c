package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

func TestBytesJSON(t *testing.T) {
	raw, err := json.Marshal(Bytes{1, 2, 255})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(raw) != "[1,2,255]" {
		t.Fatalf("expected [1,2,255], got %s", raw)
	}
	empty, _ := json.Marshal(Bytes(nil))
	if string(empty) != "[]" {
		t.Fatalf("expected [], got %s", empty)
	}

	var b Bytes
	if err := json.Unmarshal([]byte("[104, 105]"), &b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(b) != "hi" {
		t.Fatalf("expected hi, got %q", b)
	}
	if err := json.Unmarshal([]byte("[256]"), &b); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestDecodeRejectsMissingEvent(t *testing.T) {
	if _, err := Decode([]byte(`{"data":1}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	frame, err := Decode([]byte(`{"event":"users-count","data":{"count":2}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Event != "users-count" || string(frame.Data) != `{"count":2}` {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

// echoServer answers every "ping" frame with a "pong" frame carrying the same
// data, and greets each connection with a "hello" frame holding its query.
func echoServer(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		if dropFirst && n == 1 {
			return
		}
		hello, _ := Encode("hello", map[string]string{
			"username": r.URL.Query().Get("username"),
			"room":     r.URL.Query().Get("room"),
		})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := Decode(data)
			if err != nil || frame.Event != "ping" {
				continue
			}
			reply, _ := json.Marshal(Frame{Event: "pong", Data: frame.Data})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestClientRoundTrip(t *testing.T) {
	srv, _ := echoServer(t, false)
	c := New(Options{
		URL:   wsURL(srv),
		Query: url.Values{"username": {"ada"}, "room": {"r1"}},
	})

	connected := make(chan struct{}, 1)
	hello := make(chan json.RawMessage, 1)
	pong := make(chan json.RawMessage, 1)
	c.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	c.On("hello", func(d json.RawMessage) { hello <- d })
	c.On("pong", func(d json.RawMessage) { pong <- d })

	if err := c.Emit("ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}

	c.Connect()
	c.Connect()
	defer c.Disconnect()
	waitFor(t, connected)

	var greeting map[string]string
	if err := json.Unmarshal(waitFor(t, hello), &greeting); err != nil {
		t.Fatalf("hello payload: %v", err)
	}
	if greeting["username"] != "ada" || greeting["room"] != "r1" {
		t.Fatalf("query not forwarded: %v", greeting)
	}

	if err := c.Emit("ping", Bytes{7, 8, 9}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var got Bytes
	if err := json.Unmarshal(waitFor(t, pong), &got); err != nil {
		t.Fatalf("pong payload: %v", err)
	}
	if string(got) != string([]byte{7, 8, 9}) {
		t.Fatalf("expected [7 8 9], got %v", got)
	}
}

func TestDisconnectFiresOnce(t *testing.T) {
	srv, _ := echoServer(t, false)
	c := New(Options{URL: wsURL(srv)})

	connected := make(chan struct{}, 1)
	var disconnects atomic.Int32
	c.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	c.On(EventDisconnect, func(json.RawMessage) { disconnects.Add(1) })

	c.Connect()
	waitFor(t, connected)
	if !c.Connected() {
		t.Fatal("expected Connected after connect event")
	}
	c.Disconnect()
	c.Disconnect()
	time.Sleep(50 * time.Millisecond)

	if c.Connected() {
		t.Fatal("expected Connected false after Disconnect")
	}
	if n := disconnects.Load(); n != 1 {
		t.Fatalf("expected one disconnect event, got %d", n)
	}
	if err := c.Emit("ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after Disconnect, got %v", err)
	}
}

func TestOffRemovesHandler(t *testing.T) {
	srv, _ := echoServer(t, false)
	c := New(Options{URL: wsURL(srv)})
	connected := make(chan struct{}, 1)
	var hellos atomic.Int32
	off := c.On("hello", func(json.RawMessage) { hellos.Add(1) })
	off()
	c.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	c.Connect()
	defer c.Disconnect()
	waitFor(t, connected)
	time.Sleep(50 * time.Millisecond)
	if hellos.Load() != 0 {
		t.Fatal("expected removed handler not to run")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv, conns := echoServer(t, true)
	c := New(Options{
		URL:       wsURL(srv),
		Reconnect: true,
		Backoff:   func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})

	connects := make(chan struct{}, 4)
	disconnects := make(chan struct{}, 4)
	c.On(EventConnect, func(json.RawMessage) { connects <- struct{}{} })
	c.On(EventDisconnect, func(json.RawMessage) { disconnects <- struct{}{} })

	c.Connect()
	defer c.Disconnect()
	waitFor(t, connects)
	waitFor(t, disconnects)
	waitFor(t, connects)
	if conns.Load() < 2 {
		t.Fatalf("expected a second connection, got %d", conns.Load())
	}
}

func TestConnectErrorWithoutReconnect(t *testing.T) {
	srv, _ := echoServer(t, false)
	endpoint := wsURL(srv)
	srv.Close()

	c := New(Options{URL: endpoint})
	errs := make(chan json.RawMessage, 1)
	c.On(EventConnectError, func(d json.RawMessage) { errs <- d })
	c.Connect()
	waitFor(t, errs)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		idle := c.sess == nil
		c.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected session to be released after a failed dial")
}

func TestDispatchRunsHandlers(t *testing.T) {
	srv, _ := echoServer(t, false)
	tasks := make(chan func(), 16)
	c := New(Options{URL: wsURL(srv), Dispatch: func(fn func()) { tasks <- fn }})
	connected := make(chan struct{}, 1)
	c.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	c.Connect()
	defer c.Disconnect()

	select {
	case <-connected:
		t.Fatal("handler ran outside the dispatcher")
	case fn := <-tasks:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatched task")
	}
	waitFor(t, connected)
}
