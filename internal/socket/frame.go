// Package socket carries named events over a single WebSocket connection.
// Every message is one JSON frame {"event": name, "data": payload}.
package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Lifecycle events delivered to handlers like any other event.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// ErrMalformedFrame is returned by Decode for anything that is not a frame.
var ErrMalformedFrame = errors.New("socket: malformed frame")

// Frame is the unit on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds the wire form of an event.
func Encode(event string, data any) ([]byte, error) {
	frame := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// Decode parses one frame.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return frame, nil
}

// Bytes is a binary payload that travels as a JSON array of byte values.
type Bytes []byte

// MarshalJSON writes b as [n, n, ...].
func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON accepts an array of integers in [0, 255].
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	out := make(Bytes, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array: value %d at %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
