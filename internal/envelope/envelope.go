// Package envelope defines the unit of real-time delivery exchanged between
// the hub, the broker and connected clients.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of message carried by an envelope.
type Type string

// Inbound (client → server) types.
const (
	TypePing                 Type = "ping"
	TypeSubscribe            Type = "subscribe"
	TypeUnsubscribe          Type = "unsubscribe"
	TypeDriverLocationUpdate Type = "driver_location_update"
	TypeDeliveryStatusUpdate Type = "delivery_status_update"
)

// Outbound (server → client) types.
const (
	TypePong           Type = "pong"
	TypeConnected      Type = "connected"
	TypeSubscribed     Type = "subscribed"
	TypeUnsubscribed   Type = "unsubscribed"
	TypeError          Type = "error"
	TypeDriverLocation Type = "driver_location"
	TypeDeliveryStatus Type = "delivery_status"
)

var emptyObject = json.RawMessage(`{}`)

// ErrMalformed is returned when a payload cannot be decoded into an envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is immutable once constructed. Accessors return copies.
type Envelope struct {
	typ       Type
	channel   string
	data      json.RawMessage
	timestamp int64 // unix millis
}

// wire is the JSON shape: {type, channel?, data, timestamp}.
type wire struct {
	Type      Type            `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// New builds an envelope, marshaling data to JSON. A nil data value encodes as {}.
func New(t Type, channel string, data any, at time.Time) (Envelope, error) {
	if t == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrMalformed)
	}
	raw := emptyObject
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal envelope data: %w", err)
		}
		raw = b
	}
	return Envelope{
		typ:       t,
		channel:   channel,
		data:      raw,
		timestamp: at.UnixMilli(),
	}, nil
}

// FromRaw builds an envelope around already-encoded JSON data. The bytes are copied.
func FromRaw(t Type, channel string, data []byte, at time.Time) (Envelope, error) {
	if t == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrMalformed)
	}
	raw := emptyObject
	if len(bytes.TrimSpace(data)) > 0 {
		if !json.Valid(data) {
			return Envelope{}, fmt.Errorf("%w: data is not valid JSON", ErrMalformed)
		}
		raw = bytes.Clone(data)
	}
	return Envelope{typ: t, channel: channel, data: raw, timestamp: at.UnixMilli()}, nil
}

// Decode parses a JSON envelope. A missing type is malformed; a missing
// timestamp is left at zero.
func Decode(b []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	data := emptyObject
	if len(w.Data) > 0 && !bytes.Equal(bytes.TrimSpace(w.Data), []byte("null")) {
		data = bytes.Clone(w.Data)
	}
	return Envelope{typ: w.Type, channel: w.Channel, data: data, timestamp: w.Timestamp}, nil
}

// Type returns the message kind.
func (e Envelope) Type() Type { return e.typ }

// Channel returns the topic, empty for direct replies.
func (e Envelope) Channel() string { return e.channel }

// Data returns a copy of the JSON payload.
func (e Envelope) Data() json.RawMessage { return bytes.Clone(e.data) }

// Timestamp returns the creation time.
func (e Envelope) Timestamp() time.Time { return time.UnixMilli(e.timestamp) }

// UnmarshalData decodes the payload into v.
func (e Envelope) UnmarshalData(v any) error {
	if err := json.Unmarshal(e.data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// IsZero reports whether the envelope was never constructed.
func (e Envelope) IsZero() bool { return e.typ == "" }

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data := e.data
	if len(data) == 0 {
		data = emptyObject
	}
	return json.Marshal(wire{Type: e.typ, Channel: e.channel, Data: data, Timestamp: e.timestamp})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	dec, err := Decode(b)
	if err != nil {
		return err
	}
	*e = dec
	return nil
}

// Error builds an outbound error envelope with a message and optional reference
// to the offending inbound type.
func Error(message string, inbound Type, at time.Time) Envelope {
	data := map[string]string{"message": message}
	if inbound != "" {
		data["type"] = string(inbound)
	}
	env, _ := New(TypeError, "", data, at)
	return env
}
