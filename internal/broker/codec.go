package broker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/courier-realtime/internal/envelope"
)

// Compression modes for broker frames.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// zstd frame magic number, little endian.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// frame is the broker payload: the envelope plus routing metadata.
type frame struct {
	Origin   string            `json:"origin"`
	Topic    string            `json:"topic"`
	Envelope envelope.Envelope `json:"envelope"`
}

// Codec converts envelopes to broker frames (JSON, optionally Zstd-compressed).
// Decode accepts both forms so mixed fleets interoperate.
type Codec struct {
	origin      string
	compress    bool
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewCodec creates a codec stamping frames with origin.
func NewCodec(origin, compression string) (*Codec, error) {
	c := &Codec{origin: origin}

	switch compression {
	case "", CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.zstdEncoder = enc
		c.compress = true
	default:
		return nil, fmt.Errorf("unknown broker compression %q (must be 'none' or 'zstd')", compression)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.zstdDecoder = dec
	return c, nil
}

// Origin returns the instance id stamped on encoded frames.
func (c *Codec) Origin() string { return c.origin }

// Encode builds the broker payload for env on topic.
func (c *Codec) Encode(topic string, env envelope.Envelope) ([]byte, error) {
	b, err := json.Marshal(frame{Origin: c.origin, Topic: topic, Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("marshal broker frame: %w", err)
	}
	if c.compress {
		return c.zstdEncoder.EncodeAll(b, nil), nil
	}
	return b, nil
}

// Decode parses a broker payload, returning the origin, topic and envelope.
func (c *Codec) Decode(b []byte) (string, string, envelope.Envelope, error) {
	if bytes.HasPrefix(b, zstdMagic) {
		raw, err := c.zstdDecoder.DecodeAll(b, nil)
		if err != nil {
			return "", "", envelope.Envelope{}, fmt.Errorf("decompress broker frame: %w", err)
		}
		b = raw
	}

	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return "", "", envelope.Envelope{}, fmt.Errorf("unmarshal broker frame: %w", err)
	}
	if f.Topic == "" || f.Envelope.IsZero() {
		return "", "", envelope.Envelope{}, fmt.Errorf("incomplete broker frame")
	}
	return f.Origin, f.Topic, f.Envelope, nil
}

// Close releases codec resources.
func (c *Codec) Close() {
	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}
