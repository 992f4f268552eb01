// Package wire serializes diff payloads for the transport sink. The payload
// shape is plain maps and slices, so both formats round-trip without schema.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the serialization used for payloads.
type Format int

const (
	// JSON is human-readable and the default for browser clients.
	JSON Format = iota
	// Msgpack is the compact binary encoding for bandwidth-sensitive links.
	Msgpack
)

// String returns the format's wire name, usable for content negotiation.
func (f Format) String() string {
	switch f {
	case Msgpack:
		return "msgpack"
	default:
		return "json"
	}
}

// ParseFormat maps a wire name back to a Format. Unknown names fall back to
// JSON.
func ParseFormat(name string) Format {
	if name == "msgpack" {
		return Msgpack
	}
	return JSON
}

// Encoder serializes payloads in a fixed format.
type Encoder struct {
	format Format
}

// NewEncoder creates an encoder for the given format.
func NewEncoder(format Format) *Encoder {
	return &Encoder{format: format}
}

// Format returns the encoder's configured format.
func (e *Encoder) Format() Format {
	return e.format
}

// Encode serializes v.
func (e *Encoder) Encode(v any) ([]byte, error) {
	switch e.format {
	case Msgpack:
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("wire: msgpack encode: %w", err)
		}
		return data, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("wire: json encode: %w", err)
		}
		return data, nil
	}
}

// Decode deserializes data into v.
func (e *Encoder) Decode(data []byte, v any) error {
	switch e.format {
	case Msgpack:
		if err := msgpack.Unmarshal(data, v); err != nil {
			return fmt.Errorf("wire: msgpack decode: %w", err)
		}
		return nil
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("wire: json decode: %w", err)
		}
		return nil
	}
}
