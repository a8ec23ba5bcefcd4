// ABOUTME: Wire codec for protocol messages over streamed and one-shot bodies.
// ABOUTME: Incremental decoding tolerates message boundaries that straddle reads.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrProtocol marks a malformed message. It is recoverable at the process
// level: the offending session is terminated, no one else is affected.
var ErrProtocol = errors.New("protocol error")

// Encode serializes a message to its wire form.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// DecodeBytes parses a single message from a complete body, as carried by a
// one-shot POST. Malformed input yields an error wrapping ErrProtocol.
func DecodeBytes(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}
	return validate(&m)
}

// Decoder reads a stream of self-describing JSON messages from r. Buffering is
// internal: a message split across network reads is assembled transparently,
// and Next blocks until a complete message (or the end of the stream) arrives.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder creates a streaming decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Next returns the next complete message from the stream. It returns io.EOF at
// a clean end of stream, io.ErrUnexpectedEOF when the stream ends mid-message,
// and an error wrapping ErrProtocol for malformed input.
func (d *Decoder) Next() (*Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}
	return validate(&m)
}

// validate enforces the envelope rules shared by both decode paths.
func validate(m *Message) (*Message, error) {
	if m.JSONRPC != Version {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrProtocol, m.JSONRPC)
	}
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: message is neither request, notification, nor response", ErrProtocol)
	}
	return m, nil
}
