// ABOUTME: Server-Sent Events framing for the streamed duplex channel.
// ABOUTME: Serializes protocol messages into event/data frames and flushes per frame.

package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the underlying ResponseWriter
// cannot flush, meaning the connection physically cannot carry a stream.
var ErrStreamingUnsupported = errors.New("streaming not supported by connection")

// EventMessage is the SSE event name used for protocol messages.
const EventMessage = "message"

// SSEWriter frames protocol messages as Server-Sent Events. It is not safe
// for concurrent use; the stream multiplexer provides the single-writer
// discipline.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter returns a writer for w without touching the response yet, so
// the caller can still send an ordinary HTTP error if it never streams.
// It fails fast with ErrStreamingUnsupported rather than letting the caller
// sit on a channel it cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// start sets the event-stream headers. They commit with the first frame, not
// at construction, so an SSEWriter that never writes leaves w untouched.
func (s *SSEWriter) start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteRetry emits the SSE retry interval hint in milliseconds.
func (s *SSEWriter) WriteRetry(ms int) error {
	s.start()
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", ms); err != nil {
		return fmt.Errorf("writing retry frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteMessage writes one message as a complete SSE frame and flushes it, so
// partial frames never interleave on the wire.
func (s *SSEWriter) WriteMessage(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", EventMessage, data); err != nil {
		return fmt.Errorf("writing event frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteComment writes an SSE comment line, used as a keepalive.
func (s *SSEWriter) WriteComment(text string) error {
	s.start()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("writing comment frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
