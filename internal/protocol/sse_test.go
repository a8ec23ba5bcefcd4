// ABOUTME: Tests for the SSE frame writer.
// ABOUTME: Covers deferred header commit, frame layout, and flush-per-frame.

package protocol

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// plainWriter hides httptest.ResponseRecorder's Flusher so construction can
// be exercised against a connection that cannot stream.
type plainWriter struct {
	h http.Header
}

func (p *plainWriter) Header() http.Header { return p.h }

func (p *plainWriter) Write(b []byte) (int, error) { return len(b), nil }

func (p *plainWriter) WriteHeader(int) {}

func TestSSEWriterDefersHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	// Construction alone must leave the response writable: the caller may
	// still need to answer with a plain HTTP status instead of a stream.
	if got := rec.Header().Get("Content-Type"); got != "" {
		t.Fatalf("headers set before first frame: Content-Type = %q", got)
	}

	if err := sw.WriteRetry(3000); err != nil {
		t.Fatalf("WriteRetry: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type after first frame = %q, want text/event-stream", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	if body := rec.Body.String(); body != "retry: 3000\n\n" {
		t.Errorf("retry frame = %q", body)
	}
	if !rec.Flushed {
		t.Error("frame was not flushed")
	}
}

func TestSSEWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	msg := NewResponse(json.RawMessage(`1`), json.RawMessage(`"ok"`))
	if err := sw.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := sw.WriteComment("keepalive"); err != nil {
		t.Fatalf("WriteComment: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: message\ndata: ") {
		t.Errorf("message frame = %q, want event/data layout", body)
	}
	if !strings.HasSuffix(body, ": keepalive\n\n") {
		t.Errorf("comment frame missing from %q", body)
	}
}

func TestSSEWriterRequiresFlusher(t *testing.T) {
	if _, err := NewSSEWriter(&plainWriter{h: http.Header{}}); err != ErrStreamingUnsupported {
		t.Errorf("err = %v, want ErrStreamingUnsupported", err)
	}
}
