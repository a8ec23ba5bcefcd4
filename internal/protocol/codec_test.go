// ABOUTME: Tests for the streaming and one-shot codecs.
// ABOUTME: Covers split-read assembly, malformed input, and round-trip idempotence.

package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader returns at most n bytes per Read call, forcing message
// boundaries to straddle reads.
type chunkReader struct {
	data []byte
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.n
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecoderAssemblesSplitReads(t *testing.T) {
	wire := `{"jsonrpc":"2.0","id":1,"method":"echo","params":"x"}` +
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"pct":50}}`

	dec := NewDecoder(&chunkReader{data: []byte(wire), n: 3})

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if first.Kind() != KindRequest || first.Method != "echo" {
		t.Errorf("unexpected first message: %+v", first)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if second.Kind() != KindNotification {
		t.Errorf("expected notification, got %v", second.Kind())
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecoderTruncatedStream(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"jsonrpc":"2.0","id":1,"met`))
	if _, err := dec.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF for truncated message, got %v", err)
	}
}

func TestDecoderMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"not json", `this is not json at all`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"echo"}`},
		{"missing version", `{"id":1,"method":"echo"}`},
		{"invalid shape", `{"jsonrpc":"2.0","id":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.wire))
			if _, err := dec.Next(); !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestDecodeBytesMalformed(t *testing.T) {
	if _, err := DecodeBytes([]byte(`{`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for truncated body, got %v", err)
	}
	if _, err := DecodeBytes([]byte(`{"jsonrpc":"2.0"}`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for empty envelope, got %v", err)
	}
}

func TestRoundTripIdempotence(t *testing.T) {
	wires := []string{
		`{"jsonrpc":"2.0","id":7,"method":"search","params":{"query":"go","limit":10}}`,
		`{"jsonrpc":"2.0","id":"req-1","result":{"items":[1,2,3]}}`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"pct":99}}`,
		`{"jsonrpc":"2.0","id":3,"error":{"code":-32004,"message":"deadline exceeded"}}`,
	}

	for _, wire := range wires {
		m, err := DecodeBytes([]byte(wire))
		if err != nil {
			t.Fatalf("decode %s: %v", wire, err)
		}

		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		again, err := DecodeBytes(encoded)
		if err != nil {
			t.Fatalf("re-decode: %v", err)
		}

		if again.Method != m.Method {
			t.Errorf("method changed: %q != %q", again.Method, m.Method)
		}
		if m.hasID() && !m.CorrelatesWith(again) {
			t.Errorf("correlation id changed: %s != %s", m.ID, again.ID)
		}
		if !jsonEqual(t, m.Params, again.Params) {
			t.Errorf("params changed: %s != %s", m.Params, again.Params)
		}
		if !jsonEqual(t, m.Result, again.Result) {
			t.Errorf("result changed: %s != %s", m.Result, again.Result)
		}
	}
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("unmarshal %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	ja, _ := json.Marshal(av)
	jb, _ := json.Marshal(bv)
	return string(ja) == string(jb)
}
