// ABOUTME: Tests for transport mode negotiation.
// ABOUTME: Pure decision table over handshake metadata.

package server

import (
	"errors"
	"testing"

	"github.com/miiwins/archon/internal/session"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name        string
		offer       Offer
		defaultMode session.Mode
		wantMode    session.Mode
		wantVersion string
		wantErr     error
	}{
		{
			name:        "explicit streaming with SSE accept",
			offer:       Offer{Accept: "text/event-stream", RequestedMode: "streaming"},
			wantMode:    session.ModeStreaming,
			wantVersion: latestProtocolVersion,
		},
		{
			name:        "explicit fallback",
			offer:       Offer{Accept: "application/json", RequestedMode: "fallback"},
			wantMode:    session.ModeFallback,
			wantVersion: latestProtocolVersion,
		},
		{
			name:     "streaming request downgraded when accept excludes event streams",
			offer:    Offer{Accept: "application/json", RequestedMode: "streaming"},
			wantMode: session.ModeFallback,
		},
		{
			name:     "no preference with SSE accept prefers streaming",
			offer:    Offer{Accept: "application/json, text/event-stream"},
			wantMode: session.ModeStreaming,
		},
		{
			name:     "no preference with wildcard accept prefers streaming",
			offer:    Offer{Accept: "*/*"},
			wantMode: session.ModeStreaming,
		},
		{
			name:     "no preference with JSON-only accept gets fallback",
			offer:    Offer{Accept: "application/json"},
			wantMode: session.ModeFallback,
		},
		{
			name:        "no preference and no accept uses the default",
			offer:       Offer{},
			defaultMode: session.ModeFallback,
			wantMode:    session.ModeFallback,
		},
		{
			name:        "supported version is echoed",
			offer:       Offer{ProtocolVersion: "2025-03-26", Accept: "text/event-stream"},
			wantMode:    session.ModeStreaming,
			wantVersion: "2025-03-26",
		},
		{
			name:    "unsupported version rejected",
			offer:   Offer{ProtocolVersion: "1999-01-01"},
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "unknown mode rejected",
			offer:   Offer{RequestedMode: "carrier-pigeon"},
			wantErr: ErrUnknownMode,
		},
		{
			name:     "accept with quality parameters",
			offer:    Offer{Accept: "text/event-stream;q=0.9, application/json;q=1.0"},
			wantMode: session.ModeStreaming,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.offer, tt.defaultMode)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Negotiate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate() error = %v", err)
			}
			if got.Mode != tt.wantMode {
				t.Errorf("mode = %v, want %v", got.Mode, tt.wantMode)
			}
			if tt.wantVersion != "" && got.ProtocolVersion != tt.wantVersion {
				t.Errorf("version = %q, want %q", got.ProtocolVersion, tt.wantVersion)
			}
		})
	}
}

func TestAcceptsEventStream(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"text/event-stream", true},
		{"application/json, text/event-stream", true},
		{"*/*", true},
		{"text/*", true},
		{"application/json", false},
		{"", false},
		{"text/event-stream;q=0.5", true},
	}

	for _, tt := range tests {
		if got := acceptsEventStream(tt.accept); got != tt.want {
			t.Errorf("acceptsEventStream(%q) = %v, want %v", tt.accept, got, tt.want)
		}
	}
}
