// ABOUTME: Transport mode negotiation for incoming handshakes.
// ABOUTME: Pure decision logic over handshake metadata, testable without a network stack.

package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/session"
)

// Headers used by the transport.
const (
	HeaderSessionID       = protocol.HeaderSessionID
	HeaderProtocolVersion = protocol.HeaderProtocolVersion
)

// Supported protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// SupportedProtocolVersions lists the protocol revisions this server accepts,
// oldest first.
func SupportedProtocolVersions() []string {
	versions := make([]string, 0, len(supportedProtocolVersions))
	for v := range supportedProtocolVersions {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// DefaultHandshakeDeadline bounds negotiation when no deadline is configured.
const DefaultHandshakeDeadline = 5 * time.Second

// Negotiation errors
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownMode        = errors.New("unknown transport mode")
)

// Offer is the handshake metadata a connecting client presents.
type Offer struct {
	// ProtocolVersion is the HeaderProtocolVersion value; empty means the
	// client takes whatever the server speaks.
	ProtocolVersion string
	// Accept is the HTTP Accept header of the initialize request.
	Accept string
	// RequestedMode is the optional "mode" field of the initialize params:
	// "streaming", "fallback", or empty for no preference.
	RequestedMode string
}

// Decision is the outcome of a successful negotiation.
type Decision struct {
	Mode            session.Mode
	ProtocolVersion string
}

// acceptsEventStream reports whether the Accept header admits an SSE channel.
func acceptsEventStream(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(part)
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = strings.TrimSpace(mediaType[:i])
		}
		switch mediaType {
		case "text/event-stream", "text/*", "*/*":
			return true
		}
	}
	return false
}

// Negotiate decides the transport mode for an offer. Streaming is preferred
// whenever the client can hold an SSE channel; a client that cannot, or that
// asks for fallback, gets fallback. An explicit streaming request from a
// client whose Accept header rules out event streams is downgraded to
// fallback rather than accepted on faith — the negotiated mode is echoed in
// the initialize result so the client learns what it got.
func Negotiate(offer Offer, defaultMode session.Mode) (Decision, error) {
	if offer.ProtocolVersion != "" && !supportedProtocolVersions[offer.ProtocolVersion] {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, offer.ProtocolVersion)
	}
	version := offer.ProtocolVersion
	if version == "" {
		version = latestProtocolVersion
	}

	duplex := offer.Accept == "" || acceptsEventStream(offer.Accept)

	var mode session.Mode
	switch offer.RequestedMode {
	case "fallback":
		mode = session.ModeFallback
	case "streaming":
		if duplex {
			mode = session.ModeStreaming
		} else {
			mode = session.ModeFallback
		}
	case "":
		if offer.Accept == "" {
			mode = defaultMode
		} else if duplex {
			mode = session.ModeStreaming
		} else {
			mode = session.ModeFallback
		}
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownMode, offer.RequestedMode)
	}

	return Decision{Mode: mode, ProtocolVersion: version}, nil
}
