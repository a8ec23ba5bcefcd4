// ABOUTME: Session state for one logical client conversation.
// ABOUTME: Tracks identity, activity, negotiated transport mode, and the bound channel.

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/miiwins/archon/internal/protocol"
)

// Channel contract errors. Implementations return these so callers can tell
// a dead channel from one that is merely out of capacity.
var (
	// ErrChannelClosed means the channel was closed with its session.
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelFull means the channel's outbound queue is at capacity.
	ErrChannelFull = errors.New("channel queue full")
)

// Mode is the transport mode negotiated for a session.
type Mode int

const (
	// ModeStreaming is a persistent duplex channel capable of carrying
	// server-initiated notifications at arbitrary times.
	ModeStreaming Mode = iota
	// ModeFallback is a strict one-shot request/response exchange with no
	// push capability.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Channel is the outbound message channel bound to a session, implemented by
// the stream multiplexer. Close is idempotent.
type Channel interface {
	Enqueue(m *protocol.Message) error
	Close()
}

// Session is a resumable conversation identified by an opaque id. It is owned
// exclusively by the Store; multiplexers and the dispatcher hold references.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	mode         Mode
	channel      Channel
}

// Touch updates the last-activity timestamp. Called on every inbound or
// outbound message.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent message on this session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Mode returns the negotiated transport mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetChannel binds the outbound channel for this session. Only streaming
// sessions carry one.
func (s *Session) SetChannel(ch Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

// Channel returns the bound outbound channel, or nil for fallback sessions.
func (s *Session) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}
