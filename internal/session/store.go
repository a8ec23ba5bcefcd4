// ABOUTME: Process-wide registry of active sessions with timer-driven expiry.
// ABOUTME: All mutation is mutex-guarded; a background sweep destroys idle sessions.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lookup errors. A client seeing either must restart the handshake.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// DestroyReason records why a session was removed from the store.
type DestroyReason string

const (
	ReasonExpired       DestroyReason = "expired"
	ReasonTerminated    DestroyReason = "terminated"
	ReasonProtocolError DestroyReason = "protocol_error"
	ReasonOverflow      DestroyReason = "overflow"
	ReasonShutdown      DestroyReason = "shutdown"
)

// Default timing values, overridable via StoreConfig.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
)

// StoreConfig configures a session store.
type StoreConfig struct {
	// InactivityTimeout is how long a session may sit without traffic before
	// the sweep destroys it.
	InactivityTimeout time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	Logger        *slog.Logger
	// OnDestroy is invoked after a session is removed, outside the store lock.
	// The server wires it to cancel pending calls and record ledger events.
	OnDestroy func(s *Session, reason DestroyReason)
}

// Store is the process-wide session registry. It is the only shared mutable
// structure touched by every connection; all access goes through its API.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	timeout   time.Duration
	logger    *slog.Logger
	onDestroy func(s *Session, reason DestroyReason)
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a session store and starts its background sweep.
func NewStore(cfg StoreConfig) *Store {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions:  make(map[string]*Session),
		timeout:   cfg.InactivityTimeout,
		logger:    logger.With("component", "session-store"),
		onDestroy: cfg.OnDestroy,
		done:      make(chan struct{}),
	}
	go s.sweep(cfg.SweepInterval)
	return s
}

// Create allocates a new session with a fresh unique identifier and registers
// it. Identifiers are never reused.
func (s *Store) Create(mode Mode) *Session {
	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		lastActivity: now,
		mode:         mode,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("session created", "session_id", sess.ID, "mode", mode.String())
	return sess
}

// Resume looks up an existing session and refreshes its activity timestamp.
// It returns ErrSessionNotFound for unknown ids and ErrSessionExpired for
// sessions past their inactivity window, destroying the latter.
func (s *Store) Resume(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if time.Since(sess.LastActivity()) > s.timeout {
		s.Destroy(id, ReasonExpired)
		return nil, ErrSessionExpired
	}

	sess.Touch()
	return sess, nil
}

// Touch updates the last-activity timestamp for id, if it exists.
func (s *Store) Touch(id string) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		sess.Touch()
	}
}

// Destroy removes the session, closes its bound channel, and fires the
// OnDestroy hook. It reports whether the session existed.
func (s *Store) Destroy(id string, reason DestroyReason) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if ch := sess.Channel(); ch != nil {
		ch.Close()
	}
	if s.onDestroy != nil {
		s.onDestroy(sess, reason)
	}

	s.logger.Info("session destroyed", "session_id", id, "reason", string(reason))
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the sweep and destroys every remaining session.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		ids := make([]string, 0, len(s.sessions))
		for id := range s.sessions {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		for _, id := range ids {
			s.Destroy(id, ReasonShutdown)
		}
	})
}

// sweep periodically destroys sessions whose inactivity exceeds the timeout.
// Expiry is timer-driven, not request-driven, so idle sessions are reclaimed
// even when no traffic arrives.
func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	cutoff := time.Now().Add(-s.timeout)

	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.Destroy(id, ReasonExpired)
	}
	if len(expired) > 0 {
		s.logger.Debug("sweep removed expired sessions", "count", len(expired))
	}
}
