// ABOUTME: Per-session multiplexer serializing outbound messages onto one channel.
// ABOUTME: Single-writer discipline: producers enqueue, one writer drains in order.

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/session"
)

// Mux errors. Enqueue failures use the session package's channel contract
// sentinels so the dispatcher can distinguish a full queue from a dead one.
var (
	// ErrStreamBusy means another connection already holds the session's
	// write side. A session may be resumed by a new connection only after the
	// previous stream has closed.
	ErrStreamBusy = errors.New("stream already attached")
	// ErrClosed means the session was destroyed and the mux rejects traffic.
	ErrClosed = session.ErrChannelClosed
	// ErrQueueFull means the outbound queue is at capacity.
	ErrQueueFull = session.ErrChannelFull
)

// Defaults, overridable via Config.
const (
	DefaultQueueSize         = 64
	DefaultRetryIntervalMs   = 3000
	DefaultKeepaliveInterval = 25 * time.Second
)

// Config configures a Mux.
type Config struct {
	SessionID string
	QueueSize int
	// RetryIntervalMs is the SSE reconnect hint sent when a channel attaches.
	RetryIntervalMs int
	// KeepaliveInterval is how often an SSE comment is written on an idle
	// stream so intermediary proxies do not tear it down. Zero disables it.
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
}

// Mux interleaves a session's outbound responses and notifications onto the
// single underlying channel. Producers from any goroutine call Enqueue; their
// arrival order is the delivery order. Only one writer at a time drains the
// queue onto an attached connection, so partial frames never interleave.
//
// The queue outlives individual connections: messages enqueued while no
// channel is attached wait for the next Attach. Messages still queued when an
// attached channel fails are discarded; the session itself stays resumable.
type Mux struct {
	sessionID string
	logger    *slog.Logger
	retryMs   int
	keepalive time.Duration

	mu       sync.Mutex
	attached bool
	closed   bool

	queue     chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a multiplexer for one session.
func New(cfg Config) *Mux {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RetryIntervalMs <= 0 {
		cfg.RetryIntervalMs = DefaultRetryIntervalMs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Mux{
		sessionID: cfg.SessionID,
		logger:    logger.With("component", "stream-mux", "session_id", cfg.SessionID),
		retryMs:   cfg.RetryIntervalMs,
		keepalive: cfg.KeepaliveInterval,
		queue:     make(chan *protocol.Message, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

// Enqueue adds an outbound message to the session's queue. It never blocks:
// a full queue fails with ErrQueueFull rather than stalling the caller.
func (m *Mux) Enqueue(msg *protocol.Message) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case m.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Attach binds w as the session's active channel and drains the queue onto it
// until ctx is cancelled, a write fails, or the mux is closed. While one
// connection is attached any further Attach fails with ErrStreamBusy.
//
// A nil return means the mux was closed (session destroyed); any other return
// leaves the session detached and eligible for resume.
func (m *Mux) Attach(ctx context.Context, w *protocol.SSEWriter) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.attached:
		m.mu.Unlock()
		return ErrStreamBusy
	}
	m.attached = true
	m.mu.Unlock()

	defer m.detach()

	if err := w.WriteRetry(m.retryMs); err != nil {
		return err
	}

	var keepalive *time.Ticker
	var tick <-chan time.Time
	if m.keepalive > 0 {
		keepalive = time.NewTicker(m.keepalive)
		tick = keepalive.C
		defer keepalive.Stop()
	}

	for {
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := w.WriteComment("keepalive"); err != nil {
				return err
			}
		case msg := <-m.queue:
			if err := w.WriteMessage(msg); err != nil {
				return err
			}
		}
	}
}

// Attached reports whether a connection currently holds the write side.
func (m *Mux) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// Close terminates the mux for good: the writer stops, queued messages are
// discarded, and further enqueues fail. Called when the session is destroyed.
func (m *Mux) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.discard()
}

// detach releases the write side after a connection ends. Messages still
// queued at that moment are discarded; later enqueues wait for a new Attach.
func (m *Mux) detach() {
	m.mu.Lock()
	m.attached = false
	m.mu.Unlock()

	if n := m.discard(); n > 0 {
		m.logger.Debug("discarded queued messages on detach", "count", n)
	}
}

func (m *Mux) discard() int {
	n := 0
	for {
		select {
		case <-m.queue:
			n++
		default:
			return n
		}
	}
}
