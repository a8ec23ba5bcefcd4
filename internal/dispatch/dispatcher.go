// ABOUTME: Routes decoded requests to registered handlers and correlates results.
// ABOUTME: Handles per-call deadlines, session cancellation, and replay rejection.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/replay"
	"github.com/miiwins/archon/internal/session"
)

// ErrDuplicateRequest indicates the correlation id is already in flight or
// recently completed on the same session.
var ErrDuplicateRequest = errors.New("duplicate request id")

// DefaultDeadline bounds a handler run when no per-call deadline is configured.
const DefaultDeadline = 30 * time.Second

// replayCapacity bounds the completed-call registry.
const replayCapacity = 100_000

// Handler is an external collaborator: a named asynchronous operation taking
// a parameter payload and returning a result payload or an error. The core
// imposes no constraint on handler internals; a handler that wants typed RPC
// error codes returns a *protocol.Error.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// registration pairs a handler with its transport requirements.
type registration struct {
	fn Handler
	// push marks methods whose semantics need a server-push channel and
	// therefore cannot run on a fallback session.
	push bool
}

// pendingCall tracks an in-flight request awaiting a handler result.
type pendingCall struct {
	key         string
	sessionID   string
	method      string
	submittedAt time.Time
	cancel      context.CancelFunc
}

// Config contains configuration options for the Dispatcher.
type Config struct {
	// Deadline is the per-call deadline applied to every handler run.
	Deadline time.Duration
	// ReplayWindow is how long completed correlation ids are remembered.
	// Zero uses the deadline so a retransmit arriving while its original
	// is still plausible gets rejected.
	ReplayWindow time.Duration
	Logger       *slog.Logger
	// OnComplete, when set, observes every terminal response. Invoked after
	// delivery, outside the dispatcher's locks.
	OnComplete func(sessionID, method string, resp *protocol.Message, elapsed time.Duration)
	// OnOverflow, when set, is invoked when a completed call's response
	// cannot be enqueued because the session's outbound queue is full. The
	// hook must kill the session: a silently dropped response on a live
	// session would leave its caller waiting forever.
	OnOverflow func(sess *session.Session)
}

// Dispatcher validates methods, runs handlers asynchronously, and feeds each
// result back to the originating session exactly once. Submitting never
// blocks on handler completion, so slow calls cannot stall the read loop of
// any session.
type Dispatcher struct {
	logger     *slog.Logger
	deadline   time.Duration
	onComplete func(sessionID, method string, resp *protocol.Message, elapsed time.Duration)
	onOverflow func(sess *session.Session)

	mu       sync.RWMutex
	handlers map[string]registration
	pending  map[string]*pendingCall

	guard *replay.Guard

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates a Dispatcher with the given configuration.
func New(cfg Config) *Dispatcher {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	window := cfg.ReplayWindow
	if window <= 0 {
		window = deadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:     logger.With("component", "dispatcher"),
		deadline:   deadline,
		onComplete: cfg.OnComplete,
		onOverflow: cfg.OnOverflow,
		handlers:   make(map[string]registration),
		pending:    make(map[string]*pendingCall),
		guard:      replay.New(window, replayCapacity),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Register adds a handler for method. Registering again replaces the previous
// handler.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	d.handlers[method] = registration{fn: h}
	d.mu.Unlock()
}

// RegisterPush adds a handler whose method requires push semantics: it may
// only be invoked on a streaming session.
func (d *Dispatcher) RegisterPush(method string, h Handler) {
	d.mu.Lock()
	d.handlers[method] = registration{fn: h, push: true}
	d.mu.Unlock()
}

// RequiresPush reports whether method needs a server-push channel.
func (d *Dispatcher) RequiresPush(method string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[method].push
}

// Submit routes req to its handler and arranges for exactly one correlated
// Response to reach the session. For a streaming session the response is
// enqueued on the session's multiplexer and the returned channel is nil; for
// a fallback session the response arrives on the returned channel.
//
// Submit returns immediately; the handler runs in its own goroutine under the
// per-call deadline. An unknown method yields a MethodNotFound response, not
// an error. ErrDuplicateRequest is returned when the correlation id is
// already in flight or recently completed.
func (d *Dispatcher) Submit(sess *session.Session, req *protocol.Message) (<-chan *protocol.Message, error) {
	key := sess.ID + "/" + protocol.CanonicalID(req.ID)

	var reply chan *protocol.Message
	if sess.Channel() == nil {
		reply = make(chan *protocol.Message, 1)
	}

	d.mu.RLock()
	reg, known := d.handlers[req.Method]
	d.mu.RUnlock()
	if !known {
		d.logger.Debug("method not found", "method", req.Method, "session_id", sess.ID)
		d.deliver(sess, protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "method not found"), reply)
		return reply, nil
	}

	if err := d.track(key, sess.ID, req.Method); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(d.rootCtx, d.deadline)
	callCtx = withSessionID(callCtx, sess.ID)

	d.mu.Lock()
	d.pending[key].cancel = cancel
	d.mu.Unlock()

	go d.run(callCtx, cancel, sess, req, reg.fn, key, reply)
	return reply, nil
}

// track registers a pending call, rejecting duplicates.
func (d *Dispatcher) track(key, sessionID, method string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, inFlight := d.pending[key]; inFlight {
		return ErrDuplicateRequest
	}
	if d.guard.Seen(key) {
		return ErrDuplicateRequest
	}

	d.pending[key] = &pendingCall{
		key:         key,
		sessionID:   sessionID,
		method:      method,
		submittedAt: time.Now(),
	}
	return nil
}

// run executes the handler and delivers the terminal response. The handler
// goroutine is decoupled through a buffered channel: a run that outlives its
// deadline finishes in the background and its result is discarded.
func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, sess *session.Session, req *protocol.Message, h Handler, key string, reply chan *protocol.Message) {
	defer cancel()

	type handlerResult struct {
		result json.RawMessage
		err    error
	}
	resultCh := make(chan handlerResult, 1)

	go func() {
		result, err := h(ctx, req.Params)
		resultCh <- handlerResult{result: result, err: err}
	}()

	var resp *protocol.Message
	select {
	case res := <-resultCh:
		resp = d.buildResponse(req, res.result, res.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("call exceeded deadline",
				"method", req.Method,
				"session_id", sess.ID,
				"deadline", d.deadline,
			)
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeTimeout, "deadline exceeded")
		} else {
			// Session destroyed or dispatcher shut down; release the caller.
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeSessionExpired, "session closed")
		}
	}

	d.mu.Lock()
	pc := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()
	d.guard.Remember(key)

	d.deliver(sess, resp, reply)

	if d.onComplete != nil && pc != nil {
		d.onComplete(sess.ID, req.Method, resp, time.Since(pc.submittedAt))
	}
}

// buildResponse wraps a handler outcome as a protocol response.
func (d *Dispatcher) buildResponse(req *protocol.Message, result json.RawMessage, err error) *protocol.Message {
	if err == nil {
		return protocol.NewResponse(req.ID, result)
	}

	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return &protocol.Message{JSONRPC: protocol.Version, ID: req.ID, Error: rpcErr}
	}

	d.logger.Warn("handler failed", "method", req.Method, "error", err)
	return protocol.NewErrorResponse(req.ID, protocol.CodeHandlerError, err.Error())
}

// deliver feeds a response to the session's multiplexer, or to the fallback
// reply channel when no channel is bound.
func (d *Dispatcher) deliver(sess *session.Session, resp *protocol.Message, reply chan *protocol.Message) {
	sess.Touch()

	if reply != nil {
		reply <- resp
		return
	}

	ch := sess.Channel()
	if ch == nil {
		d.logger.Warn("no channel to deliver response", "session_id", sess.ID)
		return
	}
	err := ch.Enqueue(resp)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrChannelFull):
		// A response may never be dropped on a live session: the caller
		// would wait forever. The overflow hook destroys the session, which
		// moves every call on it to the abandonment branch.
		d.logger.Error("outbound queue full, abandoning session",
			"session_id", sess.ID,
			"id", protocol.CanonicalID(resp.ID),
		)
		if d.onOverflow != nil {
			d.onOverflow(sess)
		}
	default:
		// ErrChannelClosed: the session died between completion and
		// delivery; the response is abandoned with it.
		d.logger.Warn("failed to enqueue response", "session_id", sess.ID, "error", err)
	}
}

// Notify enqueues a server-initiated notification for a streaming session.
func (d *Dispatcher) Notify(sess *session.Session, method string, params json.RawMessage) error {
	ch := sess.Channel()
	if ch == nil {
		return errors.New("session has no push channel")
	}
	sess.Touch()
	return ch.Enqueue(protocol.NewNotification(method, params))
}

// CancelSession cancels every pending call issued on the given session.
// Handlers that honor their context stop early; the rest finish in the
// background and have their results discarded.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.RLock()
	var cancels []context.CancelFunc
	for _, pc := range d.pending {
		if pc.sessionID == sessionID && pc.cancel != nil {
			cancels = append(cancels, pc.cancel)
		}
	}
	d.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		d.logger.Debug("cancelled pending calls", "session_id", sessionID, "count", len(cancels))
	}
}

// PendingCount returns the number of in-flight calls.
func (d *Dispatcher) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Close cancels all pending calls and stops the replay guard.
func (d *Dispatcher) Close() {
	d.rootCancel()
	d.guard.Close()
}

// ctxKey is the context key type for dispatcher-provided values.
type ctxKey int

const sessionIDKey ctxKey = iota

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session id of the call a handler is
// serving, or "" outside a handler context.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
