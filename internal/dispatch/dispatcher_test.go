// ABOUTME: Tests for the dispatcher including correlation, timeout, and cancellation.
// ABOUTME: Validates the exactly-one-response invariant and non-blocking submission.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/session"
	"github.com/miiwins/archon/internal/stream"
)

// sinkChannel implements session.Channel, collecting enqueued messages.
type sinkChannel struct {
	mu       sync.Mutex
	messages []*protocol.Message
	closed   bool
}

func (c *sinkChannel) Enqueue(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.messages = append(c.messages, m)
	return nil
}

func (c *sinkChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *sinkChannel) snapshot() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func setupDispatcherTest(t *testing.T, deadline time.Duration) (*Dispatcher, *session.Store) {
	t.Helper()
	d := New(Config{
		Deadline: deadline,
		Logger:   slog.Default(),
	})
	store := session.NewStore(session.StoreConfig{Logger: slog.Default()})
	t.Cleanup(func() {
		store.Close()
		d.Close()
	})
	return d, store
}

func echoHandler(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

func request(id, method, params string) *protocol.Message {
	var p json.RawMessage
	if params != "" {
		p = json.RawMessage(params)
	}
	return protocol.NewRequest(json.RawMessage(id), method, p)
}

func awaitReply(t *testing.T, reply <-chan *protocol.Message, within time.Duration) *protocol.Message {
	t.Helper()
	select {
	case resp := <-reply:
		return resp
	case <-time.After(within):
		t.Fatal("no response within deadline")
		return nil
	}
}

func TestSubmitFallback(t *testing.T) {
	t.Run("echo yields exactly one correlated response", func(t *testing.T) {
		d, store := setupDispatcherTest(t, time.Second)
		d.Register("echo", echoHandler)

		sess := store.Create(session.ModeFallback)
		req := request(`1`, "echo", `"x"`)

		reply, err := d.Submit(sess, req)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		resp := awaitReply(t, reply, time.Second)
		if !req.CorrelatesWith(resp) {
			t.Errorf("response id %s does not correlate with request id 1", resp.ID)
		}
		if string(resp.Result) != `"x"` {
			t.Errorf("expected result \"x\", got %s", resp.Result)
		}

		// Never more than one.
		select {
		case extra := <-reply:
			t.Errorf("unexpected second response: %+v", extra)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("unknown method yields MethodNotFound, not a hang", func(t *testing.T) {
		d, store := setupDispatcherTest(t, time.Second)

		sess := store.Create(session.ModeFallback)
		reply, err := d.Submit(sess, request(`2`, "no-such-method", ""))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		resp := awaitReply(t, reply, time.Second)
		if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
			t.Errorf("expected MethodNotFound error, got %+v", resp.Error)
		}
	})

	t.Run("handler error becomes structured error response", func(t *testing.T) {
		d, store := setupDispatcherTest(t, time.Second)
		d.Register("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("backend unavailable")
		})
		d.Register("typed", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "bad params"}
		})

		sess := store.Create(session.ModeFallback)

		reply, err := d.Submit(sess, request(`3`, "fail", ""))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		resp := awaitReply(t, reply, time.Second)
		if resp.Error == nil || resp.Error.Code != protocol.CodeHandlerError {
			t.Errorf("expected HandlerError, got %+v", resp.Error)
		}

		reply, err = d.Submit(sess, request(`4`, "typed", ""))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		resp = awaitReply(t, reply, time.Second)
		if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
			t.Errorf("expected handler's typed code to pass through, got %+v", resp.Error)
		}
	})
}

func TestSubmitStreaming(t *testing.T) {
	t.Run("response is enqueued on the session channel", func(t *testing.T) {
		d, store := setupDispatcherTest(t, time.Second)
		d.Register("echo", echoHandler)

		sess := store.Create(session.ModeStreaming)
		sink := &sinkChannel{}
		sess.SetChannel(sink)

		reply, err := d.Submit(sess, request(`1`, "echo", `{"a":1}`))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if reply != nil {
			t.Error("streaming submit should not return a reply channel")
		}

		deadline := time.After(time.Second)
		for len(sink.snapshot()) == 0 {
			select {
			case <-deadline:
				t.Fatal("response never reached the channel")
			case <-time.After(5 * time.Millisecond):
			}
		}

		resp := sink.snapshot()[0]
		if protocol.CanonicalID(resp.ID) != "1" {
			t.Errorf("unexpected response id %s", resp.ID)
		}
	})
}

func TestOverflowAbandonsSession(t *testing.T) {
	// A response that cannot be enqueued must not be silently dropped on a
	// live session: the overflow hook destroys the session so its callers get
	// abandonment semantics instead of waiting forever.
	store := session.NewStore(session.StoreConfig{Logger: slog.Default()})
	d := New(Config{
		Deadline: time.Second,
		Logger:   slog.Default(),
		OnOverflow: func(sess *session.Session) {
			store.Destroy(sess.ID, session.ReasonOverflow)
		},
	})
	t.Cleanup(func() {
		store.Close()
		d.Close()
	})
	d.Register("echo", echoHandler)

	sess := store.Create(session.ModeStreaming)
	mux := stream.New(stream.Config{QueueSize: 1, Logger: slog.Default()})
	sess.SetChannel(mux)

	// No reader attached: the first response fills the one-slot queue, the
	// second overflows.
	if _, err := d.Submit(sess, request(`1`, "echo", `"a"`)); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := d.Submit(sess, request(`2`, "echo", `"b"`)); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := store.Resume(sess.ID); errors.Is(err, session.ErrSessionNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session survived an outbound queue overflow")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPerCallDeadline(t *testing.T) {
	// Handler latency far exceeds the configured deadline; the Timeout error
	// must fire at the deadline, not when the handler finishes.
	d, store := setupDispatcherTest(t, 100*time.Millisecond)

	handlerDone := make(chan struct{})
	d.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		defer close(handlerDone)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return json.RawMessage(`"late"`), nil
	})

	sess := store.Create(session.ModeFallback)
	start := time.Now()
	reply, err := d.Submit(sess, request(`1`, "slow", ""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp := awaitReply(t, reply, time.Second)
	elapsed := time.Since(start)

	if resp.Error == nil || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("expected Timeout error, got %+v", resp.Error)
	}
	if elapsed < 80*time.Millisecond || elapsed > 800*time.Millisecond {
		t.Errorf("timeout fired at %v, expected ~100ms", elapsed)
	}

	// The abandoned handler finishes in the background; its late result is
	// discarded and the pending table drains.
	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("expected no pending calls, got %d", n)
	}
}

func TestDuplicateRequests(t *testing.T) {
	d, store := setupDispatcherTest(t, time.Second)

	release := make(chan struct{})
	d.Register("wait", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`"done"`), nil
	})

	sess := store.Create(session.ModeFallback)

	reply, err := d.Submit(sess, request(`7`, "wait", ""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Same id while in flight.
	if _, err := d.Submit(sess, request(`7`, "wait", "")); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest for in-flight id, got %v", err)
	}

	close(release)
	awaitReply(t, reply, time.Second)

	// Same id after completion, within the replay window.
	if _, err := d.Submit(sess, request(`7`, "wait", "")); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest for replayed id, got %v", err)
	}

	// A different session may reuse the same correlation id freely.
	other := store.Create(session.ModeFallback)
	if _, err := d.Submit(other, request(`7`, "wait", "")); err != nil {
		t.Errorf("correlation ids are session-scoped, got %v", err)
	}
}

func TestCancelSession(t *testing.T) {
	d, store := setupDispatcherTest(t, 10*time.Second)

	d.Register("hang", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sess := store.Create(session.ModeFallback)
	reply, err := d.Submit(sess, request(`1`, "hang", ""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	d.CancelSession(sess.ID)

	resp := awaitReply(t, reply, time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeSessionExpired {
		t.Errorf("expected SessionExpired release, got %+v", resp.Error)
	}
}

func TestConcurrentCallsDoNotBlockEachOther(t *testing.T) {
	d, store := setupDispatcherTest(t, 5*time.Second)

	d.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return json.RawMessage(`"slow"`), nil
	})
	d.Register("fast", echoHandler)

	sess := store.Create(session.ModeFallback)

	if _, err := d.Submit(sess, request(`1`, "slow", "")); err != nil {
		t.Fatalf("submit slow: %v", err)
	}

	start := time.Now()
	reply, err := d.Submit(sess, request(`2`, "fast", `"hi"`))
	if err != nil {
		t.Fatalf("submit fast: %v", err)
	}
	awaitReply(t, reply, time.Second)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("fast call waited %v behind the slow one", elapsed)
	}
}

func TestNotify(t *testing.T) {
	d, store := setupDispatcherTest(t, time.Second)

	streaming := store.Create(session.ModeStreaming)
	sink := &sinkChannel{}
	streaming.SetChannel(sink)

	if err := d.Notify(streaming, "notifications/update", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msgs := sink.snapshot()
	if len(msgs) != 1 || msgs[0].Kind() != protocol.KindNotification {
		t.Errorf("expected one notification, got %+v", msgs)
	}

	fallback := store.Create(session.ModeFallback)
	if err := d.Notify(fallback, "notifications/update", nil); err == nil {
		t.Error("expected error notifying a session without a push channel")
	}
}

func TestSessionIDFromContext(t *testing.T) {
	d, store := setupDispatcherTest(t, time.Second)

	got := make(chan string, 1)
	d.Register("whoami", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		got <- SessionIDFromContext(ctx)
		return json.RawMessage(`null`), nil
	})

	sess := store.Create(session.ModeFallback)
	reply, err := d.Submit(sess, request(`1`, "whoami", ""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitReply(t, reply, time.Second)

	if id := <-got; id != sess.ID {
		t.Errorf("handler saw session id %q, want %q", id, sess.ID)
	}
}
