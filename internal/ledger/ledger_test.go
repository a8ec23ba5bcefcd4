// ABOUTME: Tests for the SQLite ledger
// ABOUTME: Covers schema creation, event and call persistence, and ordering

package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	l, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	l, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestRecordAndQuerySessionEvents(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	events := []*SessionEvent{
		{SessionID: "sess-1", Event: SessionEventCreated, Mode: "streaming", Timestamp: base},
		{SessionID: "sess-1", Event: SessionEventResumed, Mode: "streaming", Timestamp: base.Add(time.Second)},
		{SessionID: "sess-1", Event: SessionEventExpired, Mode: "streaming", Timestamp: base.Add(2 * time.Second)},
		{SessionID: "sess-2", Event: SessionEventCreated, Mode: "fallback", Timestamp: base},
	}

	for _, e := range events {
		if err := l.RecordSessionEvent(ctx, e); err != nil {
			t.Fatalf("RecordSessionEvent failed: %v", err)
		}
		if e.ID == "" {
			t.Error("RecordSessionEvent did not assign an event ID")
		}
	}

	got, err := l.SessionEvents(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}

	wantOrder := []SessionEventType{SessionEventCreated, SessionEventResumed, SessionEventExpired}
	for i, e := range got {
		if e.Event != wantOrder[i] {
			t.Errorf("event[%d] = %q, want %q", i, e.Event, wantOrder[i])
		}
		if e.SessionID != "sess-1" {
			t.Errorf("event[%d] session = %q, want sess-1", i, e.SessionID)
		}
	}
}

func TestSessionEventDetail(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	detail := "malformed payload"
	err := l.RecordSessionEvent(ctx, &SessionEvent{
		SessionID: "sess-err",
		Event:     SessionEventErrored,
		Mode:      "streaming",
		Detail:    &detail,
	})
	if err != nil {
		t.Fatalf("RecordSessionEvent failed: %v", err)
	}

	got, err := l.SessionEvents(ctx, "sess-err", 10)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Detail == nil || *got[0].Detail != detail {
		t.Errorf("detail = %v, want %q", got[0].Detail, detail)
	}
}

func TestRecordAndQueryCalls(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	calls := []*CallRecord{
		{SessionID: "sess-1", RequestID: "1", Method: "echo", Outcome: "ok", Duration: 12 * time.Millisecond, Timestamp: base},
		{SessionID: "sess-1", RequestID: "2", Method: "slow", Outcome: "timeout", Duration: 30 * time.Second, Timestamp: base.Add(time.Second)},
		{SessionID: "sess-2", RequestID: "1", Method: "echo", Outcome: "ok", Duration: 5 * time.Millisecond, Timestamp: base},
	}

	for _, c := range calls {
		if err := l.RecordCall(ctx, c); err != nil {
			t.Fatalf("RecordCall failed: %v", err)
		}
	}

	got, err := l.Calls(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("Calls failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d calls, want 2", len(got))
	}
	if got[0].Method != "echo" || got[0].Outcome != "ok" {
		t.Errorf("call[0] = %s/%s, want echo/ok", got[0].Method, got[0].Outcome)
	}
	if got[1].Method != "slow" || got[1].Outcome != "timeout" {
		t.Errorf("call[1] = %s/%s, want slow/timeout", got[1].Method, got[1].Outcome)
	}
	if got[0].Duration != 12*time.Millisecond {
		t.Errorf("call[0] duration = %v, want 12ms", got[0].Duration)
	}
}

func TestQueryEmptySession(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	events, err := l.SessionEvents(ctx, "nope", 10)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for unknown session, want 0", len(events))
	}

	calls, err := l.Calls(ctx, "nope", 10)
	if err != nil {
		t.Fatalf("Calls failed: %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("got %d calls for unknown session, want 0", len(calls))
	}
}
