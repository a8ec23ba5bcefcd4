// ABOUTME: SQLite-backed ledger of session lifecycle events and completed calls
// ABOUTME: Provides append and query operations with automatic schema creation

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SessionEventType categorizes a session lifecycle event
type SessionEventType string

const (
	SessionEventCreated    SessionEventType = "created"
	SessionEventResumed    SessionEventType = "resumed"
	SessionEventDetached   SessionEventType = "detached"
	SessionEventExpired    SessionEventType = "expired"
	SessionEventTerminated SessionEventType = "terminated"
	SessionEventErrored    SessionEventType = "errored"
)

// SessionEvent is one row in the session lifecycle trail
type SessionEvent struct {
	ID        string
	SessionID string
	Event     SessionEventType
	Mode      string // "streaming" or "fallback"
	Detail    *string
	Timestamp time.Time
}

// CallRecord is the outcome of one completed request/response exchange
type CallRecord struct {
	ID        string
	SessionID string
	RequestID string
	Method    string
	Outcome   string // "ok" or an error code name
	Duration  time.Duration
	Timestamp time.Time
}

// Ledger persists transport activity to SQLite
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the ledger database at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func New(path string) (*Ledger, error) {
	logger := slog.Default().With("component", "ledger")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger initialized", "path", path)
	return l, nil
}

// createSchema creates the database tables if they don't exist
func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event TEXT NOT NULL,
			mode TEXT NOT NULL,
			detail TEXT,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_session
			ON session_events(session_id, timestamp);

		CREATE TABLE IF NOT EXISTS calls (
			call_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_calls_session
			ON calls(session_id, timestamp);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// RecordSessionEvent appends one session lifecycle event.
// A zero ID or Timestamp is filled in.
func (l *Ledger) RecordSessionEvent(ctx context.Context, event *SessionEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO session_events (event_id, session_id, event, mode, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		string(event.Event),
		event.Mode,
		event.Detail,
		event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}

	l.logger.Debug("recorded session event",
		"session_id", event.SessionID,
		"event", event.Event,
	)
	return nil
}

// RecordCall appends the outcome of one completed call.
// A zero ID or Timestamp is filled in.
func (l *Ledger) RecordCall(ctx context.Context, call *CallRecord) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO calls (call_id, session_id, request_id, method, outcome, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		call.ID,
		call.SessionID,
		call.RequestID,
		call.Method,
		call.Outcome,
		call.Duration.Milliseconds(),
		call.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	l.logger.Debug("recorded call",
		"session_id", call.SessionID,
		"method", call.Method,
		"outcome", call.Outcome,
	)
	return nil
}

// SessionEvents retrieves the lifecycle trail for a session, oldest first
func (l *Ledger) SessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT event_id, session_id, event, mode, detail, timestamp
		FROM session_events
		WHERE session_id = ?
		ORDER BY timestamp ASC, event_id ASC
		LIMIT ?
	`

	rows, err := l.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		event := &SessionEvent{}
		var eventType, timestampStr string

		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&eventType,
			&event.Mode,
			&event.Detail,
			&timestampStr,
		); err != nil {
			return nil, fmt.Errorf("scanning session event row: %w", err)
		}

		event.Event = SessionEventType(eventType)
		event.Timestamp, err = time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session event rows: %w", err)
	}

	return events, nil
}

// Calls retrieves completed calls for a session, oldest first
func (l *Ledger) Calls(ctx context.Context, sessionID string, limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT call_id, session_id, request_id, method, outcome, duration_ms, timestamp
		FROM calls
		WHERE session_id = ?
		ORDER BY timestamp ASC, call_id ASC
		LIMIT ?
	`

	rows, err := l.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	var calls []*CallRecord
	for rows.Next() {
		call := &CallRecord{}
		var durationMs int64
		var timestampStr string

		if err := rows.Scan(
			&call.ID,
			&call.SessionID,
			&call.RequestID,
			&call.Method,
			&call.Outcome,
			&durationMs,
			&timestampStr,
		); err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}

		call.Duration = time.Duration(durationMs) * time.Millisecond
		call.Timestamp, err = time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}

	return calls, nil
}

// Close closes the underlying database
func (l *Ledger) Close() error {
	return l.db.Close()
}
