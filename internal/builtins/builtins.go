// ABOUTME: Built-in RPC methods every archon server exposes.
// ABOUTME: Covers liveness, introspection, and a push-channel clock feed.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/miiwins/archon/internal/dispatch"
	"github.com/miiwins/archon/internal/ledger"
	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/server"
)

const (
	minClockInterval = time.Second
	maxClockInterval = time.Hour
)

// Register wires the built-in methods onto srv. The ledger is optional; the
// introspection methods report an error when no ledger is configured.
func Register(srv *server.Server, led *ledger.Ledger, logger *slog.Logger) {
	b := &handlers{srv: srv, ledger: led, logger: logger.With("component", "builtins")}

	srv.Register("ping", b.Ping)
	srv.Register("server/describe", b.Describe)
	srv.Register("session/events", b.SessionEvents)
	srv.Register("session/calls", b.SessionCalls)
	srv.RegisterPush("clock/subscribe", b.ClockSubscribe)
}

type handlers struct {
	srv    *server.Server
	ledger *ledger.Ledger
	logger *slog.Logger
}

// Ping answers with the server's current time.
func (b *handlers) Ping(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// Describe reports the server's identity and transport capabilities.
func (b *handlers) Describe(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"name":             "archon-mcp",
		"version":          server.Version,
		"protocolVersions": server.SupportedProtocolVersions(),
		"modes":            []string{"streaming", "fallback"},
	})
}

type historyParams struct {
	Limit int `json:"limit"`
}

// SessionEvents returns the caller's own session lifecycle history.
func (b *handlers) SessionEvents(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if b.ledger == nil {
		return nil, &protocol.Error{Code: protocol.CodeHandlerError, Message: "no ledger configured"}
	}

	var p historyParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	events, err := b.ledger.SessionEvents(ctx, dispatch.SessionIDFromContext(ctx), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	return json.Marshal(map[string]any{"events": events})
}

// SessionCalls returns the caller's own call history.
func (b *handlers) SessionCalls(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if b.ledger == nil {
		return nil, &protocol.Error{Code: protocol.CodeHandlerError, Message: "no ledger configured"}
	}

	var p historyParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	calls, err := b.ledger.Calls(ctx, dispatch.SessionIDFromContext(ctx), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	return json.Marshal(map[string]any{"calls": calls})
}

type clockParams struct {
	Interval string `json:"interval"`
}

// ClockSubscribe starts a tick feed on the caller's push channel. The feed
// stops on its own when the session goes away.
func (b *handlers) ClockSubscribe(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	interval := 30 * time.Second
	if len(params) > 0 {
		var p clockParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Interval != "" {
			d, err := time.ParseDuration(p.Interval)
			if err != nil {
				return nil, fmt.Errorf("invalid interval: %w", err)
			}
			if d < minClockInterval || d > maxClockInterval {
				return nil, fmt.Errorf("interval must be between %s and %s", minClockInterval, maxClockInterval)
			}
			interval = d
		}
	}

	sessionID := dispatch.SessionIDFromContext(ctx)
	go b.runClock(sessionID, interval)

	return json.Marshal(map[string]any{
		"subscribed": true,
		"interval":   interval.String(),
	})
}

func (b *handlers) runClock(sessionID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for now := range ticker.C {
		payload, err := json.Marshal(map[string]string{"time": now.UTC().Format(time.RFC3339)})
		if err != nil {
			return
		}
		if err := b.srv.Notify(sessionID, "clock/tick", payload); err != nil {
			// Session expired or was terminated.
			b.logger.Debug("stopping clock feed", "session_id", sessionID, "reason", err)
			return
		}
	}
}
