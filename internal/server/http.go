// ABOUTME: Single RPC endpoint supporting POST (messages), GET (SSE channel), DELETE (termination).
// ABOUTME: Maps transport faults to JSON-RPC errors; a fault never takes down another session.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/miiwins/archon/internal/auth"
	"github.com/miiwins/archon/internal/ledger"
	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/session"
	"github.com/miiwins/archon/internal/stream"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// handleRPC is the single transport endpoint.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// A POST without a session header can only be the handshake. Its deadline
	// covers the whole exchange, starting before the body is read so a slow
	// client cannot hold negotiation open indefinitely.
	handshake := r.Header.Get(HeaderSessionID) == ""
	if handshake {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Now().Add(s.handshakeDeadline))
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handshakeDeadline)
		defer cancel()
		defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		if handshake && (ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded)) {
			s.sendMessage(w, protocol.NewErrorResponse(nil, protocol.CodeHandshakeTimeout, "handshake timed out"))
			return
		}
		s.sendMessage(w, protocol.NewErrorResponse(nil, protocol.CodeParseError, "failed to read request body"))
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendMessage(w, protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, "request body too large"))
		return
	}

	msg, err := protocol.DecodeBytes(body)
	if err != nil {
		s.faultSession(w, r, err)
		return
	}

	// Validate protocol version header when the client sends one.
	if v := r.Header.Get(HeaderProtocolVersion); v != "" && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported "+HeaderProtocolVersion, http.StatusBadRequest)
		return
	}

	switch msg.Kind() {
	case protocol.KindRequest:
		if msg.Method == "initialize" {
			s.handleInitialize(ctx, w, r, msg)
			return
		}
		s.handleRequest(w, r, msg)
	case protocol.KindNotification:
		s.handleNotification(w, r, msg)
	case protocol.KindResponse:
		// The server never issues client-bound requests over POST, so a
		// response here has nothing to correlate with. Acknowledge and drop.
		s.logger.Debug("dropping uncorrelated response", "id", protocol.CanonicalID(msg.ID))
		w.WriteHeader(http.StatusAccepted)
	default:
		s.faultSession(w, r, protocol.ErrProtocol)
	}
}

// faultSession handles a malformed POST body. The offending session — and
// only that session — is terminated; the client gets a ProtocolError.
func (s *Server) faultSession(w http.ResponseWriter, r *http.Request, cause error) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID != "" && s.sessions.Destroy(sessionID, session.ReasonProtocolError) {
		s.logger.Warn("malformed message terminated session",
			"session_id", sessionID,
			"error", cause,
		)
	}
	s.sendMessage(w, protocol.NewErrorResponse(nil, protocol.CodeProtocolError, "malformed message"))
}

// handleInitialize performs the handshake: negotiates the transport mode,
// creates the session, and returns the session id in the response header.
// ctx carries the handshake deadline started by handlePost before body read.
func (s *Server) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *protocol.Message) {
	if s.verifier != nil {
		if err := s.checkHandshakeAuth(r); err != nil {
			s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, err.Error()))
			return
		}
	}

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		Mode            string `json:"mode"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "invalid initialize params"))
			return
		}
	}

	version := params.ProtocolVersion
	if version == "" {
		version = r.Header.Get(HeaderProtocolVersion)
	}

	decision, err := Negotiate(Offer{
		ProtocolVersion: version,
		Accept:          r.Header.Get("Accept"),
		RequestedMode:   params.Mode,
	}, s.defaultMode)
	if err != nil {
		s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, err.Error()))
		return
	}

	sess := s.sessions.Create(decision.Mode)
	if decision.Mode == session.ModeStreaming {
		sess.SetChannel(stream.New(stream.Config{
			SessionID: sess.ID,
			QueueSize: s.queueSize,
			Logger:    s.logger,
		}))
	}

	s.recordSessionEvent(ctx, sess, ledger.SessionEventCreated, nil)

	if ctx.Err() != nil {
		// Negotiation overran its deadline; the client never learns the
		// session id, so the session must not linger.
		s.sessions.Destroy(sess.ID, session.ReasonTerminated)
		s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeHandshakeTimeout, "handshake timed out"))
		return
	}

	s.logger.Info("session created",
		"session_id", sess.ID,
		"mode", decision.Mode.String(),
		"protocol_version", decision.ProtocolVersion,
	)

	result, err := json.Marshal(map[string]any{
		"protocolVersion": decision.ProtocolVersion,
		"mode":            decision.Mode.String(),
		"serverInfo": map[string]any{
			"name":    "archon-mcp",
			"version": Version,
		},
	})
	if err != nil {
		s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, "encoding initialize result"))
		return
	}

	w.Header().Set(HeaderSessionID, sess.ID)
	s.sendMessage(w, protocol.NewResponse(msg.ID, result))
}

// checkHandshakeAuth enforces the bearer-token gate on initialize. The auth
// middleware already verified the token; an anonymous context means it was
// missing, malformed, or failed verification.
func (s *Server) checkHandshakeAuth(r *http.Request) error {
	if auth.FromContext(r.Context()) == nil {
		return errors.New("authentication required")
	}
	return nil
}

// handleRequest dispatches a non-initialize request on an existing session.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, msg *protocol.Message) {
	sess, ok := s.resumeFor(w, r, msg)
	if !ok {
		return
	}

	// A fallback connection has no channel to carry server push; the client
	// must upgrade rather than wait for messages that can never arrive.
	if sess.Mode() == session.ModeFallback && s.dispatcher.RequiresPush(msg.Method) {
		s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeUpgradeRequired,
			"method requires a streaming connection"))
		return
	}

	reply, err := s.dispatcher.Submit(sess, msg)
	if err != nil {
		s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, err.Error()))
		return
	}

	if reply == nil {
		// Streaming session: the response is delivered on the GET channel.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	select {
	case resp := <-reply:
		s.sendMessage(w, resp)
	case <-r.Context().Done():
		// Client went away; the dispatcher still completes the call and the
		// replay guard suppresses a retransmit.
	}
}

// handleNotification accepts a client notification with HTTP 202.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request, msg *protocol.Message) {
	if _, ok := s.resumeFor(w, r, msg); !ok {
		return
	}

	if strings.HasPrefix(msg.Method, "notifications/") {
		s.logger.Debug("accepted notification", "method", msg.Method)
	} else {
		s.logger.Warn("received notification for non-notification method", "method", msg.Method)
	}
	w.WriteHeader(http.StatusAccepted)
}

// resumeFor resolves the session named by the request header, writing the
// appropriate failure to w when it cannot.
func (s *Server) resumeFor(w http.ResponseWriter, r *http.Request, msg *protocol.Message) (*session.Session, bool) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing "+HeaderSessionID, http.StatusBadRequest)
		return nil, false
	}

	sess, err := s.sessions.Resume(sessionID)
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		s.sendMessage(w, protocol.NewErrorResponse(msg.ID, protocol.CodeSessionExpired, "session expired"))
		return nil, false
	case errors.Is(err, session.ErrSessionNotFound):
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil, false
	case err != nil:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

// handleGet binds the caller as the session's SSE channel and streams queued
// messages until the client disconnects or the session dies.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resumeFor(w, r, &protocol.Message{})
	if !ok {
		return
	}

	mux, ok := sess.Channel().(*stream.Mux)
	if !ok || sess.Mode() != session.ModeStreaming {
		http.Error(w, "Conflict: session does not carry a streaming channel", http.StatusConflict)
		return
	}
	if mux.Attached() {
		http.Error(w, "Conflict: stream already attached", http.StatusConflict)
		return
	}

	sw, err := protocol.NewSSEWriter(w)
	if err != nil {
		http.Error(w, "streaming unsupported by connection", http.StatusNotAcceptable)
		return
	}

	s.recordSessionEvent(r.Context(), sess, ledger.SessionEventResumed, nil)
	s.logger.Debug("stream attached", "session_id", sess.ID)

	err = mux.Attach(r.Context(), sw)
	switch {
	case err == nil:
		// Session destroyed while streaming; the channel close already
		// flushed everything that will ever be sent.
	case errors.Is(err, stream.ErrStreamBusy):
		// Lost a race with another GET after the Attached check; that
		// connection owns the channel now. The SSE writer has not committed
		// any headers yet, so a real Conflict status can still go out.
		http.Error(w, "Conflict: stream already attached", http.StatusConflict)
	default:
		// Client disconnect: the session detaches but survives for resume
		// within its inactivity window.
		detail := "transport closed"
		s.recordSessionEvent(context.Background(), sess, ledger.SessionEventDetached, &detail)
		s.logger.Debug("stream detached", "session_id", sess.ID, "reason", err)
	}
}

// handleDelete terminates a session explicitly.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing "+HeaderSessionID, http.StatusBadRequest)
		return
	}

	if !s.sessions.Destroy(sessionID, session.ReasonTerminated) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	s.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// sendMessage writes a protocol message as the HTTP response body.
func (s *Server) sendMessage(w http.ResponseWriter, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Warn("failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
