// ABOUTME: Server orchestrator wiring session store, dispatcher, and ledger behind HTTP.
// ABOUTME: Manages TCP or Tailscale listeners and the Run/Shutdown lifecycle.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"tailscale.com/tsnet"

	"github.com/miiwins/archon/internal/auth"
	"github.com/miiwins/archon/internal/config"
	"github.com/miiwins/archon/internal/dispatch"
	"github.com/miiwins/archon/internal/ledger"
	"github.com/miiwins/archon/internal/protocol"
	"github.com/miiwins/archon/internal/session"
	"github.com/miiwins/archon/internal/stream"
)

// DefaultEndpoint is the RPC endpoint path when none is configured.
const DefaultEndpoint = "/rpc"

// Version is reported in initialize results. Set by goreleaser at build time.
var Version = "dev"

// Config holds the collaborators and settings for a Server.
type Config struct {
	Config *config.Config
	Logger *slog.Logger
	// Verifier, when set, gates the initialize handshake behind a bearer token.
	Verifier auth.TokenVerifier
	// Ledger, when set, records session lifecycle events and call outcomes.
	Ledger *ledger.Ledger
}

// Server owns the transport: it negotiates sessions, carries their streams,
// and dispatches their calls.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	verifier auth.TokenVerifier
	ledger   *ledger.Ledger

	sessions   *session.Store
	dispatcher *dispatch.Dispatcher

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	endpoint          string
	queueSize         int
	handshakeDeadline time.Duration
	defaultMode       session.Mode

	ready atomic.Bool
}

// New creates a Server from configuration. Call Register to add handlers
// before Run.
func New(cfg Config) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Config.Server.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	defaultMode := session.ModeStreaming
	if cfg.Config.Transport.DefaultMode == "fallback" {
		defaultMode = session.ModeFallback
	}

	handshakeDeadline := cfg.Config.Transport.HandshakeDeadline
	if handshakeDeadline <= 0 {
		handshakeDeadline = DefaultHandshakeDeadline
	}

	s := &Server{
		cfg:               cfg.Config,
		logger:            logger.With("component", "server"),
		verifier:          cfg.Verifier,
		ledger:            cfg.Ledger,
		endpoint:          endpoint,
		queueSize:         cfg.Config.Transport.QueueSize,
		handshakeDeadline: handshakeDeadline,
		defaultMode:       defaultMode,
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		Deadline:     cfg.Config.Calls.DefaultDeadline,
		ReplayWindow: cfg.Config.Calls.ReplayWindow,
		Logger:       logger,
		OnComplete:   s.recordCall,
		OnOverflow:   s.onQueueOverflow,
	})

	s.sessions = session.NewStore(session.StoreConfig{
		InactivityTimeout: cfg.Config.Session.InactivityTimeout,
		SweepInterval:     cfg.Config.Session.SweepInterval,
		Logger:            logger,
		OnDestroy:         s.onSessionDestroy,
	})

	// The auth middleware attaches verified principals to request context;
	// the handshake path decides whether a principal is required.
	var rpc http.Handler = http.HandlerFunc(s.handleRPC)
	if s.verifier != nil {
		rpc = auth.Middleware(s.verifier)(rpc)
	}

	mux := http.NewServeMux()
	mux.Handle(endpoint, rpc)
	if endpoint != "/" {
		mux.Handle(endpoint+"/", rpc)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:              cfg.Config.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Register adds a handler for method.
func (s *Server) Register(method string, h dispatch.Handler) {
	s.dispatcher.Register(method, h)
}

// RegisterPush adds a handler whose method requires a streaming session.
func (s *Server) RegisterPush(method string, h dispatch.Handler) {
	s.dispatcher.RegisterPush(method, h)
}

// Notify enqueues a server-initiated notification for a streaming session.
func (s *Server) Notify(sessionID, method string, params []byte) error {
	sess, err := s.sessions.Resume(sessionID)
	if err != nil {
		return err
	}
	return s.dispatcher.Notify(sess, method, params)
}

// Handler returns the HTTP handler for the server's routes. Useful for
// serving through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// onQueueOverflow is the dispatcher's hook for a response that could not be
// enqueued on a full outbound queue. The session is destroyed so its callers
// get the abandonment semantics instead of waiting on a dropped response.
func (s *Server) onQueueOverflow(sess *session.Session) {
	s.logger.Error("outbound queue overflow, destroying session", "session_id", sess.ID)
	s.sessions.Destroy(sess.ID, session.ReasonOverflow)
}

// onSessionDestroy is the store's destroy hook: it releases pending calls and
// records the lifecycle transition.
func (s *Server) onSessionDestroy(sess *session.Session, reason session.DestroyReason) {
	s.dispatcher.CancelSession(sess.ID)

	event := ledger.SessionEventTerminated
	switch reason {
	case session.ReasonExpired:
		event = ledger.SessionEventExpired
	case session.ReasonProtocolError, session.ReasonOverflow:
		event = ledger.SessionEventErrored
	}
	s.recordSessionEvent(context.Background(), sess, event, nil)
}

// recordSessionEvent appends to the ledger when one is configured.
func (s *Server) recordSessionEvent(ctx context.Context, sess *session.Session, event ledger.SessionEventType, detail *string) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordSessionEvent(ctx, &ledger.SessionEvent{
		SessionID: sess.ID,
		Event:     event,
		Mode:      sess.Mode().String(),
		Detail:    detail,
	})
	if err != nil {
		s.logger.Warn("failed to record session event", "session_id", sess.ID, "event", event, "error", err)
	}
}

// recordCall appends a completed call outcome to the ledger.
func (s *Server) recordCall(sessionID, method string, resp *protocol.Message, elapsed time.Duration) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordCall(context.Background(), &ledger.CallRecord{
		SessionID: sessionID,
		RequestID: protocol.CanonicalID(resp.ID),
		Method:    method,
		Outcome:   callOutcome(resp),
		Duration:  elapsed,
	})
	if err != nil {
		s.logger.Warn("failed to record call", "session_id", sessionID, "method", method, "error", err)
	}
}

// callOutcome names a response for the audit trail.
func callOutcome(resp *protocol.Message) string {
	if resp.Error == nil {
		return "ok"
	}
	switch resp.Error.Code {
	case protocol.CodeMethodNotFound:
		return "method_not_found"
	case protocol.CodeTimeout:
		return "timeout"
	case protocol.CodeHandlerError:
		return "handler_error"
	case protocol.CodeSessionExpired:
		return "session_expired"
	default:
		return fmt.Sprintf("error_%d", resp.Error.Code)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the listeners are up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", s.sessions.Len())
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting server", "http_addr", s.cfg.Server.HTTPAddr, "endpoint", s.endpoint)

	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		if s.cfg.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.cfg.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "archon", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	return s.createTailscaleHTTPListener(tsCfg)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (s *Server) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return s.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener from the configured cert pair.
func (s *Server) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	s.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)

	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("loading TLS cert pair: %w", err)
	}

	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	s.ready.Store(true)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	// Destroying the sessions releases every pending call and closes every
	// attached stream before the collaborators go away.
	s.sessions.Close()
	s.dispatcher.Close()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if s.ledger != nil {
		errs = appendCloseError(errs, "ledger close", s.ledger.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Ensure stream.Mux satisfies the session channel contract.
var _ session.Channel = (*stream.Mux)(nil)
