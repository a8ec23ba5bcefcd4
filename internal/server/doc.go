// Package server binds the transport pieces into a single HTTP endpoint.
//
// # Overview
//
// The server exposes one RPC endpoint (default /rpc) that carries the whole
// protocol over three HTTP methods:
//
//   - POST /rpc - client-to-server messages (initialize, requests, notifications)
//   - GET /rpc - server-to-client push channel (Server-Sent Events)
//   - DELETE /rpc - explicit session termination
//
// # Handshake
//
// A client opens a session by POSTing an initialize request with no session
// header. The server negotiates a delivery mode (see Negotiate), creates the
// session, and returns the session id in the Archon-Session-Id response
// header. Every later request carries that header. Negotiation that does not
// finish within the handshake deadline yields a HandshakeTimeout error and no
// usable session.
//
// # Delivery modes
//
// In streaming mode responses and server notifications are delivered on the
// GET event stream; POSTs are acknowledged with HTTP 202. In fallback mode
// each POST blocks until its own response is ready, and methods that need
// server push are refused with an UpgradeRequired error rather than left to
// hang.
//
// # Authentication
//
// When a token verifier is configured, the initialize request must carry a
// bearer token:
//
//	Authorization: Bearer <token>
//
// Established sessions are authorized by their session id alone.
//
// # Usage
//
//	s, err := server.New(server.Config{Config: cfg, Logger: logger})
//	s.Register("echo", echoHandler)
//	s.RegisterPush("subscribe", subscribeHandler)
//	err = s.Run(ctx)
//
// Run blocks until the context is canceled, then drains sessions and in-flight
// calls before returning. The listener comes from the config: a plain TCP
// address, or a Tailscale node (optionally with TLS or Funnel) when the
// tailscale section is enabled.
package server
