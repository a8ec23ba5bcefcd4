// Package builtins holds the RPC methods every archon server ships with.
//
// The built-ins cover three concerns:
//
//   - Liveness: ping answers immediately with the server time.
//   - Introspection: server/describe reports identity and capabilities;
//     session/events and session/calls expose the caller's own ledger history.
//   - Push: clock/subscribe starts a periodic notification feed, which makes
//     it a convenient end-to-end check of a streaming session.
//
// Register is called once at startup, after server.New and before Run.
package builtins
