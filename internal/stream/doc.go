// Package stream provides the per-session outbound multiplexer.
//
// For one session's active connection it serializes concurrent writes
// (responses completing in the dispatcher, notifications from external
// events) onto the single underlying SSE channel. Producers enqueue and the
// one attached writer drains in arrival order, so per-session delivery order
// matches enqueue order and partial frames never interleave. The inbound read
// path never goes through the mux and is therefore never blocked by a slow
// consumer.
package stream
