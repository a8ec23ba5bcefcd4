// Package replay guards the exactly-one-response invariant against client
// retransmission, remembering completed correlation keys in a time-bounded,
// size-limited registry.
package replay
