// Package protocol implements the wire codec for the tool-invocation protocol.
//
// Messages are JSON-RPC 2.0 objects: a Request carries a client-assigned
// correlation id, a method name, and a parameter payload; a Response carries
// the same id and either a result or an error; a Notification carries a method
// but no id and flows server to client only.
//
// Two decode paths exist. DecodeBytes parses a complete one-shot body.
// Decoder reads a stream of self-describing messages where message boundaries
// need not align with network read boundaries; Next assembles partial reads
// internally and fails individual messages with a recoverable ErrProtocol.
//
// SSEWriter frames outbound messages as Server-Sent Events for the streamed
// channel, one flushed frame per message.
package protocol
