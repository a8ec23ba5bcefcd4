// ABOUTME: HTTP header names shared by the server and client sides of the transport.

package protocol

const (
	// HeaderSessionID carries the session id on every request after initialize.
	HeaderSessionID = "Archon-Session-Id"
	// HeaderProtocolVersion carries the protocol revision the client speaks.
	HeaderProtocolVersion = "Archon-Protocol-Version"
)
