// ABOUTME: JSON-RPC 2.0 message types for the tool-invocation protocol.
// ABOUTME: A single Message union covers requests, responses, notifications, and errors.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version string carried by every message.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Implementation-defined error codes (reserved range -32099..-32000)
const (
	CodeUpgradeRequired = -32001 // method needs push semantics the connection cannot carry
	CodeSessionNotFound = -32002
	CodeSessionExpired  = -32003
	CodeTimeout         = -32004
	CodeHandlerError    = -32005
	CodeProtocolError   = -32006

	// CodeHandshakeTimeout means negotiation did not complete in time; no
	// session was created.
	CodeHandshakeTimeout = -32007

	// CodeTransportClosed means the underlying channel dropped; the session
	// is detached and eligible for resume within its inactivity window.
	CodeTransportClosed = -32008
)

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message represents a JSON-RPC 2.0 message. Exactly one shape is populated:
// Method+ID for a request, Method alone for a notification, ID+Result or
// ID+Error for a response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind reports what shape this message has. A message with both a method and
// a result, or with neither a method nor an id, is invalid.
func (m *Message) Kind() Kind {
	hasID := m.hasID()
	hasMethod := m.Method != ""
	hasPayload := len(m.Result) > 0 || m.Error != nil

	switch {
	case hasMethod && hasPayload:
		return KindInvalid
	case hasMethod && hasID:
		return KindRequest
	case hasMethod:
		return KindNotification
	case hasPayload:
		// An error response may carry a null id when the request id was
		// unreadable, so payload alone is enough to classify it.
		return KindResponse
	default:
		return KindInvalid
	}
}

// hasID reports whether the message carries a non-null correlation id.
func (m *Message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// CorrelatesWith reports whether other carries the same correlation id.
// Ids compare by canonical JSON value, so 1 and 1 match but 1 and "1" do not.
func (m *Message) CorrelatesWith(other *Message) bool {
	if !m.hasID() || !other.hasID() {
		return false
	}
	return CanonicalID(m.ID) == CanonicalID(other.ID)
}

// CanonicalID returns the whitespace-normalized form of a correlation id,
// suitable as a map key.
func CanonicalID(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a server-originated notification. Notifications carry
// no correlation id and flow server to client only.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a successful response correlated to the given id.
func NewResponse(id json.RawMessage, result json.RawMessage) *Message {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response correlated to the given id.
// A nil id yields the JSON-RPC null id used for errors that predate correlation.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}
