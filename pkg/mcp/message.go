// Package mcp provides MCP wire message types and JSON-RPC codec utilities
// shared across the hub's transports, router, and upstream clients.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates which way a message is flowing through the hub.
type Direction int

const (
	// ClientToServer indicates a message flowing from a downstream client
	// toward an upstream server (or the hub itself, for locally-answered methods).
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from an upstream server
	// (or the hub itself) back to a downstream client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with hub routing metadata.
// It keeps both the raw bytes (for efficient passthrough/relay) and the
// decoded message (for dispatch and correlation).
type Message struct {
	// Raw contains the original bytes of the message, newline and
	// Content-Length framing stripped.
	Raw []byte

	// Direction indicates which way this message is flowing.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message. May be nil if parsing
	// failed but passthrough is still desired. Concrete type is either
	// *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the hub received or produced this message.
	Timestamp time.Time

	// SessionID identifies the downstream session this message belongs to,
	// when known. Empty for upstream-originated messages prior to correlation.
	SessionID string

	// ParsedParams caches the parsed params of a request, reused across
	// the router and registry lookups. Nil if not a request or unparsable.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request or notification.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// Request returns the underlying *jsonrpc.Request, or nil if this is not one.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying *jsonrpc.Response, or nil if this is not one.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// IsCall reports whether this message is a request expecting a response
// (as opposed to a notification).
func (m *Message) IsCall() bool {
	req := m.Request()
	return req != nil && req.IsCall()
}

// ParseParams parses the request params and caches them in ParsedParams.
// Safe to call multiple times. Returns nil if not a request or on parse error.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ProgressToken extracts params._meta.progressToken from a request, if present.
// The token may be a string or number per the MCP spec; it is returned as the
// raw interface{} so callers can compare it by value regardless of type.
func (m *Message) ProgressToken() (interface{}, bool) {
	params := m.ParseParams()
	if params == nil {
		return nil, false
	}
	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	tok, ok := meta["progressToken"]
	return tok, ok
}

// RawID extracts the request/response ID from the raw message bytes as
// json.RawMessage. The go-sdk's jsonrpc.ID type does not round-trip cleanly
// through interface{}, so the ID is pulled directly from the raw JSON instead.
// Returns nil if no "id" field is present.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
