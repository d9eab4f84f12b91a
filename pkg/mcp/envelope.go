package mcp

import "encoding/json"

// These mirror the JSON-RPC 2.0 envelope shapes by hand rather than through
// jsonrpc.Response, because the SDK's jsonrpc.ID does not marshal correctly
// through interface{} once it has round-tripped via RawID.

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   wireError       `json:"error"`
}

type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// NewErrorResponse builds the raw bytes of a JSON-RPC error response.
// id may be nil for errors that occur before an ID can be determined
// (e.g. parse errors), in which case it is encoded as JSON null.
func NewErrorResponse(id json.RawMessage, code int, message string, data json.RawMessage) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	out, err := json.Marshal(errorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   wireError{Code: code, Message: message, Data: data},
	})
	if err != nil {
		// Marshaling a struct of primitives cannot fail; fall back defensively.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

// NewResultResponse builds the raw bytes of a JSON-RPC success response.
func NewResultResponse(id json.RawMessage, result json.RawMessage) []byte {
	out, err := json.Marshal(resultEnvelope{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		return NewErrorResponse(id, -32603, "internal error", nil)
	}
	return out
}

// NewNotification builds the raw bytes of a JSON-RPC notification (no ID).
func NewNotification(method string, params json.RawMessage) []byte {
	type notification struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	out, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return nil
	}
	return out
}
