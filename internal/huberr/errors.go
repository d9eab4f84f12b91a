// Package huberr defines the hub's error taxonomy: a small set of Kinds
// that every subsystem classifies its failures into, plus the JSON-RPC
// code each Kind renders as on the wire. The Message carried on a HubError
// MUST be safe to return to a downstream client; callers that want to log
// the real cause should wrap it separately with %w before it reaches a
// transport boundary.
package huberr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a hub failure independently of which subsystem raised it.
type Kind int

const (
	// KindInternal is an unexpected failure with no more specific classification.
	KindInternal Kind = iota
	// KindConfig indicates a malformed or invalid server configuration.
	KindConfig
	// KindTransport indicates a failure at the wire/connection level (dial,
	// read, write, unexpected close) talking to an upstream or downstream.
	KindTransport
	// KindProtocol indicates a peer violated the JSON-RPC/MCP wire contract.
	KindProtocol
	// KindTimeout indicates a deadline elapsed waiting for a response.
	KindTimeout
	// KindCancelled indicates the request was cancelled by its caller.
	KindCancelled
	// KindNotFound indicates a referenced server, tool, resource, prompt or
	// session does not exist.
	KindNotFound
	// KindOverload indicates a bounded queue or in-flight limit was exceeded.
	KindOverload
	// KindPolicy indicates a request was rejected by hub-level policy, such
	// as a disabled server or a manual-activation server that was never
	// activated.
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindNotFound:
		return "not_found"
	case KindOverload:
		return "overload"
	case KindPolicy:
		return "policy"
	default:
		return "internal"
	}
}

// JSONRPCCode returns the JSON-RPC 2.0 error code this Kind renders as.
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindConfig, KindPolicy:
		return CodeInvalidParams
	case KindProtocol:
		return CodeInvalidRequest
	case KindNotFound:
		return CodeInvalidParams
	case KindTimeout:
		return CodeTimeout
	case KindCancelled:
		return CodeCancelled
	case KindOverload:
		return CodeOverload
	case KindTransport, KindInternal:
		return CodeInternalError
	default:
		return CodeInternalError
	}
}

// JSON-RPC 2.0 standard error codes, plus the hub-specific range reserved
// by the MCP ecosystem convention (-32000 to -32099, server-defined).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTimeout   = -32001
	CodeCancelled = -32002
	CodeOverload  = -32003
)

// HubError is the error type every subsystem returns. Message must be safe
// to surface to a downstream client as-is; wrap the underlying cause with
// errors.Join/fmt.Errorf for logging, not for the public Message.
type HubError struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *HubError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *HubError) Unwrap() error { return e.cause }

// Data returns the JSON-RPC error "data" payload this error's Kind carries
// on the wire, or nil if this Kind has no additional structured data.
// Transport failures surface data.transport; timeouts surface data.timeout.
func (e *HubError) Data() json.RawMessage {
	switch e.Kind {
	case KindTransport:
		return json.RawMessage(`{"transport":true}`)
	case KindTimeout:
		return json.RawMessage(`{"timeout":true}`)
	default:
		return nil
	}
}

// New creates a HubError with a client-safe message and no logged cause.
func New(kind Kind, message string) *HubError {
	return &HubError{Kind: kind, Message: message}
}

// Wrap creates a HubError carrying an internal cause for logging, while
// message remains the only thing a caller is allowed to show a client.
func Wrap(kind Kind, message string, cause error) *HubError {
	return &HubError{Kind: kind, Message: message, cause: cause}
}

// As extracts a *HubError from err, if any is present in its chain.
func As(err error) (*HubError, bool) {
	var he *HubError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// SafeMessage returns a message safe to return to a downstream client.
// If err is a *HubError its Message is used verbatim; otherwise a generic
// message is returned so internal details never leak across the wire.
func SafeMessage(err error) string {
	if he, ok := As(err); ok {
		return he.Message
	}
	return "internal error"
}

// Code returns the JSON-RPC error code err should render as. Errors that
// are not a *HubError are treated as KindInternal.
func Code(err error) int {
	if he, ok := As(err); ok {
		return he.Kind.JSONRPCCode()
	}
	return CodeInternalError
}

// Data returns the JSON-RPC error "data" payload for err, or nil if err is
// not a *HubError or its Kind carries no additional data.
func Data(err error) json.RawMessage {
	if he, ok := As(err); ok {
		return he.Data()
	}
	return nil
}
