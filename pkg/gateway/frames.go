// Package gateway implements the WebSocket session layer: connection
// lifecycle, pairing authentication, RPC routing and event broadcast.
//
// Clients exchange discrete JSON frames over one persistent connection.
// Three frame shapes exist, discriminated by "type": requests, responses
// and server-pushed events. Every request receives exactly one response
// carrying the same id; events carry no id and are delivered to sessions
// whose subscription filter matches.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// RPC error codes. The -326xx range follows JSON-RPC conventions for
// protocol errors; the -320xx range maps service-layer failures.
const (
	CodeInvalidFrame   = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32000
	CodeNotFound       = -32001
	CodeConflict       = -32002
	CodeUnauthorized   = -32003
	CodeForbidden      = -32004
)

// WebSocket close codes used by the gateway. 1000 and 1001 are standard;
// the 4xxx codes are application-defined.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseAuthFailure   = 4003
	CloseConnectionCap = 4006
)

// Request is an inbound RPC frame. The id is opaque to the server and is
// echoed back verbatim in the response, so it is kept as raw JSON.
type Request struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request. Result and Error are mutually
// exclusive.
type Response struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// EventFrame is a server-pushed domain event.
type EventFrame struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Error is the wire form of an RPC failure. Handlers may return an *Error
// directly to control the code; anything else is normalized by the router.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an *Error with the given code and message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// resultResponse builds the success response for a request id.
func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{Type: frameTypeResponse, ID: id, Result: result}
}

// errorResponse builds the failure response for a request id.
func errorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{Type: frameTypeResponse, ID: id, Error: err}
}

// encodeFrame marshals a frame for the outbound queue. Marshal failures are
// programming errors (all frame payloads are JSON-safe), surfaced as an
// internal error response where possible.
func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// encodeEvent renders a bus event as an outbound event frame.
func encodeEvent(eventType string, data map[string]any) ([]byte, error) {
	return encodeFrame(&EventFrame{Type: frameTypeEvent, Event: eventType, Data: data})
}
