package jsonrpc

import "fmt"

// Protocol-level error codes, as reserved by JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-defined error codes within -32000..-32099.
const (
	CodeUnauthorized            = -32000
	CodeTokenExpired            = -32001
	CodeTokenInvalid            = -32002
	CodeTokenMalformed          = -32003
	CodeClientNotRegistered     = -32004
	CodeRateLimitExceeded       = -32005
	CodeSessionExpired          = -32006
	CodeInsufficientPermissions = -32008

	serverRangeStart = -32099
	serverRangeEnd   = -32000
)

// Public messages for each code.  Handlers use these rather than raw error
// strings so that internal detail is never returned to a caller.
const (
	MsgParseError              = "Parse error"
	MsgInvalidRequest          = "Invalid request"
	MsgMethodNotFound          = "Method not found"
	MsgInvalidParams           = "Invalid params"
	MsgInternalError           = "Internal error"
	MsgAuthRequired            = "Authentication required"
	MsgAuthFailed              = "Authentication failed"
	MsgTokenExpired            = "Authentication token has expired"
	MsgTokenInvalid            = "Authentication token signature is invalid"
	MsgTokenMalformed          = "Authentication token is malformed"
	MsgClientNotRegistered     = "Client not registered"
	MsgRateLimitExceeded       = "Rate limit exceeded"
	MsgSessionExpired          = "Session expired"
	MsgInsufficientPermissions = "Insufficient permissions"
)

// IsServerDefined reports whether code is within the server-defined range.
func IsServerDefined(code int) bool {
	return code >= serverRangeStart && code <= serverRangeEnd
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError returns an error object with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns an error object with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
