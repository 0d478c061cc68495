// Package jsonrpc contains the wire types shared by every transport: requests,
// responses, errors and notifications.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// Version is the only protocol version accepted by the server.
	Version = "2.0"

	// NotificationPrefix marks methods which never produce a response.
	NotificationPrefix = "notifications/"
)

var (
	ErrInvalidVersion = errors.New("unsupported protocol version")
	ErrMissingMethod  = errors.New("method is required")
	ErrNotAnObject    = errors.New("params must be an object")

	errResultAndError = errors.New("response must not contain both result and error")
	errNoResult       = errors.New("response must contain a result or an error")
)

// Request is an inbound JSON-RPC request.  A request with a nil ID is a
// notification and is never answered.
type Request struct {
	ProtocolVersion string            `json:"protocol_version"`
	Method          string            `json:"method"`
	Params          json.RawMessage   `json:"params,omitempty"`
	ID              *ID               `json:"id,omitempty"`
	AuthToken       string            `json:"auth,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// Headers are populated by transports that carry them, eg. HTTP.  They are
	// never read from the message body.
	Headers map[string]string `json:"-"`
}

// UnmarshalJSON distinguishes an absent id from an explicit `"id": null`.  The
// former is a notification, the latter is a request which must be answered.
func (r *Request) UnmarshalJSON(b []byte) error {
	type alias Request
	aux := struct {
		*alias
		ID json.RawMessage `json:"id"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.ID = nil
	if len(aux.ID) > 0 {
		id := &ID{}
		if err := id.UnmarshalJSON(aux.ID); err != nil {
			return err
		}
		r.ID = id
	}
	return nil
}

// ParseRequest decodes a single request from data.
func ParseRequest(data []byte) (Request, error) {
	r := Request{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &r); err != nil {
		return Request{}, fmt.Errorf("error parsing request: %w", err)
	}
	return r, nil
}

// IsNotification reports whether the request carries no id.
func (r Request) IsNotification() bool {
	return r.ID == nil
}

// HasNotificationPrefix reports whether the method is in the reserved
// notifications/ namespace.
func (r Request) HasNotificationPrefix() bool {
	return strings.HasPrefix(r.Method, NotificationPrefix)
}

// Validate checks the envelope invariants that must hold before routing.
func (r Request) Validate() error {
	if r.ProtocolVersion != Version {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, r.ProtocolVersion)
	}
	if strings.TrimSpace(r.Method) == "" {
		return ErrMissingMethod
	}
	return nil
}

// HasParams reports whether params were sent and are not null.
func (r Request) HasParams() bool {
	p := bytes.TrimSpace(r.Params)
	return len(p) > 0 && !bytes.Equal(p, nullLiteral)
}

// DecodeParams unmarshals params into v, requiring a JSON object.
func (r Request) DecodeParams(v any) error {
	p := bytes.TrimSpace(r.Params)
	if len(p) == 0 || p[0] != '{' {
		return ErrNotAnObject
	}
	return json.Unmarshal(p, v)
}

// Header returns a transport header, case-insensitively.
func (r Request) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Response answers a single request.  Exactly one of Result and Error is set.
type Response struct {
	ProtocolVersion string          `json:"protocol_version"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	ID              *ID             `json:"id"`
}

// NewResult returns a successful response.  A result which cannot be encoded
// yields an internal error response instead.
func NewResult(id *ID, result any) *Response {
	var byt []byte
	switch v := result.(type) {
	case json.RawMessage:
		byt = v
	case nil:
		byt = []byte("{}")
	default:
		var err error
		if byt, err = json.Marshal(v); err != nil {
			return NewErrorResponse(id, NewError(CodeInternalError, MsgInternalError))
		}
	}
	if len(byt) == 0 || bytes.Equal(byt, nullLiteral) {
		byt = []byte("{}")
	}
	return &Response{ProtocolVersion: Version, Result: byt, ID: normalizeID(id)}
}

// NewErrorResponse returns an error response.
func NewErrorResponse(id *ID, err *Error) *Response {
	if err == nil {
		err = NewError(CodeInternalError, MsgInternalError)
	}
	return &Response{ProtocolVersion: Version, Error: err, ID: normalizeID(id)}
}

// ErrorResponse is shorthand for NewErrorResponse(id, NewError(code, message)).
func ErrorResponse(id *ID, code int, message string) *Response {
	return NewErrorResponse(id, NewError(code, message))
}

// ParseFailure is the fixed response written when an inbound line or body
// cannot be decoded at all.  The id is unknown so it is null.
func ParseFailure() *Response {
	return NewErrorResponse(NullID(), NewError(CodeInternalError, MsgInternalError))
}

func normalizeID(id *ID) *ID {
	if id == nil {
		return NullID()
	}
	return id
}

// Validate checks that exactly one of result and error is present.
func (r Response) Validate() error {
	hasResult := len(r.Result) > 0
	if hasResult && r.Error != nil {
		return errResultAndError
	}
	if !hasResult && r.Error == nil {
		return errNoResult
	}
	return nil
}

// Notification is a server-to-client message which carries no id.
type Notification struct {
	ProtocolVersion string          `json:"protocol_version"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// NewNotification builds a notification.  The method is placed under the
// notifications/ namespace if it is not already.
func NewNotification(method string, params any) (Notification, error) {
	if !strings.HasPrefix(method, NotificationPrefix) {
		method = NotificationPrefix + method
	}
	n := Notification{ProtocolVersion: Version, Method: method}
	if params == nil {
		return n, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		n.Params = raw
		return n, nil
	}
	byt, err := json.Marshal(params)
	if err != nil {
		return n, fmt.Errorf("error marshalling notification params: %w", err)
	}
	n.Params = byt
	return n, nil
}
