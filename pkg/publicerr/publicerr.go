// Package publicerr holds errors which are safe to show to HTTP callers on
// routes that do not speak JSON-RPC, such as the SSE stream and the
// notification publishing endpoint.
package publicerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

const (
	DefaultMessage = "Something went wrong.  Please try again"
	DefaultStatus  = http.StatusInternalServerError
)

// Error wraps a root cause with a public message and an HTTP status.  Only the
// message and status are ever serialized; Err is kept for logs.
type Error struct {
	Message string `json:"error"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Wrap wraps err with a status and public message.
func Wrap(err error, status int, msg string) error {
	return Error{Message: msg, Status: status, Err: err}
}

// Wrapf is Wrap with fmt.Sprintf formatting of the message.
func Wrapf(err error, status int, msg string, args ...any) error {
	return Error{Message: fmt.Sprintf(msg, args...), Status: status, Err: err}
}

// Errorf creates a new public error whose message is also its root cause.
func Errorf(status int, msg string, args ...any) error {
	err := fmt.Errorf(msg, args...)
	return Error{Message: err.Error(), Status: status, Err: err}
}

// HTTPErr returns an Error using the standard text for status.
func HTTPErr(status int) Error {
	m := http.StatusText(status)
	if m == "" {
		status = http.StatusInternalServerError
		m = http.StatusText(status)
	}
	return Error{Message: m, Status: status}
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// WriteHTTP writes err as a JSON body.  Errors which are not public are
// replaced with the default message so internal detail never leaks.
func WriteHTTP(w http.ResponseWriter, err error) {
	pe := Error{}
	if !errors.As(err, &pe) {
		pe = Error{Message: DefaultMessage, Status: DefaultStatus, Err: err}
	}
	if pe.Status == 0 {
		pe.Status = DefaultStatus
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Status)
	_ = json.NewEncoder(w).Encode(pe)
}
