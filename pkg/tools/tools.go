// Package tools defines the contract between the gateway and whatever executes
// tools, plus a Registry which serves tools, resources and prompts from
// in-process handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/tenant"
)

// Call is a single tool invocation.
type Call struct {
	Name      string
	Arguments json.RawMessage
	Identity  *auth.Identity
	// Tenant is nil when the caller's tenant could not be resolved.
	Tenant *tenant.Context
}

// Content is one item of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
	MIME string `json:"mimeType,omitempty"`
}

// TextContent is shorthand for a single text content item.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// Result is the output of a tool.
type Result struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// Definition describes a tool in tools/list.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Executor runs tools.  Implementations may block on I/O and should honour
// ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Catalog lists the tools an Executor accepts.
type Catalog interface {
	Tools() []Definition
}

// Error is an executor failure with a caller-visible code and message.  Any
// other error returned by an Executor is reported as a generic failure.
type Error struct {
	Code    int
	Message string
	Err     error
}

// Errorf returns an *Error with a formatted public message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, call Call) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, call Call) (*Result, error) {
	return f(ctx, call)
}
