// Package router validates JSON-RPC requests and dispatches them to method
// handlers.  Every transport hands its decoded requests to the same Router.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/config"
	"github.com/inngest/mcpgate/pkg/gateway"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/metrics"
	"github.com/inngest/mcpgate/pkg/tools"
	"github.com/sourcegraph/conc/panics"
)

// ToolCaller handles tools/call.  Implemented by *gateway.Gateway.
type ToolCaller interface {
	Call(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response
}

// ResourceProvider serves the resources/* family.
type ResourceProvider interface {
	Resources() []tools.Resource
	ReadResource(ctx context.Context, uri string) ([]tools.ResourceContents, error)
}

// PromptProvider serves the prompts/* family.
type PromptProvider interface {
	Prompts() []tools.Prompt
	GetPrompt(ctx context.Context, name string, args map[string]string) (*tools.Prompt, []tools.PromptMessage, error)
}

// NotificationHandler runs a side effect for a notifications/ method.  Its
// error is logged; nothing is ever sent back.
type NotificationHandler func(ctx context.Context, req jsonrpc.Request) error

// Opts configures a Router.  Gateway, Catalog and Authenticator are required.
type Opts struct {
	ServerName      string
	ServerVersion   string
	ProtocolVersion string

	Gateway       ToolCaller
	Catalog       tools.Catalog
	Authenticator auth.Authenticator
	Resources     ResourceProvider
	Prompts       PromptProvider

	Recorder metrics.Recorder
}

type Router struct {
	opts          Opts
	notifications map[string]NotificationHandler
}

func New(opts Opts) *Router {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = config.DefaultProtocolVersion
	}
	if opts.ServerName == "" {
		opts.ServerName = config.DefaultServerName
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	r := &Router{opts: opts, notifications: map[string]NotificationHandler{}}
	r.HandleNotification("notifications/initialized", logNotification)
	r.HandleNotification("notifications/progress", logNotification)
	r.HandleNotification("notifications/cancelled", logNotification)
	return r
}

// HandleNotification registers h for a notifications/ method.  Notifications
// without a registered handler are logged.
func (r *Router) HandleNotification(method string, h NotificationHandler) {
	r.notifications[method] = h
}

func logNotification(ctx context.Context, req jsonrpc.Request) error {
	logger.From(ctx).Info("received notification", "method", req.Method, "params", string(req.Params))
	return nil
}

// Handle processes one request.  It returns nil when nothing must be written
// back: for notifications/ methods and for requests without an id.
func (r *Router) Handle(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	if req.HasNotificationPrefix() {
		r.notify(ctx, req)
		return nil
	}

	m := ParseMethod(req.Method)
	start := time.Now()
	resp := r.handle(ctx, m, req)

	code := 0
	if resp != nil && resp.Error != nil {
		code = resp.Error.Code
	}
	dur := time.Since(start)
	r.opts.Recorder.ObserveRequest(m.String(), code, dur)
	logger.From(ctx).Debug("handled request",
		"method", req.Method,
		"id", req.ID.String(),
		"code", code,
		"duration", dur.String(),
	)

	if req.IsNotification() {
		// Nobody is waiting on a request without an id.
		return nil
	}
	return resp
}

func (r *Router) notify(ctx context.Context, req jsonrpc.Request) {
	h, ok := r.notifications[req.Method]
	if !ok {
		h = logNotification
	}
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = h(ctx, req) })
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
	}
	if err != nil {
		logger.From(ctx).Warn("notification handler failed", "method", req.Method, "error", err)
	}
}

func (r *Router) handle(ctx context.Context, m Method, req jsonrpc.Request) *jsonrpc.Response {
	if err := req.Validate(); err != nil {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, jsonrpc.MsgInvalidRequest)
	}

	var (
		pc     panics.Catcher
		result any
		err    error
		resp   *jsonrpc.Response
	)
	pc.Try(func() {
		switch m {
		case MethodInitialize:
			result = r.initialize()
		case MethodPing:
			result = struct{}{}
		case MethodToolsList:
			result = map[string]any{"tools": r.opts.Catalog.Tools()}
		case MethodToolsCall:
			resp = r.opts.Gateway.Call(ctx, req)
		case MethodAuthenticate:
			result, err = r.authenticate(ctx, req)
		case MethodResources:
			result, err = r.resources(ctx, req)
		case MethodPrompts:
			result, err = r.prompts(ctx, req)
		case MethodNotification:
			// Handled before validation.
			err = methodNotFound(req.Method)
		case MethodUnknown:
			err = methodNotFound(req.Method)
		}
	})
	if rec := pc.Recovered(); rec != nil {
		logger.From(ctx).Error("handler panicked", "method", req.Method, "panic", rec.Value, "stack", string(rec.Stack))
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.CodeInternalError, jsonrpc.MsgInternalError)
	}
	if resp != nil {
		return resp
	}
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, r.publicError(ctx, req, err))
	}
	return jsonrpc.NewResult(req.ID, result)
}

// publicError converts a handler error into what the caller sees.  Unknown
// errors are logged and replaced by a generic internal error.
func (r *Router) publicError(ctx context.Context, req jsonrpc.Request, err error) *jsonrpc.Error {
	rpcErr := &jsonrpc.Error{}
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	te := &tools.Error{}
	if errors.As(err, &te) && te.Code != 0 {
		return jsonrpc.NewError(te.Code, te.Message)
	}
	logger.From(ctx).Error("handler failed", "method", req.Method, "error", err)
	return jsonrpc.NewError(jsonrpc.CodeInternalError, jsonrpc.MsgInternalError)
}

func methodNotFound(method string) *jsonrpc.Error {
	return jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "%s: %s", jsonrpc.MsgMethodNotFound, method)
}

func invalidParams(detail string) *jsonrpc.Error {
	return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "%s: %s", jsonrpc.MsgInvalidParams, detail)
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

func (r *Router) initialize() initializeResult {
	return initializeResult{
		ProtocolVersion: r.opts.ProtocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]bool{"listChanged": false},
			"resources": map[string]bool{"subscribe": false, "listChanged": false},
			"prompts":   map[string]bool{"listChanged": false},
		},
		ServerInfo: serverInfo{Name: r.opts.ServerName, Version: r.opts.ServerVersion},
	}
}

type authenticateResult struct {
	Authenticated bool       `json:"authenticated"`
	UserID        string     `json:"user_id"`
	TenantID      string     `json:"tenant_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (r *Router) authenticate(ctx context.Context, req jsonrpc.Request) (any, error) {
	p := struct {
		Token string `json:"token"`
	}{}
	if req.HasParams() {
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams("expected an object")
		}
	}
	token := p.Token
	if token == "" {
		token = req.AuthToken
	}
	if token == "" {
		return nil, invalidParams("missing token")
	}

	identity, err := r.opts.Authenticator.Authenticate(ctx, token)
	if err != nil {
		return nil, gateway.AuthError(err)
	}
	res := authenticateResult{
		Authenticated: true,
		UserID:        identity.UserID,
		TenantID:      identity.TenantID,
	}
	if !identity.ExpiresAt.IsZero() {
		res.ExpiresAt = &identity.ExpiresAt
	}
	return res, nil
}

func (r *Router) resources(ctx context.Context, req jsonrpc.Request) (any, error) {
	if r.opts.Resources == nil {
		return nil, methodNotFound(req.Method)
	}
	switch strings.TrimPrefix(req.Method, resourcesPrefix) {
	case "list":
		return map[string]any{"resources": r.opts.Resources.Resources()}, nil
	case "templates/list":
		return map[string]any{"resourceTemplates": []any{}}, nil
	case "read":
		p := struct {
			URI string `json:"uri"`
		}{}
		if err := req.DecodeParams(&p); err != nil || p.URI == "" {
			return nil, invalidParams("missing uri")
		}
		contents, err := r.opts.Resources.ReadResource(ctx, p.URI)
		if err != nil {
			return nil, err
		}
		return map[string]any{"contents": contents}, nil
	default:
		return nil, methodNotFound(req.Method)
	}
}

type getPromptResult struct {
	Description string                `json:"description,omitempty"`
	Messages    []tools.PromptMessage `json:"messages"`
}

func (r *Router) prompts(ctx context.Context, req jsonrpc.Request) (any, error) {
	if r.opts.Prompts == nil {
		return nil, methodNotFound(req.Method)
	}
	switch strings.TrimPrefix(req.Method, promptsPrefix) {
	case "list":
		return map[string]any{"prompts": r.opts.Prompts.Prompts()}, nil
	case "get":
		p := struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}{}
		if err := req.DecodeParams(&p); err != nil || p.Name == "" {
			return nil, invalidParams("missing prompt name")
		}
		prompt, msgs, err := r.opts.Prompts.GetPrompt(ctx, p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		return getPromptResult{Description: prompt.Description, Messages: msgs}, nil
	default:
		return nil, methodNotFound(req.Method)
	}
}
