// Package gateway implements tools/call: it authenticates the caller, resolves
// their tenant, runs the tool and wraps the outcome in a response.
package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/tenant"
	"github.com/inngest/mcpgate/pkg/tools"
	"github.com/inngest/mcpgate/pkg/usage"
	"github.com/sourcegraph/conc/panics"
)

const (
	msgMissingParams = "Invalid params: missing request parameters"
	msgBadParams     = "Invalid params: expected an object with a tool name"
	msgMissingName   = "Invalid params: missing tool name"
	msgToolFailed    = "Tool execution failed"
)

// Opts configures a Gateway.  Authenticator and Executor are required.
type Opts struct {
	Authenticator auth.Authenticator
	Executor      tools.Executor
	// Tenants resolves tenant scope.  When nil, the tenant claimed by the
	// identity is used, if any.
	Tenants tenant.Resolver
	// StrictTenancy fails calls whose tenant lookup errors.  By default such
	// calls run without tenant scope and a warning is logged.
	StrictTenancy bool

	Usage     *usage.Tracker
	Publisher fanout.Publisher
}

type Gateway struct {
	opts Opts
}

func New(opts Opts) *Gateway {
	return &Gateway{opts: opts}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Token     string          `json:"token,omitempty"`
}

// Call handles a tools/call request.  It always returns a response; requests
// without an id are answered with jsonrpc.DefaultID.
func (g *Gateway) Call(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	id := req.ID
	if id == nil {
		id = jsonrpc.DefaultID()
	}

	if !req.HasParams() {
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeInvalidParams, msgMissingParams)
	}
	p := callParams{}
	if err := req.DecodeParams(&p); err != nil {
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeInvalidParams, msgBadParams)
	}
	if p.Name == "" {
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeInvalidParams, msgMissingName)
	}

	l := logger.From(ctx).With("tool", p.Name, "id", id.String())

	// Transport-level credentials win; the in-band token is the fallback for
	// transports without headers, such as stdio.
	token := req.AuthToken
	if token == "" {
		token = p.Token
	}
	identity, rerr := g.Authenticate(ctx, token)
	if rerr != nil {
		l.Warn("tool call rejected", "code", rerr.Code)
		return jsonrpc.NewErrorResponse(id, rerr)
	}
	l = l.With("user_id", identity.UserID)

	tc, rerr := g.resolveTenant(ctx, l, identity)
	if rerr != nil {
		return jsonrpc.NewErrorResponse(id, rerr)
	}

	res, err := g.execute(ctx, tools.Call{
		Name:      p.Name,
		Arguments: p.Arguments,
		Identity:  identity,
		Tenant:    tc,
	})
	g.recordUsage(ctx, identity)

	if err != nil {
		te := &tools.Error{}
		if errors.As(err, &te) && te.Message != "" {
			code := te.Code
			if code == 0 {
				code = jsonrpc.CodeInternalError
			}
			l.Info("tool returned an error", "code", code, "error", err)
			return jsonrpc.ErrorResponse(id, code, te.Message)
		}
		l.Error("tool execution failed", "error", err)
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeInternalError, msgToolFailed)
	}
	if res == nil {
		res = &tools.Result{Content: []tools.Content{}}
	}
	return jsonrpc.NewResult(id, res)
}

// Authenticate validates token, mapping failures to protocol errors.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*auth.Identity, *jsonrpc.Error) {
	if token == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeUnauthorized, jsonrpc.MsgAuthRequired)
	}
	identity, err := g.opts.Authenticator.Authenticate(ctx, token)
	if err != nil {
		logger.From(ctx).Debug("authentication failed", "error", err)
		return nil, AuthError(err)
	}
	if identity == nil || identity.UserID == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeUnauthorized, jsonrpc.MsgAuthFailed)
	}
	return identity, nil
}

func (g *Gateway) resolveTenant(ctx context.Context, l logger.Logger, identity *auth.Identity) (*tenant.Context, *jsonrpc.Error) {
	if g.opts.Tenants == nil {
		if identity.TenantID == "" {
			return nil, nil
		}
		return &tenant.Context{TenantID: identity.TenantID, UserID: identity.UserID}, nil
	}

	tc, err := g.opts.Tenants.Resolve(ctx, identity.UserID)
	if err == nil {
		return tc, nil
	}
	if g.opts.StrictTenancy {
		l.Warn("tenant resolution failed, rejecting call", "error", err)
		return nil, jsonrpc.NewError(jsonrpc.CodeInsufficientPermissions, jsonrpc.MsgInsufficientPermissions)
	}
	l.Warn("tenant resolution failed, running without tenant isolation", "error", err)
	return nil, nil
}

type outcome struct {
	res *tools.Result
	err error
}

// execute runs the tool on its own goroutine so that a cancelled request
// returns promptly even if the executor ignores ctx.
func (g *Gateway) execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	ch := make(chan outcome, 1)
	go func() {
		var (
			pc panics.Catcher
			o  outcome
		)
		pc.Try(func() {
			o.res, o.err = g.opts.Executor.Execute(ctx, call)
		})
		if r := pc.Recovered(); r != nil {
			logger.From(ctx).Error("tool panicked", "tool", call.Name, "panic", r.Value, "stack", string(r.Stack))
			o.res, o.err = nil, r.AsError()
		}
		ch <- o
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) recordUsage(ctx context.Context, identity *auth.Identity) {
	if g.opts.Usage == nil {
		return
	}
	counts := g.opts.Usage.Record(identity.UserID)
	if g.opts.Publisher == nil {
		return
	}
	e, err := fanout.NewEvent(fanout.TopicUsageUpdate, identity.UserID, usage.Update{
		APIKeyID:          identity.ClientID,
		UserID:            identity.UserID,
		RequestsToday:     counts.Today,
		RequestsThisMonth: counts.ThisMonth,
	})
	if err != nil {
		logger.From(ctx).Error("error creating usage event", "error", err)
		return
	}
	g.opts.Publisher.Publish(ctx, e)
}

// AuthError maps an authentication failure to its protocol error.  Messages
// are fixed so that the underlying cause is never returned to the caller.
func AuthError(err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return jsonrpc.NewError(jsonrpc.CodeUnauthorized, jsonrpc.MsgAuthRequired)
	case errors.Is(err, auth.ErrTokenExpired):
		return jsonrpc.NewError(jsonrpc.CodeTokenExpired, jsonrpc.MsgTokenExpired)
	case errors.Is(err, auth.ErrTokenInvalid):
		return jsonrpc.NewError(jsonrpc.CodeTokenInvalid, jsonrpc.MsgTokenInvalid)
	case errors.Is(err, auth.ErrTokenMalformed):
		return jsonrpc.NewError(jsonrpc.CodeTokenMalformed, jsonrpc.MsgTokenMalformed)
	case errors.Is(err, auth.ErrClientNotRegistered):
		return jsonrpc.NewError(jsonrpc.CodeClientNotRegistered, jsonrpc.MsgClientNotRegistered)
	case errors.Is(err, auth.ErrSessionExpired):
		return jsonrpc.NewError(jsonrpc.CodeSessionExpired, jsonrpc.MsgSessionExpired)
	case errors.Is(err, auth.ErrInsufficientScope):
		return jsonrpc.NewError(jsonrpc.CodeInsufficientPermissions, jsonrpc.MsgInsufficientPermissions)
	default:
		return jsonrpc.NewError(jsonrpc.CodeUnauthorized, jsonrpc.MsgAuthFailed)
	}
}
