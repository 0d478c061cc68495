package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inngest/mcpgate/pkg/jsonrpc"
)

// RegisterBuiltins adds the tools, resources and prompts every server offers.
func RegisterBuiltins(r *Registry, serverName, serverVersion string) {
	r.Register(Definition{
		Name:        "echo",
		Description: "Returns the given message unchanged.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
	}, echo)

	r.Register(Definition{
		Name:        "whoami",
		Description: "Returns the authenticated user and resolved tenant.",
	}, whoami)

	r.RegisterResource(Resource{
		URI:         "mcpgate://server/info",
		Name:        "Server information",
		Description: "Name and version of this server.",
		MIME:        "application/json",
	}, func(ctx context.Context) (ResourceContents, error) {
		byt, err := json.Marshal(map[string]string{"name": serverName, "version": serverVersion})
		return ResourceContents{MIME: "application/json", Text: string(byt)}, err
	})

	r.RegisterPrompt(Prompt{
		Name:        "summarize",
		Description: "Asks the model to summarize a piece of text.",
		Arguments: []PromptArgument{
			{Name: "text", Description: "Text to summarize", Required: true},
		},
	}, func(ctx context.Context, args map[string]string) ([]PromptMessage, error) {
		return []PromptMessage{{
			Role:    "user",
			Content: TextContent("Summarize the following text:\n\n" + args["text"]),
		}}, nil
	})
}

func echo(ctx context.Context, call Call) (*Result, error) {
	args := struct {
		Message *string `json:"message"`
	}{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, &Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid arguments", Err: err}
		}
	}
	if args.Message == nil {
		return nil, Errorf(jsonrpc.CodeInvalidParams, "Missing argument: message")
	}
	return &Result{Content: []Content{TextContent(*args.Message)}}, nil
}

func whoami(ctx context.Context, call Call) (*Result, error) {
	out := map[string]string{}
	if call.Identity != nil {
		out["user_id"] = call.Identity.UserID
	}
	if call.Tenant != nil {
		out["tenant_id"] = call.Tenant.TenantID
	}
	parts := make([]string, 0, 2)
	for _, k := range []string{"user_id", "tenant_id"} {
		if v, ok := out[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return &Result{
		Content:           []Content{TextContent(strings.Join(parts, " "))},
		StructuredContent: out,
	}, nil
}
