package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/config"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/tools"
	"github.com/stretchr/testify/require"
)

var testIdentities = auth.Static{
	"alice-token": {UserID: "alice", TenantID: "acme", Method: auth.MethodStatic},
	"bob-token":   {UserID: "bob", Method: auth.MethodStatic},
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.WebSocket.Addr = "127.0.0.1:0"
	cfg.SSE.Addr = "127.0.0.1:0"
	return cfg
}

// testTools registers the built-ins plus "sleep", which waits for the given
// number of milliseconds before answering.
func testTools() *tools.Registry {
	r := tools.NewRegistry()
	tools.RegisterBuiltins(r, "mcpgate", "test")
	r.Register(tools.Definition{
		Name:        "sleep",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		args := struct {
			Millis int    `json:"ms"`
			Label  string `json:"label"`
		}{}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(args.Millis) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &tools.Result{Content: []tools.Content{tools.TextContent(args.Label)}}, nil
	})
	return r
}

func newResources(t *testing.T, cfg *config.Config) *Resources {
	t.Helper()
	res, err := NewResources(cfg, ResourcesOpts{
		Authenticator: testIdentities,
		Tools:         testTools(),
	})
	require.NoError(t, err)
	return res
}

func decodeResponse(t *testing.T, byt []byte) jsonrpc.Response {
	t.Helper()
	resp := jsonrpc.Response{}
	require.NoError(t, json.Unmarshal(byt, &resp))
	return resp
}

func toolText(t *testing.T, resp jsonrpc.Response) string {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %v", resp.Error)
	res := tools.Result{}
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.NotEmpty(t, res.Content)
	return res.Content[0].Text
}
