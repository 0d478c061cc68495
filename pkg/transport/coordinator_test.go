package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/coder/websocket"
	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/realtime"
	"github.com/stretchr/testify/require"
)

func startCoordinator(t *testing.T) (*Coordinator, *Resources) {
	t.Helper()
	res := newResources(t, testConfig())
	c, err := NewCoordinator(res, CoordinatorOpts{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	for _, name := range []string{"http", "websocket", "sse"} {
		l := c.Listeners[name]
		require.NotNil(t, l, name)
		require.Eventually(t, func() bool { return l.Addr() != "" }, 2*time.Second, 5*time.Millisecond, name)
	}
	return c, res
}

func wsFrame(t *testing.T, conn *websocket.Conn, f realtime.Frame) {
	t.Helper()
	byt, err := json.Marshal(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, byt))
}

func wsRead(t *testing.T, conn *websocket.Conn) realtime.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	f, err := realtime.ParseFrame(data)
	require.NoError(t, err)
	return f
}

func TestCoordinatorServesEveryTransport(t *testing.T) {
	c, res := startCoordinator(t)
	httpURL := "http://" + c.Listeners["http"].Addr()

	t.Run("http", func(t *testing.T) {
		resp := post(t, httpURL+"/mcp", "", `{"protocol_version":"2.0","method":"ping","id":7}`)
		require.JSONEq(t, `{"protocol_version":"2.0","result":{},"id":7}`, string(readBody(t, resp)))
	})

	t.Run("usage updates reach websocket sessions", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, "ws://"+c.Listeners["websocket"].Addr()+"/ws", nil)
		require.NoError(t, err)
		defer func() { _ = conn.CloseNow() }()

		wsFrame(t, conn, realtime.AuthFrame{Token: "alice-token"})
		require.IsType(t, realtime.SuccessFrame{}, wsRead(t, conn))
		wsFrame(t, conn, realtime.SubscribeFrame{Topics: []string{fanout.TopicUsageUpdate}})
		require.Equal(t, realtime.SuccessFrame{Message: "Subscribed to 1 topics"}, wsRead(t, conn))

		resp := post(t, httpURL+"/mcp", "alice-token",
			`{"protocol_version":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}},"id":1}`)
		require.Equal(t, "hi", toolText(t, decodeResponse(t, readBody(t, resp))))

		f := wsRead(t, conn)
		update, ok := f.(realtime.UsageUpdateFrame)
		require.True(t, ok, "unexpected frame %#v", f)
		require.Equal(t, "alice", update.UserID)
		require.EqualValues(t, 1, update.RequestsToday)
		require.EqualValues(t, 1, update.RequestsThisMonth)
		require.Equal(t, 1, res.Sessions.Len())
	})

	t.Run("notifications reach sse streams", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.Listeners["sse"].Addr()+"/events?token=alice-token", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		r := bufio.NewReader(resp.Body)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, ": connected\n", line)
		_, err = r.ReadString('\n')
		require.NoError(t, err)

		pub := post(t, httpURL+"/notifications", "alice-token", `{"topic":"oauth_completed","payload":{"provider":"strava"}}`)
		require.Equal(t, http.StatusAccepted, pub.StatusCode)

		line, err = r.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, "data: "), line)
		e := fanout.Event{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &e))
		require.Equal(t, fanout.TopicOAuthCompleted, e.Topic)
		require.Equal(t, "alice", e.UserID)
	})
}

func TestCoordinatorStdioEndDoesNotStopListeners(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.Enabled = false
	cfg.SSE.Enabled = false
	cfg.Stdio.Enabled = true
	res := newResources(t, cfg)

	out := &syncBuffer{}
	c, err := NewCoordinator(res, CoordinatorOpts{
		Stdin:  strings.NewReader(`{"protocol_version":"2.0","method":"ping","id":1}` + "\n"),
		Stdout: out,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Listeners["http"].Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	// stdin has ended, yet HTTP keeps serving.
	time.Sleep(50 * time.Millisecond)
	resp := post(t, "http://"+c.Listeners["http"].Addr()+"/mcp", "", `{"protocol_version":"2.0","method":"ping","id":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestCoordinatorStdioFailureDoesNotStopListeners(t *testing.T) {
	cfg := testConfig()
	cfg.Stdio.Enabled = true
	res := newResources(t, cfg)

	out := &syncBuffer{}
	c, err := NewCoordinator(res, CoordinatorOpts{
		Stdin: io.MultiReader(
			strings.NewReader(strings.Repeat("x", MaxLineBytes+10)+"\n"),
			iotest.ErrReader(errors.New("input/output error")),
		),
		Stdout: out,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.JSONEq(t, `{"protocol_version":"2.0","error":{"code":-32603,"message":"Internal error"},"id":null}`, out.Lines()[0])
	for _, name := range []string{"http", "websocket", "sse"} {
		l := c.Listeners[name]
		require.Eventually(t, func() bool { return l.Addr() != "" }, 2*time.Second, 5*time.Millisecond, name)
	}

	// stdin has failed, yet the other transports keep serving.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("coordinator stopped after a stdio failure: %v", err)
	default:
	}

	resp := post(t, "http://"+c.Listeners["http"].Addr()+"/mcp", "", `{"protocol_version":"2.0","method":"ping","id":2}`)
	require.JSONEq(t, `{"protocol_version":"2.0","result":{},"id":2}`, string(readBody(t, resp)))

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	conn, _, err := websocket.Dial(dctx, "ws://"+c.Listeners["websocket"].Addr()+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()
	wsFrame(t, conn, realtime.AuthFrame{Token: "alice-token"})
	require.Equal(t, realtime.SuccessFrame{Message: "Authentication successful"}, wsRead(t, conn))

	cancel()
	require.NoError(t, <-done)
}

func TestCoordinatorWebSocketAllowedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.AllowedOrigins = []string{"https://app.example.com"}
	res := newResources(t, cfg)
	c, err := NewCoordinator(res, CoordinatorOpts{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	l := c.Listeners["websocket"]
	require.Eventually(t, func() bool { return l.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer dcancel()
		return websocket.Dial(dctx, "ws://"+l.Addr()+"/ws", &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
	}

	conn, _, err := dial("https://app.example.com")
	require.NoError(t, err)
	_ = conn.CloseNow()

	_, resp, err := dial("https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCoordinatorRequiresTransports(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Enabled = false
	cfg.WebSocket.Enabled = false
	cfg.SSE.Enabled = false
	res := newResources(t, cfg)

	c, err := NewCoordinator(res, CoordinatorOpts{})
	require.NoError(t, err)
	require.Error(t, c.Run(context.Background()))

	cfg.Stdio.Enabled = true
	_, err = NewCoordinator(newResources(t, cfg), CoordinatorOpts{})
	require.Error(t, err)
}
