package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/stretchr/testify/require"
)

type staticAuth map[string]string

func (s staticAuth) Authenticate(ctx context.Context, token string) (*auth.Identity, *jsonrpc.Error) {
	if user, ok := s[token]; ok {
		return &auth.Identity{UserID: user, Method: auth.MethodStatic}, nil
	}
	return nil, jsonrpc.NewError(jsonrpc.CodeTokenInvalid, jsonrpc.MsgTokenInvalid)
}

func newServer(t *testing.T) (*Registry, string) {
	t.Helper()
	reg := NewRegistry(RegistryOpts{})
	srv := httptest.NewServer(NewHandler(HandlerOpts{
		Registry:      reg,
		Authenticator: staticAuth{"good": "u1"},
	}))
	t.Cleanup(srv.Close)
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	byt, err := json.Marshal(f)
	require.NoError(t, err)
	sendRaw(t, conn, string(byt))
}

func sendRaw(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func receive(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	f, err := ParseFrame(data)
	require.NoError(t, err)
	return f
}

func TestHandlerHandshake(t *testing.T) {
	reg, url := newServer(t)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	t.Run("subscribe before auth is rejected", func(t *testing.T) {
		send(t, conn, SubscribeFrame{Topics: []string{fanout.TopicSystemStats}})
		require.Equal(t, ErrorFrame{Message: "Authentication required"}, receive(t, conn))
	})

	t.Run("bad token keeps the session unauthenticated", func(t *testing.T) {
		send(t, conn, AuthFrame{Token: "bad"})
		require.Equal(t, ErrorFrame{Message: "Authentication failed: " + jsonrpc.MsgTokenInvalid}, receive(t, conn))
	})

	t.Run("malformed frames are reported", func(t *testing.T) {
		sendRaw(t, conn, `{"type":"bogus"}`)
		f := receive(t, conn)
		require.IsType(t, ErrorFrame{}, f)
		require.True(t, strings.HasPrefix(f.(ErrorFrame).Message, "Invalid message format"))

		sendRaw(t, conn, `nope`)
		require.IsType(t, ErrorFrame{}, receive(t, conn))
	})

	t.Run("auth then subscribe", func(t *testing.T) {
		send(t, conn, AuthFrame{Token: "good"})
		require.Equal(t, SuccessFrame{Message: "Authentication successful"}, receive(t, conn))

		send(t, conn, SubscribeFrame{Topics: []string{fanout.TopicSystemStats, fanout.TopicUsageUpdate}})
		require.Equal(t, SuccessFrame{Message: "Subscribed to 2 topics"}, receive(t, conn))
	})

	t.Run("broadcasts reach the socket", func(t *testing.T) {
		n, err := reg.Broadcast(fanout.TopicSystemStats, SystemStatsFrame{ActiveConnections: 1})
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, SystemStatsFrame{ActiveConnections: 1}, receive(t, conn))
	})
}

func TestHandlerUnauthenticatedSessionGetsNoBroadcasts(t *testing.T) {
	reg, url := newServer(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, SubscribeFrame{Topics: []string{fanout.TopicSystemStats}})
	require.IsType(t, ErrorFrame{}, receive(t, conn))

	n, err := reg.Broadcast(fanout.TopicSystemStats, SystemStatsFrame{})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandlerDisconnectRemovesSession(t *testing.T) {
	reg, url := newServer(t)
	a := dial(t, url)
	_ = dial(t, url)
	require.Eventually(t, func() bool { return reg.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := reg.Broadcast(fanout.TopicSystemStats, SystemStatsFrame{})
	require.NoError(t, err)
}

func TestHandlerCloseAllClosesSockets(t *testing.T) {
	reg, url := newServer(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	reg.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestOriginPatterns(t *testing.T) {
	require.Equal(t,
		[]string{"*", "app.example.com", "*.example.com", "localhost:3000", "bare.example.com"},
		OriginPatterns([]string{"*", "https://app.example.com", "https://*.example.com", "http://localhost:3000/", "bare.example.com", ""}),
	)
	require.Empty(t, OriginPatterns(nil))
}

func TestHandlerOriginPatterns(t *testing.T) {
	reg := NewRegistry(RegistryOpts{})
	srv := httptest.NewServer(NewHandler(HandlerOpts{
		Registry:       reg,
		Authenticator:  staticAuth{"good": "u1"},
		OriginPatterns: OriginPatterns([]string{"app.example.com"}),
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dialFrom := func(origin string) (*websocket.Conn, int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return conn, status, err
	}

	conn, _, err := dialFrom("http://app.example.com")
	require.NoError(t, err)
	_ = conn.CloseNow()

	_, status, err := dialFrom("http://other.example.com")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, status)
}
