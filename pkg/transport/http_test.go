package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/stretchr/testify/require"
)

func newAPIServer(t *testing.T, res *Resources) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewAPI(APIOpts{
		Handler:      res.Router,
		Gateway:      res.Gateway,
		Publisher:    res.Publisher,
		Metrics:      res.Metrics.Router,
		MaxBodyBytes: 4096,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	byt, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return byt
}

func TestHTTPPing(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	resp := post(t, srv.URL+"/mcp", "", `{"protocol_version":"2.0","method":"ping","id":7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"protocol_version":"2.0","result":{},"id":7}`, string(readBody(t, resp)))
}

func TestHTTPNotificationIsAccepted(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	resp := post(t, srv.URL+"/mcp", "", `{"protocol_version":"2.0","method":"notifications/progress","params":{"progress":50}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Empty(t, readBody(t, resp))
}

func TestHTTPParseFailure(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	resp := post(t, srv.URL+"/mcp", "", `{"protocol_version":`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t,
		`{"protocol_version":"2.0","error":{"code":-32603,"message":"Internal error"},"id":null}`,
		string(readBody(t, resp)),
	)
}

func TestHTTPBodyLimit(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	body := `{"protocol_version":"2.0","method":"ping","id":1,"params":{"pad":"` + strings.Repeat("x", 5000) + `"}}`
	resp := post(t, srv.URL+"/mcp", "", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHTTPBearerToken(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	body := `{"protocol_version":"2.0","method":"tools/call","params":{"name":"whoami"},"id":1}`

	resp := post(t, srv.URL+"/mcp", "", body)
	r := decodeResponse(t, readBody(t, resp))
	require.NotNil(t, r.Error)
	require.Equal(t, jsonrpc.CodeUnauthorized, r.Error.Code)

	resp = post(t, srv.URL+"/mcp", "alice-token", body)
	require.Equal(t, "user_id=alice tenant_id=acme", toolText(t, decodeResponse(t, readBody(t, resp))))
}

func TestHTTPConcurrentRequestsCorrelate(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	// The first request finishes last; each response must still carry its
	// own id.
	bodies := []string{
		`{"protocol_version":"2.0","method":"tools/call","params":{"name":"sleep","arguments":{"ms":100,"label":"slow"}},"id":1}`,
		`{"protocol_version":"2.0","method":"tools/call","params":{"name":"sleep","arguments":{"ms":0,"label":"fast"}},"id":2}`,
	}
	raw := make([][]byte, len(bodies))
	errs := make([]error, len(bodies))

	wg := sync.WaitGroup{}
	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
			if err != nil {
				errs[i] = err
				return
			}
			req.Header.Set("Authorization", "Bearer bob-token")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			raw[i], errs[i] = io.ReadAll(resp.Body)
		}(i, body)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	slow, fast := decodeResponse(t, raw[0]), decodeResponse(t, raw[1])
	require.Equal(t, "1", slow.ID.String())
	require.Equal(t, "slow", toolText(t, slow))
	require.Equal(t, "2", fast.ID.String())
	require.Equal(t, "fast", toolText(t, fast))
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(readBody(t, resp)))

	post(t, srv.URL+"/mcp", "", `{"protocol_version":"2.0","method":"ping","id":1}`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(readBody(t, resp)), `mcpgate_requests_total{code="0",method="ping"} 1`)
}

func TestHTTPPublishNotification(t *testing.T) {
	res := newResources(t, testConfig())
	defer res.Close()
	srv := newAPIServer(t, res)

	sub, err := res.Broadcaster.Subscribe("test", fanout.TopicOAuthCompleted)
	require.NoError(t, err)
	defer sub.Close()

	resp := post(t, srv.URL+"/notifications", "", `{"payload":{}}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/notifications", "alice-token", `{"payload":{"provider":"strava","success":true}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := map[string]string{}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	require.NotEmpty(t, out["id"])

	select {
	case e := <-sub.Events():
		require.Equal(t, fanout.TopicOAuthCompleted, e.Topic)
		require.Equal(t, "alice", e.UserID)
		require.Equal(t, out["id"], e.ID.String())
		require.JSONEq(t, `{"provider":"strava","success":true}`, string(e.Payload))
	case <-time.After(time.Second):
		t.Fatal("notification was not published")
	}

	resp = post(t, srv.URL+"/notifications", "alice-token", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
