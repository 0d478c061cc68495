package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/gateway"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/publicerr"
)

const DefaultMaxBodyBytes = 1 << 20

// forwardedHeaders are copied from HTTP requests into jsonrpc.Request.Headers.
var forwardedHeaders = []string{
	"User-Agent",
	"X-Client-Id",
	"X-Tenant-Id",
	"Mcp-Session-Id",
}

type APIOpts struct {
	Handler   Handler
	Gateway   *gateway.Gateway
	Publisher fanout.Publisher
	// Metrics is mounted at /metrics when set.
	Metrics        http.Handler
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// NewAPI returns the JSON-RPC over HTTP API.
func NewAPI(o APIOpts) http.Handler {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}

	a := &api{
		Router: chi.NewRouter(),
		opts:   o,
	}
	a.setup()
	return a
}

type api struct {
	chi.Router
	opts APIOpts
}

func (a *api) setup() {
	a.Use(middleware.RequestID)
	a.Use(middleware.Recoverer)
	a.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	a.Get("/health", a.getHealth)
	a.Post("/mcp", a.postMCP)
	a.Post("/notifications", a.postNotification)
	if a.opts.Metrics != nil {
		a.Mount("/metrics", a.opts.Metrics)
	}
}

func (a *api) getHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *api) postMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logger.From(ctx).With("request_id", middleware.GetReqID(ctx))
	ctx = logger.WithLogger(ctx, l)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		mbe := &http.MaxBytesError{}
		if errors.As(err, &mbe) {
			publicerr.WriteHTTP(w, publicerr.Wrapf(err, http.StatusRequestEntityTooLarge, "Request body larger than %d bytes", mbe.Limit))
			return
		}
		publicerr.WriteHTTP(w, publicerr.Wrap(err, http.StatusBadRequest, "Could not read request body"))
		return
	}

	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		l.Debug("error parsing http request", "error", err)
		writeJSON(w, http.StatusOK, jsonrpc.ParseFailure())
		return
	}
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		req.AuthToken = token
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			if req.Headers == nil {
				req.Headers = map[string]string{}
			}
			req.Headers[h] = v
		}
	}

	resp := a.opts.Handler.Handle(ctx, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type notificationRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// postNotification publishes an event for the caller, for example when an
// OAuth flow completes out of band.
func (a *api) postNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, jerr := a.opts.Gateway.Authenticate(ctx, auth.BearerToken(r.Header.Get("Authorization")))
	if jerr != nil {
		publicerr.WriteHTTP(w, publicerr.Wrap(jerr, http.StatusUnauthorized, jerr.Message))
		return
	}

	n := notificationRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)).Decode(&n); err != nil {
		publicerr.WriteHTTP(w, publicerr.Wrap(err, http.StatusBadRequest, "Invalid notification body"))
		return
	}
	if n.Topic == "" {
		n.Topic = fanout.TopicOAuthCompleted
	}

	e, err := fanout.NewEvent(n.Topic, identity.UserID, n.Payload)
	if err != nil {
		publicerr.WriteHTTP(w, publicerr.Wrap(err, http.StatusBadRequest, "Invalid notification payload"))
		return
	}
	a.opts.Publisher.Publish(ctx, e)
	logger.From(ctx).Debug("published notification", "topic", e.Topic, "user_id", e.UserID)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
