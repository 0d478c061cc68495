package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/publicerr"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultKeepalive = 15 * time.Second
	DefaultMaxAge    = time.Hour
)

// Authenticator validates the bearer token of a stream request.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, *jsonrpc.Error)
}

type HandlerOpts struct {
	Registry      *Registry
	Authenticator Authenticator
	// Keepalive is the interval between comment lines which keep idle
	// proxies from closing the stream.
	Keepalive time.Duration
	// MaxAge closes streams after they have been open this long.  Clients
	// are expected to reconnect.
	MaxAge time.Duration
	Clock  clockwork.Clock
}

// Handler serves GET requests as event streams.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) *Handler {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Handler{opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		// EventSource cannot set headers, so browsers pass the token in the
		// query string.
		token = r.URL.Query().Get("token")
	}
	identity, jerr := h.opts.Authenticator.Authenticate(ctx, token)
	if jerr != nil {
		publicerr.WriteHTTP(w, publicerr.Wrap(jerr, http.StatusUnauthorized, jerr.Message))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		publicerr.WriteHTTP(w, publicerr.Errorf(http.StatusInternalServerError, "Streaming unsupported"))
		return
	}

	id, events, err := h.opts.Registry.Open(identity.UserID)
	if errors.Is(err, ErrTooManyStreams) {
		publicerr.WriteHTTP(w, publicerr.Wrap(err, http.StatusTooManyRequests, "Too many open event streams"))
		return
	}
	if err != nil {
		publicerr.WriteHTTP(w, err)
		return
	}
	defer h.opts.Registry.Close(id)

	l := logger.From(ctx).With("stream_id", id.String(), "user_id", identity.UserID)
	l.Debug("event stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepalive := h.opts.Clock.NewTicker(h.opts.Keepalive)
	defer keepalive.Stop()
	expired := h.opts.Clock.After(h.opts.MaxAge)

	for {
		select {
		case <-ctx.Done():
			l.Debug("event stream disconnected")
			return
		case <-expired:
			l.Debug("event stream reached max age")
			return
		case <-keepalive.Chan():
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case msg, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				l.Debug("error writing event", "error", err)
				return
			}
		}
		flusher.Flush()
	}
}
