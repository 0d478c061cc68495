package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	msgAuthenticated = "Authentication successful"
	// readLimit bounds inbound frames, which are only ever auth and subscribe
	// messages.
	readLimit = 64 * 1024
)

var errSessionClosed = errors.New("session closed")

// Authenticator validates the token carried by an auth frame.  It is
// satisfied by *gateway.Gateway so that sessions share the error mapping used
// by tools/call.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, *jsonrpc.Error)
}

type HandlerOpts struct {
	Registry      *Registry
	Authenticator Authenticator
	// OriginPatterns lists additional hosts allowed to open sockets from a
	// browser.  See websocket.AcceptOptions.
	OriginPatterns []string
}

// OriginPatterns converts allowed origins, as given to CORS, into the host
// patterns matched by websocket.AcceptOptions.  The scheme and any path are
// dropped; "*" allows every origin.
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		o, _, _ = strings.Cut(o, "/")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}

// Handler upgrades HTTP requests to WebSocket sessions.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) *Handler {
	return &Handler{opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logger.From(ctx)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		// Accept has already written an error response.
		l.Warn("error upgrading websocket connection", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(readLimit)

	id, out := h.opts.Registry.Register()
	defer h.opts.Registry.Remove(id)

	l = l.With("session_id", id.String())
	l.Debug("websocket session opened")

	eg, ctx := errgroup.WithContext(logger.WithLogger(ctx, l))
	eg.Go(func() error {
		return h.read(ctx, ws, id)
	})
	eg.Go(func() error {
		return h.write(ctx, ws, out)
	})

	err = eg.Wait()
	switch {
	case err == nil, errors.Is(err, errSessionClosed), errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		l.Debug("websocket session ended", "error", err)
		return
	}
	l.Debug("websocket session closed")
}

// read handles inbound frames until the socket fails.  Every reply is queued
// through the registry, never written directly.
func (h *Handler) read(ctx context.Context, ws *websocket.Conn, id uuid.UUID) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			// Remove before returning so the writer observes the closed queue
			// even if the group context has not been cancelled yet.
			h.opts.Registry.Remove(id)
			return err
		}
		h.handleFrame(ctx, id, data)
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-out:
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "session closed")
				return errSessionClosed
			}
			if err := ws.Write(ctx, websocket.MessageText, msg); err != nil {
				return fmt.Errorf("error writing websocket frame: %w", err)
			}
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, id uuid.UUID, data []byte) {
	l := logger.From(ctx)

	f, err := ParseFrame(data)
	if err != nil {
		h.reply(ctx, id, ErrorFrame{Message: "Invalid message format: " + err.Error()})
		return
	}

	switch frame := f.(type) {
	case AuthFrame:
		identity, jerr := h.opts.Authenticator.Authenticate(ctx, frame.Token)
		if jerr != nil {
			h.reply(ctx, id, ErrorFrame{Message: "Authentication failed: " + jerr.Message})
			return
		}
		if err := h.opts.Registry.Authenticate(id, identity); err != nil {
			l.Warn("error authenticating websocket session", "error", err)
			return
		}
		l.Debug("websocket session authenticated", "user_id", identity.UserID)
		h.reply(ctx, id, SuccessFrame{Message: msgAuthenticated})
	case SubscribeFrame:
		err := h.opts.Registry.Subscribe(id, frame.Topics)
		if errors.Is(err, ErrNotAuthenticated) {
			h.reply(ctx, id, ErrorFrame{Message: jsonrpc.MsgAuthRequired})
			return
		}
		if err != nil {
			l.Warn("error subscribing websocket session", "error", err)
			return
		}
		h.reply(ctx, id, SuccessFrame{Message: fmt.Sprintf("Subscribed to %d topics", len(frame.Topics))})
	default:
		// Server-to-client frames carry nothing to act on.
		l.Debug("ignoring websocket frame", "type", f.FrameType())
	}
}

func (h *Handler) reply(ctx context.Context, id uuid.UUID, f Frame) {
	if err := h.opts.Registry.Send(id, f); err != nil {
		logger.From(ctx).Debug("error queueing websocket reply", "type", f.FrameType(), "error", err)
	}
}
