package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/inngest/mcpgate/pkg/realtime"
	"github.com/inngest/mcpgate/pkg/service"
	"github.com/inngest/mcpgate/pkg/sse"
)

type CoordinatorOpts struct {
	// Stdin and Stdout back the stdio transport when it is enabled.
	Stdin  io.Reader
	Stdout io.Writer
	// Supervise is passed to every supervised listener, eg. to use a fake
	// clock in tests.
	Supervise []service.SuperviseOpt
}

// Coordinator owns the lifecycle of every enabled transport.  Listeners run
// supervised, so a crashed listener is restarted after a delay while the
// other transports keep serving.
type Coordinator struct {
	res      *Resources
	services []service.Service

	// Listeners, by transport name.
	Listeners map[string]*Listener
}

func NewCoordinator(res *Resources, opts CoordinatorOpts) (*Coordinator, error) {
	cfg := res.Config
	c := &Coordinator{res: res, Listeners: map[string]*Listener{}}

	if cfg.HTTP.Enabled {
		api := NewAPI(APIOpts{
			Handler:        res.Router,
			Gateway:        res.Gateway,
			Publisher:      res.Publisher,
			Metrics:        res.Metrics.Router,
			MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		})
		c.listen("http", cfg.HTTP.Addr, api, nil, opts)
	}

	if cfg.WebSocket.Enabled {
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle("/ws", realtime.NewHandler(realtime.HandlerOpts{
			Registry:       res.Sessions,
			Authenticator:  res.Gateway,
			OriginPatterns: realtime.OriginPatterns(cfg.HTTP.AllowedOrigins),
		}))
		c.listen("websocket", cfg.WebSocket.Addr, r, res.Sessions.CloseAll, opts)

		fwd, err := realtime.NewForwarder(res.Sessions, res.Broadcaster)
		if err != nil {
			return nil, fmt.Errorf("error creating websocket forwarder: %w", err)
		}
		c.services = append(c.services,
			fwd,
			realtime.NewStatsTicker(realtime.StatsTickerOpts{
				Registry: res.Sessions,
				Usage:    res.Usage,
				Interval: cfg.WebSocket.StatsInterval,
				Clock:    res.Clock,
			}),
		)
	}

	if cfg.SSE.Enabled {
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle("/events", sse.NewHandler(sse.HandlerOpts{
			Registry:      res.Streams,
			Authenticator: res.Gateway,
			Keepalive:     cfg.SSE.Keepalive,
			MaxAge:        cfg.SSE.MaxAge,
			Clock:         res.Clock,
		}))
		c.listen("sse", cfg.SSE.Addr, r, res.Streams.CloseAll, opts)

		fwd, err := sse.NewForwarder(res.Streams, res.Broadcaster)
		if err != nil {
			return nil, fmt.Errorf("error creating sse forwarder: %w", err)
		}
		c.services = append(c.services, fwd)
	}

	if cfg.Stdio.Enabled {
		if opts.Stdin == nil || opts.Stdout == nil {
			return nil, errors.New("stdio is enabled without stdin and stdout")
		}
		c.services = append(c.services, NewStdio(StdioOpts{
			In:          opts.Stdin,
			Out:         opts.Stdout,
			Handler:     res.Router,
			Broadcaster: res.Broadcaster,
			Topics:      cfg.Stdio.Topics,
		}))
	}

	if res.Redis != nil {
		c.services = append(c.services, c.supervised(res.Redis, "fanout-redis", opts))
	}
	return c, nil
}

func (c *Coordinator) listen(name, addr string, h http.Handler, onStop func(), opts CoordinatorOpts) {
	l := NewListener(name, addr, h, onStop)
	c.Listeners[name] = l
	c.services = append(c.services, c.supervised(l, name, opts))
}

func (c *Coordinator) supervised(s service.Service, name string, opts CoordinatorOpts) service.Service {
	so := append([]service.SuperviseOpt{
		service.WithOnRestart(func(attempt int, err error) {
			c.res.Metrics.IncRestart(name)
		}),
	}, opts.Supervise...)
	return service.Supervised(s, so...)
}

// Services returns the services run by the coordinator.
func (c *Coordinator) Services() []service.Service {
	return c.services
}

// Run starts every transport and blocks until ctx is cancelled or a
// transport fails outside of supervision.  Shared resources are closed on
// return.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.res.Close()
	if len(c.services) == 0 {
		return errors.New("no transports enabled")
	}
	return service.StartAll(ctx, c.services...)
}
