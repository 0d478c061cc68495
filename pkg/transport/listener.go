package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/inngest/mcpgate/pkg/logger"
)

// Listener is a service serving an http.Handler on its own address.  Each
// Run listens afresh, so a supervised Listener can be restarted after the
// server fails.
type Listener struct {
	name    string
	addr    string
	handler http.Handler
	// onStop runs before the server shuts down, to end long-lived requests
	// which Shutdown would otherwise wait on.
	onStop func()
	listen func(network, addr string) (net.Listener, error)

	mu    sync.Mutex
	srv   *http.Server
	bound string
}

func NewListener(name, addr string, handler http.Handler, onStop func()) *Listener {
	return &Listener{name: name, addr: addr, handler: handler, onStop: onStop, listen: net.Listen}
}

func (l *Listener) Name() string {
	return l.name
}

func (l *Listener) Pre(ctx context.Context) error {
	if l.addr == "" {
		return fmt.Errorf("%s: no address configured", l.name)
	}
	return nil
}

func (l *Listener) Run(ctx context.Context) error {
	ln, err := l.listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", l.addr, err)
	}

	// Scoped to this run so a failed Serve does not leave the shutdown
	// goroutine behind across restarts.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Requests inherit the service context, and with it the logger.  Long
		// lived streams end when the service does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	l.mu.Lock()
	l.srv = srv
	l.bound = ln.Addr().String()
	l.mu.Unlock()

	logger.From(ctx).Info("listening", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		l.shutdownServer(srv)
	}()

	err = srv.Serve(ln)
	cancel()
	<-stopped
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *Listener) Stop(ctx context.Context) error {
	return l.shutdown()
}

func (l *Listener) shutdown() error {
	l.mu.Lock()
	srv := l.srv
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	return l.shutdownServer(srv)
}

// shutdownServer stops srv once, if it is still the current server.
func (l *Listener) shutdownServer(srv *http.Server) error {
	l.mu.Lock()
	if l.srv != srv {
		l.mu.Unlock()
		return nil
	}
	l.srv = nil
	l.mu.Unlock()

	if l.onStop != nil {
		l.onStop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Addr returns the address the listener is bound to, or an empty string
// before it is listening.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}
