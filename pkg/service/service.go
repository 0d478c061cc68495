// Package service runs long-lived components, such as transport listeners,
// with a common lifecycle: Pre, Run until cancelled or failed, then Stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/inngest/mcpgate/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var (
	defaultTimeout = 30 * time.Second

	ErrPreTimeout = fmt.Errorf("service did not pre-up within the given timeout")
)

type wgctx struct{}

// GetWaitgroup returns the waitgroup stored in a running service's context.
// Goroutines spawned while handling work can add to it so that Stop waits for
// them.
func GetWaitgroup(ctx context.Context) *sync.WaitGroup {
	wg, _ := ctx.Value(wgctx{}).(*sync.WaitGroup)
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return wg
}

// Service is a long-running component.  Start calls Pre with a timeout, runs
// Run until the context is cancelled, a termination signal arrives or Run
// returns, then calls Stop.
type Service interface {
	// Name returns the service name, used in logs and metrics.
	Name() string
	// Pre prepares the service, returning an error if it cannot run.
	Pre(ctx context.Context) error
	// Run blocks until ctx is cancelled or the service fails.
	Run(ctx context.Context) error
	// Stop shuts the service down gracefully.
	Stop(ctx context.Context) error
}

// StartTimeouter lets a Service define the timeout used when running Pre.
type StartTimeouter interface {
	Service
	StartTimeout() time.Duration
}

func startTimeout(s Service) time.Duration {
	if t, ok := s.(StartTimeouter); ok {
		return t.StartTimeout()
	}
	return defaultTimeout
}

// StopTimeouter lets a Service define the timeout used when running Stop.
type StopTimeouter interface {
	Service
	StopTimeout() time.Duration
}

func stopTimeout(s Service) time.Duration {
	if t, ok := s.(StopTimeouter); ok {
		return t.StopTimeout()
	}
	return defaultTimeout
}

// Finite is implemented by services whose Run may end cleanly without the
// process shutting down, eg. the stdio transport reaching end of input.  When
// a Finite service returns nil its siblings keep running.
type Finite interface {
	Service
	Finite() bool
}

func isFinite(s Service) bool {
	f, ok := s.(Finite)
	return ok && f.Finite()
}

// StartAll starts every service.  When a non-finite service errors or stops,
// every other service is stopped too.  A Finite service only ever stops
// itself.
func StartAll(ctx context.Context, all ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := &errgroup.Group{}
	for _, s := range all {
		svc := s
		eg.Go(func() error {
			err := Start(ctx, svc)
			if isFinite(svc) && ctx.Err() == nil {
				// A finite service ends alone, even when it fails.
				if err != nil {
					logger.From(ctx).Error("service failed", "service", svc.Name(), "error", err)
				} else {
					logger.From(ctx).Info("service finished", "service", svc.Name())
				}
				return nil
			}
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("service %s errored: %w", svc.Name(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Start runs a single Service, blocking until it terminates.
func Start(ctx context.Context, s Service) (err error) {
	l := logger.From(ctx).With("caller", s.Name())
	ctx = logger.WithLogger(ctx, l)

	preCh := make(chan error, 1)
	go func() {
		preCh <- s.Pre(ctx)
	}()
	select {
	case <-time.After(startTimeout(s)):
		return ErrPreTimeout
	case err = <-preCh:
		if err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	runCtx, cleanup := context.WithCancel(ctx)
	defer cleanup()

	wg := &sync.WaitGroup{}
	runCtx = context.WithValue(runCtx, wgctx{}, wg)

	runErr := make(chan error, 1)
	l.Info("service starting")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.Error("service panicked", "recover", r)
				runErr <- fmt.Errorf("service %s panicked: %v", s.Name(), r)
			}
			cleanup()
		}()
		runErr <- s.Run(runCtx)
	}()

	select {
	case sig := <-sigs:
		l.Info("received signal", "signal", sig.String())
		cleanup()
	case err = <-runErr:
		if err != nil {
			l.Error("service errored", "error", err)
		} else {
			l.Info("service run stopped")
		}
	case <-runCtx.Done():
		select {
		case err = <-runErr:
		default:
		}
		l.Info("service run stopped")
	}

	stopCh := make(chan error, 1)
	go func() {
		l.Debug("service cleaning up")
		if err := s.Stop(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			stopCh <- err
			return
		}
		wg.Wait()
		stopCh <- nil
	}()
	select {
	case <-time.After(stopTimeout(s)):
		l.Error("service did not clean up within timeout")
		return err
	case stopErr := <-stopCh:
		if stopErr != nil {
			err = multierror.Append(err, stopErr)
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
