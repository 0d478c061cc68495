package service

import (
	"context"
	"fmt"
	"time"

	"github.com/inngest/mcpgate/pkg/backoff"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/jonboulle/clockwork"
)

// SuperviseOpt configures Supervise.
type SuperviseOpt func(o *superviseOpts)

type superviseOpts struct {
	backoff   backoff.Func
	clock     clockwork.Clock
	onRestart func(attempt int, err error)
}

// WithBackoff sets the restart delay schedule.  Defaults to
// backoff.DefaultRestart.
func WithBackoff(f backoff.Func) SuperviseOpt {
	return func(o *superviseOpts) {
		o.backoff = f
	}
}

// WithClock sets the clock used to wait between restarts.
func WithClock(c clockwork.Clock) SuperviseOpt {
	return func(o *superviseOpts) {
		o.clock = c
	}
}

// WithOnRestart registers a hook called before each restart delay.
func WithOnRestart(f func(attempt int, err error)) SuperviseOpt {
	return func(o *superviseOpts) {
		o.onRestart = f
	}
}

// Supervise calls run until ctx is cancelled.  Whenever run returns, whether
// it errored, panicked or stopped cleanly, it is restarted after the backoff
// delay for that attempt.  Supervise only returns once ctx is done, so a
// crashing listener never takes the process down with it.
func Supervise(ctx context.Context, name string, run func(ctx context.Context) error, opts ...SuperviseOpt) error {
	o := &superviseOpts{
		backoff: backoff.DefaultRestart,
		clock:   clockwork.NewRealClock(),
	}
	for _, apply := range opts {
		apply(o)
	}

	l := logger.From(ctx).With("supervised", name)
	for attempt := 0; ; attempt++ {
		err := runSafely(ctx, run)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s stopped unexpectedly", name)
		}

		delay := o.backoff(attempt)
		l.Error("restarting after failure", "error", err, "attempt", attempt+1, "delay", delay.String())
		if o.onRestart != nil {
			o.onRestart(attempt, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-o.clock.After(delay):
		}
	}
}

func runSafely(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

// Supervised wraps a Service so that its Run is restarted with Supervise.
func Supervised(s Service, opts ...SuperviseOpt) Service {
	return &supervised{Service: s, opts: opts}
}

type supervised struct {
	Service
	opts []SuperviseOpt
}

func (s *supervised) Run(ctx context.Context) error {
	return Supervise(ctx, s.Service.Name(), s.Service.Run, s.opts...)
}

func (s *supervised) StartTimeout() time.Duration {
	return startTimeout(s.Service)
}

func (s *supervised) StopTimeout() time.Duration {
	return stopTimeout(s.Service)
}
