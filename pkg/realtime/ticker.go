package realtime

import (
	"context"
	"time"

	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/usage"
	"github.com/jonboulle/clockwork"
)

const DefaultStatsInterval = 30 * time.Second

type StatsTickerOpts struct {
	Registry *Registry
	Usage    *usage.Tracker
	Interval time.Duration
	Clock    clockwork.Clock
}

// StatsTicker periodically broadcasts system_stats frames to every session
// subscribed to the system_stats topic, whether or not any session is active.
type StatsTicker struct {
	opts StatsTickerOpts
}

func NewStatsTicker(opts StatsTickerOpts) *StatsTicker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultStatsInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &StatsTicker{opts: opts}
}

func (t *StatsTicker) Name() string {
	return "ws-stats"
}

func (t *StatsTicker) Pre(ctx context.Context) error {
	return nil
}

func (t *StatsTicker) Run(ctx context.Context) error {
	ticker := t.opts.Clock.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			t.Tick(ctx)
		}
	}
}

func (t *StatsTicker) Stop(ctx context.Context) error {
	return nil
}

// Tick broadcasts a single system_stats frame.
func (t *StatsTicker) Tick(ctx context.Context) int {
	f := SystemStatsFrame{ActiveConnections: t.opts.Registry.Len()}
	if t.opts.Usage != nil {
		totals := t.opts.Usage.Totals()
		f.TotalRequestsToday = totals.Today
		f.TotalRequestsThisMonth = totals.ThisMonth
	}
	n, err := t.opts.Registry.Broadcast(fanout.TopicSystemStats, f)
	if err != nil {
		logger.From(ctx).Error("error broadcasting system stats", "error", err)
		return 0
	}
	logger.From(ctx).Trace("broadcast system stats", "sessions", n)
	return n
}
