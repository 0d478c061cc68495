package realtime

import (
	"context"
	"encoding/json"

	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/usage"
)

// Forwarder delivers usage_update events from the fan-out to the sessions of
// the user each event is addressed to.
type Forwarder struct {
	reg *Registry
	sub *fanout.Subscription
}

// NewForwarder subscribes to usage updates on b.  The subscription is
// released when Run returns.
func NewForwarder(reg *Registry, b *fanout.Broadcaster) (*Forwarder, error) {
	sub, err := b.Subscribe("ws-usage", fanout.TopicUsageUpdate)
	if err != nil {
		return nil, err
	}
	return &Forwarder{reg: reg, sub: sub}, nil
}

func (f *Forwarder) Name() string {
	return "ws-usage"
}

func (f *Forwarder) Pre(ctx context.Context) error {
	return nil
}

// Run forwards events until ctx is cancelled or the fan-out closes.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-f.sub.Events():
			if !ok {
				return nil
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) Stop(ctx context.Context) error {
	f.sub.Close()
	return nil
}

func (f *Forwarder) forward(ctx context.Context, e fanout.Event) {
	l := logger.From(ctx)
	if e.UserID == "" {
		l.Debug("dropping usage update without a user", "event_id", e.ID.String())
		return
	}

	u := usage.Update{}
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		l.Warn("invalid usage update payload", "event_id", e.ID.String(), "error", err)
		return
	}
	frame := UsageUpdateFrame{
		APIKeyID:          u.APIKeyID,
		UserID:            e.UserID,
		RequestsToday:     u.RequestsToday,
		RequestsThisMonth: u.RequestsThisMonth,
		RateLimitStatus:   u.RateLimitStatus,
	}
	if _, err := f.reg.BroadcastToUser(e.UserID, fanout.TopicUsageUpdate, frame); err != nil {
		l.Error("error forwarding usage update", "error", err)
	}
}
