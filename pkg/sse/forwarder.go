package sse

import (
	"context"

	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/logger"
)

// Forwarder copies every fan-out event onto the matching event streams.
type Forwarder struct {
	reg *Registry
	sub *fanout.Subscription
}

func NewForwarder(reg *Registry, b *fanout.Broadcaster) (*Forwarder, error) {
	sub, err := b.Subscribe("sse")
	if err != nil {
		return nil, err
	}
	return &Forwarder{reg: reg, sub: sub}, nil
}

func (f *Forwarder) Name() string {
	return "sse-forwarder"
}

func (f *Forwarder) Pre(ctx context.Context) error {
	return nil
}

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
			n, err := f.reg.Deliver(e)
			if err != nil {
				logger.From(ctx).Error("error delivering event", "topic", e.Topic, "error", err)
				continue
			}
			logger.From(ctx).Trace("delivered event", "topic", e.Topic, "streams", n)
		}
	}
}

func (f *Forwarder) Stop(ctx context.Context) error {
	f.sub.Close()
	return nil
}
