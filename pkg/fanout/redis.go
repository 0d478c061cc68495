package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/mcpgate/pkg/backoff"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/redis/rueidis"
)

const redisPublishAttempts = 3

// redisRetry spaces publish attempts: roughly 250ms, then 500ms.
var redisRetry = backoff.ExponentialJitter(250*time.Millisecond, 2*time.Second)

// RedisBridge shares events between replicas through a Redis pub/sub channel.
// Events published through the bridge go to the local broadcaster immediately
// and to Redis in the background; events received from other replicas are
// injected into the local broadcaster.
type RedisBridge struct {
	local   *Broadcaster
	c       rueidis.Client
	channel string
	origin  string
}

func NewRedisBridge(local *Broadcaster, c rueidis.Client, channel string) *RedisBridge {
	return &RedisBridge{
		local:   local,
		c:       c,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

func (r *RedisBridge) Publish(ctx context.Context, e Event) {
	e.Origin = r.origin
	r.local.Publish(ctx, e)

	content, err := json.Marshal(e)
	if err != nil {
		logger.From(ctx).Error("error marshalling event for redis", "error", err, "topic", e.Topic)
		return
	}

	go func() {
		// The request context may end before the publish does.
		ctx := context.WithoutCancel(ctx)
		for i := 0; i < redisPublishAttempts; i++ {
			cmd := r.c.B().Publish().Channel(r.channel).Message(string(content)).Build()
			err := r.c.Do(ctx, cmd).Error()
			if err == nil {
				return
			}
			logger.From(ctx).Warn("error publishing event to redis", "error", err, "attempt", i+1)
			if i+1 < redisPublishAttempts {
				<-time.After(redisRetry(i))
			}
		}
	}()
}

func (r *RedisBridge) Name() string {
	return "fanout-redis"
}

func (r *RedisBridge) Pre(ctx context.Context) error {
	if err := r.c.Do(ctx, r.c.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	return nil
}

// Run receives events from other replicas until ctx is cancelled.
func (r *RedisBridge) Run(ctx context.Context) error {
	l := logger.From(ctx)
	cmd := r.c.B().Subscribe().Channel(r.channel).Build()
	err := r.c.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
		e := Event{}
		if err := json.Unmarshal([]byte(msg.Message), &e); err != nil {
			l.Error("error unmarshalling event from redis", "error", err)
			return
		}
		if e.Origin == r.origin {
			return
		}
		r.local.Publish(ctx, e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *RedisBridge) Stop(ctx context.Context) error {
	return nil
}
