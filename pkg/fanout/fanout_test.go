package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, topic, user string, payload any) Event {
	t.Helper()
	e, err := NewEvent(topic, user, payload)
	require.NoError(t, err)
	return e
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := New()

	all, err := b.Subscribe("all")
	require.NoError(t, err)
	usage, err := b.Subscribe("usage", TopicUsageUpdate)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	b.Publish(ctx, mustEvent(t, TopicOAuthCompleted, "u1", map[string]string{"provider": "strava"}))
	b.Publish(ctx, mustEvent(t, TopicUsageUpdate, "u1", nil))

	got := <-all.Events()
	require.Equal(t, TopicOAuthCompleted, got.Topic)
	require.JSONEq(t, `{"provider":"strava"}`, string(got.Payload))
	got = <-all.Events()
	require.Equal(t, TopicUsageUpdate, got.Topic)

	got = <-usage.Events()
	require.Equal(t, TopicUsageUpdate, got.Topic)
	select {
	case e := <-usage.Events():
		t.Fatalf("unexpected event %s", e.Topic)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	ctx := context.Background()
	var drops, wrong int32
	b := New(WithBuffer(2), WithDropHook(func(name string) {
		if name != "slow" {
			atomic.AddInt32(&wrong, 1)
		}
		atomic.AddInt32(&drops, 1)
	}))

	slow, err := b.Subscribe("slow")
	require.NoError(t, err)
	fast, err := b.Subscribe("fast")
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		n := 0
		for i := 0; i < 5; i++ {
			b.Publish(ctx, mustEvent(t, TopicSystemStats, "", nil))
			<-fast.Events()
			n++
		}
		done <- n
	}()

	select {
	case n := <-done:
		require.Equal(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.EqualValues(t, 3, slow.Dropped())
	require.EqualValues(t, 3, atomic.LoadInt32(&drops))
	require.EqualValues(t, 0, atomic.LoadInt32(&wrong))
	require.Len(t, slow.Events(), 2)
	require.EqualValues(t, 0, fast.Dropped())
}

func TestSubscriptionClose(t *testing.T) {
	b := New()
	s, err := b.Subscribe("sse")
	require.NoError(t, err)

	s.Close()
	s.Close()
	require.Equal(t, 0, b.Len())

	_, ok := <-s.Events()
	require.False(t, ok)

	// Publishing after close is a no-op.
	b.Publish(context.Background(), mustEvent(t, TopicSystemStats, "", nil))
}

func TestBroadcasterClose(t *testing.T) {
	b := New()
	s, err := b.Subscribe("ws")
	require.NoError(t, err)

	b.Close()
	b.Close()
	_, ok := <-s.Events()
	require.False(t, ok)
	s.Close()

	_, err = b.Subscribe("late")
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentPublishAndClose(t *testing.T) {
	ctx := context.Background()
	b := New(WithBuffer(1))

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		s, err := b.Subscribe("sub")
		require.NoError(t, err)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(ctx, Event{Topic: TopicSystemStats})
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, b.Len())
}
