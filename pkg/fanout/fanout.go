// Package fanout distributes internally generated events, such as OAuth
// completion and usage updates, to every transport forwarder subscribed to
// them.
//
// Delivery is lossy and at-most-once.  Each subscription owns a bounded queue
// and a publisher never waits on a slow subscriber: when the queue is full the
// event is dropped for that subscriber only.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	TopicOAuthCompleted = "oauth_completed"
	TopicUsageUpdate    = "usage_update"
	TopicSystemStats    = "system_stats"

	DefaultBuffer = 100
)

var ErrClosed = errors.New("broadcaster is closed")

// Event is a notification published to subscribers.  Events without a UserID
// are addressed to everyone.
type Event struct {
	ID        ulid.ULID       `json:"id"`
	Topic     string          `json:"topic"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// Origin identifies the replica which published the event.
	Origin string `json:"origin,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(topic, userID string, payload any) (Event, error) {
	e := Event{
		ID:        ulid.Make(),
		Topic:     topic,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if payload == nil {
		return e, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		e.Payload = raw
		return e, nil
	}
	byt, err := json.Marshal(payload)
	if err != nil {
		return e, fmt.Errorf("error marshalling %s payload: %w", topic, err)
	}
	e.Payload = byt
	return e, nil
}

// Publisher publishes events.  Publish must never block on subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Opt func(b *Broadcaster)

// WithBuffer sets the queue size of new subscriptions.
func WithBuffer(n int) Opt {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHook is called with the subscription name whenever an event is
// dropped.  The hook runs on the publishing goroutine and must not block.
func WithDropHook(f func(subscriber string)) Opt {
	return func(b *Broadcaster) {
		b.onDrop = f
	}
}

// Broadcaster is an in-process multi-producer, multi-consumer broadcast.
type Broadcaster struct {
	buffer int
	onDrop func(string)

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

func New(opts ...Opt) *Broadcaster {
	b := &Broadcaster{
		buffer: DefaultBuffer,
		subs:   map[uuid.UUID]*Subscription{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new subscription.  With no topics the subscription
// receives every event.
func (b *Broadcaster) Subscribe(name string, topics ...string) (*Subscription, error) {
	s := &Subscription{
		ID:   uuid.New(),
		Name: name,
		ch:   make(chan Event, b.buffer),
		b:    b,
	}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[s.ID] = s
	return s, nil
}

// Publish offers e to every interested subscription without blocking.
func (b *Broadcaster) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.wants(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(s.Name)
			}
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closeChan()
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.ID)
	s.closeChan()
}

// Subscription is a single consumer's queue.
type Subscription struct {
	ID   uuid.UUID
	Name string

	topics  map[string]struct{}
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	b       *Broadcaster
}

func (s *Subscription) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Events returns the queue.  It is closed when the subscription or the
// broadcaster closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were dropped because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes.  It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
}

func (s *Subscription) closeChan() {
	s.once.Do(func() {
		close(s.ch)
	})
}
