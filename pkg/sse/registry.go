// Package sse streams fan-out events to authenticated clients as Server-Sent
// Events.  The transport is push-only: clients never send requests over it.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/inngest/mcpgate/pkg/fanout"
)

const (
	DefaultMaxPerUser = 5
	DefaultBuffer     = 32
)

var ErrTooManyStreams = errors.New("too many open streams")

type stream struct {
	id      uuid.UUID
	userID  string
	ch      chan []byte
	once    sync.Once
	dropped atomic.Int64
}

func (s *stream) close() {
	s.once.Do(func() { close(s.ch) })
}

// Registry tracks open event streams per user.
type Registry struct {
	maxPerUser int
	buffer     int

	mu      sync.RWMutex
	streams map[uuid.UUID]*stream
	perUser map[string]int
}

func NewRegistry(maxPerUser, buffer int) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		maxPerUser: maxPerUser,
		buffer:     buffer,
		streams:    map[uuid.UUID]*stream{},
		perUser:    map[string]int{},
	}
}

// Open registers a stream for userID.  It fails with ErrTooManyStreams once
// the user already has the maximum number of streams open.
func (r *Registry) Open(userID string) (uuid.UUID, <-chan []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perUser[userID] >= r.maxPerUser {
		return uuid.Nil, nil, fmt.Errorf("%w: user has %d", ErrTooManyStreams, r.perUser[userID])
	}
	s := &stream{
		id:     uuid.New(),
		userID: userID,
		ch:     make(chan []byte, r.buffer),
	}
	r.streams[s.id] = s
	r.perUser[userID]++
	return s.id, s.ch, nil
}

// Close removes a stream and closes its queue.  It is idempotent.
func (r *Registry) Close(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return
	}
	r.remove(s)
}

// remove must be called with the write lock held.
func (r *Registry) remove(s *stream) {
	delete(r.streams, s.id)
	r.perUser[s.userID]--
	if r.perUser[s.userID] <= 0 {
		delete(r.perUser, s.userID)
	}
	s.close()
}

// CloseAll closes every stream.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.streams {
		delete(r.streams, id)
		s.close()
	}
	r.perUser = map[string]int{}
}

// Deliver queues e on the streams of its user, or on every stream when the
// event has no user.  Full queues miss the event.  It returns the number of
// streams which accepted it.
func (r *Registry) Deliver(e fanout.Event) (int, error) {
	msg, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("error encoding event: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.streams {
		if e.UserID != "" && s.userID != e.UserID {
			continue
		}
		select {
		case s.ch <- msg:
			n++
		default:
			s.dropped.Add(1)
		}
	}
	return n, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// UserLen returns the number of streams open for userID.
func (r *Registry) UserLen(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perUser[userID]
}
