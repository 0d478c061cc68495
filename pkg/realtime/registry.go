// Package realtime implements WebSocket sessions: an authentication handshake,
// topic subscriptions and delivery of broadcast frames such as usage updates
// and system stats.
//
// The Registry exclusively owns every session.  A connection only holds its
// session id and the receiving end of its outbound queue, and every frame it
// sends, including replies to its own messages, goes through the Registry.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/metrics"
)

const DefaultOutboundBuffer = 64

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrQueueFull        = errors.New("session outbound queue is full")
)

type session struct {
	id       uuid.UUID
	identity *auth.Identity
	topics   map[string]struct{}
	out      chan []byte
	once     sync.Once
	dropped  atomic.Int64
}

func (s *session) subscribed(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// enqueue never blocks.  The caller must hold the registry lock, which
// guarantees the queue has not been closed.
func (s *session) enqueue(msg []byte) bool {
	select {
	case s.out <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.out)
	})
}

// RegistryOpts configures a Registry.
type RegistryOpts struct {
	// Buffer is the outbound queue size per session.
	Buffer   int
	Recorder metrics.Recorder
}

// Registry tracks live WebSocket sessions.
type Registry struct {
	buffer   int
	recorder metrics.Recorder

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

func NewRegistry(opts RegistryOpts) *Registry {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOutboundBuffer
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	return &Registry{
		buffer:   opts.Buffer,
		recorder: opts.Recorder,
		sessions: map[uuid.UUID]*session{},
	}
}

// Register creates an unauthenticated session with no topics, returning its
// id and the queue to drain onto the socket.  The queue is closed when the
// session is removed.
func (r *Registry) Register() (uuid.UUID, <-chan []byte) {
	s := &session{
		id:     uuid.New(),
		topics: map[string]struct{}{},
		out:    make(chan []byte, r.buffer),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.recorder.SetSessions(n)
	return s.id, s.out
}

// Authenticate attaches an identity to a session.
func (r *Registry) Authenticate(id uuid.UUID, identity *auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.identity = identity
	return nil
}

// Subscribe adds topics to an authenticated session.  Subscriptions are
// additive; subscribing to a topic twice has no further effect.
func (r *Registry) Subscribe(id uuid.UUID, topics []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.identity == nil {
		return ErrNotAuthenticated
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	return nil
}

// Topics returns the session's subscribed topics.
func (r *Registry) Topics(id uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Send queues a frame for a single session.
func (r *Registry) Send(id uuid.UUID, f Frame) error {
	msg, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("error encoding %s frame: %w", f.FrameType(), err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.enqueue(msg) {
		return ErrQueueFull
	}
	return nil
}

// Broadcast queues f for every session subscribed to topic, returning how
// many sessions accepted it.  Sessions with a full queue miss the frame.
func (r *Registry) Broadcast(topic string, f Frame) (int, error) {
	return r.broadcast(topic, f, func(*session) bool { return true })
}

// BroadcastToUser is Broadcast restricted to the sessions of one user.
func (r *Registry) BroadcastToUser(userID, topic string, f Frame) (int, error) {
	return r.broadcast(topic, f, func(s *session) bool {
		return s.identity != nil && s.identity.UserID == userID
	})
}

func (r *Registry) broadcast(topic string, f Frame, match func(*session) bool) (int, error) {
	msg, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("error encoding %s frame: %w", f.FrameType(), err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if !s.subscribed(topic) || !match(s) {
			continue
		}
		if s.enqueue(msg) {
			n++
		}
	}
	return n, nil
}

// Remove deletes a session and closes its queue.  Removing a session twice is
// a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		s.close()
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.recorder.SetSessions(n)
	}
}

// CloseAll removes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	for id, s := range r.sessions {
		delete(r.sessions, id)
		s.close()
	}
	r.mu.Unlock()
	r.recorder.SetSessions(0)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Dropped returns how many frames a session has missed because its queue was
// full.
func (r *Registry) Dropped(id uuid.UUID) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.dropped.Load()
	}
	return 0
}
