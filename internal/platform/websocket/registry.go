// Package websocket tracks the live session of each connected user and
// pushes events to it. A user has at most one live session; connecting
// again replaces the previous one.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/metrics"
)

// Envelope is the frame written to clients.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Session is one live connection.
type Session struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Role   string
	Send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(userID uuid.UUID, role string, buffer int) *Session {
	return &Session{
		ID:     uuid.New(),
		UserID: userID,
		Role:   role,
		Send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Done is closed when the session disconnects.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close is safe to call more than once. Send is never closed so a sender
// racing with Close cannot panic.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// offer queues data without blocking.
func (s *Session) offer(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.Send <- data:
		return true
	default:
		return false
	}
}

// Registry maps user ids to their current session. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewRegistry(m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		metrics:  m,
		logger:   logger.With().Str("component", "ws-registry").Logger(),
	}
}

// Register makes s the user's live session and returns the session it
// replaced, if any. The replaced session stops receiving deliveries but its
// socket stays open until the client or the read deadline ends it.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[s.UserID]
	r.sessions[s.UserID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetLiveSessions(n)
	if prev != nil && prev != s {
		r.logger.Debug().
			Str("user_id", s.UserID.String()).
			Str("superseded", prev.ID.String()).
			Msg("session replaced")
		return prev
	}
	return nil
}

// Unregister removes the user's entry only when sessionID is still current,
// so a late disconnect from a replaced session leaves the newer one alone.
func (r *Registry) Unregister(userID, sessionID uuid.UUID) bool {
	r.mu.Lock()
	cur, ok := r.sessions[userID]
	if !ok || cur.ID != sessionID {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, userID)
	n := len(r.sessions)
	r.mu.Unlock()

	cur.Close()
	r.metrics.SetLiveSessions(n)
	return true
}

func (r *Registry) IsLive(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendTo delivers event to the user's live session. It reports false when
// the user is offline or the session's buffer is full.
func (r *Registry) SendTo(userID uuid.UUID, event string, payload interface{}) bool {
	data, err := Encode(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}
	return r.SendRaw(userID, data)
}

// Broadcast delivers event to every live session and returns how many
// accepted it.
func (r *Registry) Broadcast(event string, payload interface{}) int {
	data, err := Encode(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return 0
	}
	return r.BroadcastRaw(data)
}

// SendRaw queues an already encoded frame.
func (r *Registry) SendRaw(userID uuid.UUID, data []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !s.offer(data) {
		r.logger.Warn().Str("user_id", userID.String()).Msg("session buffer full, dropping event")
		return false
	}
	return true
}

func (r *Registry) BroadcastRaw(data []byte) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.offer(data) {
			n++
		}
	}
	return n
}

// Encode builds the wire frame for an event.
func Encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: payload})
}
