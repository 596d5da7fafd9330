package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
)

type mockRepo struct {
	mu      sync.Mutex
	rows    []*Notification
	clock   time.Time
	failFor map[uuid.UUID]bool
	onWrite func(n *Notification)
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		clock:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		failFor: make(map[uuid.UUID]bool),
	}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[n.UserID] {
		return errors.New("insert failed")
	}
	n.ID = uuid.New()
	m.clock = m.clock.Add(time.Second)
	n.CreatedAt = m.clock
	cp := *n
	m.rows = append(m.rows, &cp)
	if m.onWrite != nil {
		m.onWrite(&cp)
	}
	return nil
}

func (m *mockRepo) ListByUser(_ context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.rows {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) MarkRead(_ context.Context, id, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.rows {
		if n.ID == id && n.UserID == userID {
			n.IsRead = true
			return nil
		}
	}
	return apperr.NotFound("notification %s not found", id)
}

func (m *mockRepo) MarkAllRead(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.UserID == userID && !row.IsRead {
			row.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) UnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.UserID == userID && !row.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type mockDirectory struct {
	byRole map[string][]uuid.UUID
}

func (d *mockDirectory) UserIDsByRole(_ context.Context, role string) ([]uuid.UUID, error) {
	return d.byRole[role], nil
}

type delivery struct {
	userID  uuid.UUID
	event   string
	payload interface{}
}

// fakeLive records deliveries. Users in online receive; everyone else is
// reported offline.
type fakeLive struct {
	mu         sync.Mutex
	online     map[uuid.UUID]bool
	sent       []delivery
	broadcasts []delivery
	panics     bool
	// persistedAtSend captures the repo row count when each send happens.
	repo            *mockRepo
	persistedAtSend []int
}

func newFakeLive(online ...uuid.UUID) *fakeLive {
	f := &fakeLive{online: make(map[uuid.UUID]bool)}
	for _, id := range online {
		f.online[id] = true
	}
	return f
}

func (f *fakeLive) SendTo(userID uuid.UUID, event string, payload interface{}) bool {
	if f.panics {
		panic("socket closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repo != nil {
		f.persistedAtSend = append(f.persistedAtSend, f.repo.count())
	}
	f.sent = append(f.sent, delivery{userID: userID, event: event, payload: payload})
	return f.online[userID]
}

func (f *fakeLive) Broadcast(event string, payload interface{}) int {
	if f.panics {
		panic("socket closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, delivery{event: event, payload: payload})
	return len(f.online)
}
