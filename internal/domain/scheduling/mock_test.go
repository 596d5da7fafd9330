package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/notification"
)

type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
	names map[uuid.UUID]string
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{
		appts: make(map[uuid.UUID]*Appointment),
		names: make(map[uuid.UUID]string),
	}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.appts {
		if other.DoctorID == a.DoctorID && other.Date.Equal(a.Date) &&
			other.TimeSlot == a.TimeSlot && other.Status != StatusCancelled {
			return apperr.SlotConflict("slot taken")
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	cp := *a
	cp.PatientName = m.names[a.PatientID]
	cp.DoctorName = m.names[a.DoctorID]
	return &cp, nil
}

func (m *mockAppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.GetByID(ctx, id)
}

func (m *mockAppointmentRepo) SlotTaken(_ context.Context, doctorID uuid.UUID, date time.Time, slot string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.TimeSlot == slot && a.Status != StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return apperr.NotFound("appointment %s not found", id)
	}
	a.Status = status
	a.StatusReason = reason
	return nil
}

func (m *mockAppointmentRepo) List(_ context.Context, f ListFilter) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, total, nil
}

type mockUsers struct {
	roles map[uuid.UUID]string
}

func (m *mockUsers) HasRole(_ context.Context, id uuid.UUID, role string) (bool, error) {
	return m.roles[id] == role, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Handle(_ context.Context, events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

type recordingDispatcher struct {
	batches [][]notification.Message
	err     error
}

func (r *recordingDispatcher) DispatchAll(_ context.Context, msgs []notification.Message) error {
	r.batches = append(r.batches, msgs)
	return r.err
}
