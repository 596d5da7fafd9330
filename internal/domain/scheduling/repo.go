package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows List. Zero values mean no constraint.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *Status
	Limit     int
	Offset    int
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// SlotTaken reports whether a non-cancelled appointment holds the slot.
	SlotTaken(ctx context.Context, doctorID uuid.UUID, date time.Time, slot string) (bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason *string) error
	List(ctx context.Context, f ListFilter) ([]*Appointment, int, error)
}

// UserLookup checks that a referenced user exists with the expected role.
type UserLookup interface {
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}
