package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// transitions lists the states reachable from each state. Terminal states
// have no entry. A PENDING request must be approved (SCHEDULED) before it
// can be completed.
var transitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusCompleted, StatusCancelled},
}

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusScheduled, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", apperr.InvalidStatus(s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition applies the role rules on top of the table. A patient may
// only cancel, and only while the appointment is still pending. Doctors and
// admins follow the table.
func CheckTransition(actorRole string, from, to Status) error {
	if from.Terminal() {
		return apperr.InvalidTransition("appointment is already %s", from)
	}
	if actorRole == auth.RolePatient {
		if to != StatusCancelled {
			return apperr.Permission("patients can only cancel appointments")
		}
		if from != StatusPending {
			return apperr.InvalidTransition("patients can only cancel pending appointments")
		}
		return nil
	}
	if !CanTransition(from, to) {
		return apperr.InvalidTransition("cannot move appointment from %s to %s", from, to)
	}
	return nil
}

// Appointment maps to the appointments table. Names are joined from users
// for display and are not stored on the row.
type Appointment struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patientId"`
	DoctorID     uuid.UUID `db:"doctor_id" json:"doctorId"`
	PatientName  string    `db:"patient_name" json:"patientName,omitempty"`
	DoctorName   string    `db:"doctor_name" json:"doctorName,omitempty"`
	Date         time.Time `db:"appointment_date" json:"date"`
	TimeSlot     string    `db:"time_slot" json:"timeSlot"`
	Type         string    `db:"type" json:"type"`
	Note         *string   `db:"note" json:"note,omitempty"`
	Status       Status    `db:"status" json:"status"`
	StatusReason *string   `db:"status_reason" json:"statusReason,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// StartsAt combines the calendar date and slot in loc.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	hm, err := time.Parse(slotLayout, a.TimeSlot)
	if err != nil {
		hm = time.Time{}
	}
	return time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(), hm.Hour(), hm.Minute(), 0, 0, loc)
}

// IsParty reports whether the user is the patient or doctor on a.
func (a *Appointment) IsParty(userID uuid.UUID) bool {
	return a.PatientID == userID || a.DoctorID == userID
}

const slotLayout = "15:04"

// ParseSlot normalizes "9:05" and "09:05" to "09:05".
func ParseSlot(s string) (string, error) {
	t, err := time.Parse(slotLayout, strings.TrimSpace(s))
	if err != nil {
		return "", apperr.InvalidInput("time slot must be HH:MM, got %q", s)
	}
	return t.Format(slotLayout), nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

type EventKind string

const (
	EventBooked        EventKind = "booked"
	EventStatusChanged EventKind = "status_changed"
)

// Event records what an operation changed. Appointment is a snapshot taken
// after the change.
type Event struct {
	Kind        EventKind
	Appointment Appointment
	ActorID     uuid.UUID
	ActorRole   string
	From        Status
	To          Status
	Reason      string
	OccurredAt  time.Time
}

func (e Event) String() string {
	if e.Kind == EventStatusChanged {
		return fmt.Sprintf("%s %s %s->%s", e.Kind, e.Appointment.ID, e.From, e.To)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Appointment.ID)
}
