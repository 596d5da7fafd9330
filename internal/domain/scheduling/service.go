package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/redisx"
)

// EventSink consumes the events produced by committed operations.
type EventSink interface {
	Handle(ctx context.Context, events ...Event)
}

type Service struct {
	appointments AppointmentRepository
	users        UserLookup
	tx           db.Transactor
	locker       redisx.Locker
	sink         EventSink
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(appt AppointmentRepository, users UserLookup, tx db.Transactor, locker redisx.Locker,
	sink EventSink, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		appointments: appt,
		users:        users,
		tx:           tx,
		locker:       locker,
		sink:         sink,
		metrics:      m,
		logger:       logger.With().Str("component", "scheduling").Logger(),
		now:          time.Now,
	}
}

// BookRequest carries a validated booking.
type BookRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	TimeSlot  string
	Type      string
	Note      string
}

// Book creates a PENDING appointment if the doctor's slot is free. The slot
// check and insert run under a slot lock and in one transaction; the
// partial unique index on the table backs both.
func (s *Service) Book(ctx context.Context, actor auth.Identity, req BookRequest) (*Appointment, []Event, error) {
	if actor.Role == auth.RolePatient {
		req.PatientID = actor.UserID
	}
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil {
		return nil, nil, apperr.InvalidInput("patient and doctor are required")
	}
	if req.Date.IsZero() {
		return nil, nil, apperr.InvalidInput("date is required")
	}
	slot, err := ParseSlot(req.TimeSlot)
	if err != nil {
		return nil, nil, err
	}
	date := time.Date(req.Date.Year(), req.Date.Month(), req.Date.Day(), 0, 0, 0, 0, time.UTC)
	apptType := strings.TrimSpace(req.Type)
	if apptType == "" {
		apptType = "general"
	}

	var booked *Appointment
	err = s.locker.WithSlotLock(ctx, redisx.SlotKey(req.DoctorID, date, slot), func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.requireUser(ctx, req.DoctorID, auth.RoleDoctor); err != nil {
				return err
			}
			if err := s.requireUser(ctx, req.PatientID, auth.RolePatient); err != nil {
				return err
			}

			taken, err := s.appointments.SlotTaken(ctx, req.DoctorID, date, slot)
			if err != nil {
				return err
			}
			if taken {
				return apperr.SlotConflict("doctor already has an appointment on %s at %s",
					date.Format("2006-01-02"), slot)
			}

			a := &Appointment{
				PatientID: req.PatientID,
				DoctorID:  req.DoctorID,
				Date:      date,
				TimeSlot:  slot,
				Type:      apptType,
				Status:    StatusPending,
			}
			if note := strings.TrimSpace(req.Note); note != "" {
				a.Note = &note
			}
			if err := s.appointments.Create(ctx, a); err != nil {
				return err
			}
			booked, err = s.appointments.GetByID(ctx, a.ID)
			return err
		})
	})
	if errors.Is(err, redisx.ErrLockNotAcquired) {
		err = apperr.SlotConflict("slot is being booked by another request")
	}
	if err != nil {
		if apperr.Is(err, apperr.KindSlotConflict) {
			s.metrics.Booking("conflict")
		} else {
			s.metrics.Booking("error")
		}
		return nil, nil, err
	}
	s.metrics.Booking("ok")

	events := []Event{{
		Kind:        EventBooked,
		Appointment: *booked,
		ActorID:     actor.UserID,
		ActorRole:   actor.Role,
		To:          StatusPending,
		OccurredAt:  s.now(),
	}}
	s.logger.Info().
		Str("appointment_id", booked.ID.String()).
		Str("doctor_id", booked.DoctorID.String()).
		Str("date", date.Format("2006-01-02")).
		Str("slot", slot).
		Msg("appointment booked")

	s.sink.Handle(ctx, events...)
	return booked, events, nil
}

func (s *Service) requireUser(ctx context.Context, id uuid.UUID, role string) error {
	ok, err := s.users.HasRole(ctx, id, role)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("%s %s not found", role, id)
	}
	return nil
}

// Transition moves an appointment to a new status. status is parsed here so
// an unknown value is reported as InvalidStatus rather than a bad transition.
func (s *Service) Transition(ctx context.Context, actor auth.Identity, id uuid.UUID, status, reason string) (*Appointment, []Event, error) {
	to, err := ParseStatus(status)
	if err != nil {
		return nil, nil, err
	}
	reason = strings.TrimSpace(reason)

	var (
		updated *Appointment
		from    Status
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeParty(actor, a); err != nil {
			return err
		}
		if err := CheckTransition(actor.Role, a.Status, to); err != nil {
			return err
		}

		var reasonPtr *string
		if reason != "" {
			reasonPtr = &reason
		}
		if err := s.appointments.UpdateStatus(ctx, id, to, reasonPtr); err != nil {
			return err
		}
		from = a.Status
		a.Status = to
		a.StatusReason = reasonPtr
		updated = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.Transition(string(from), string(to))

	events := []Event{{
		Kind:        EventStatusChanged,
		Appointment: *updated,
		ActorID:     actor.UserID,
		ActorRole:   actor.Role,
		From:        from,
		To:          to,
		Reason:      reason,
		OccurredAt:  s.now(),
	}}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor_role", actor.Role).
		Msg("appointment status changed")

	s.sink.Handle(ctx, events...)
	return updated, events, nil
}

// authorizeParty allows admins, and otherwise only the appointment's own
// patient or doctor acting in that capacity.
func authorizeParty(actor auth.Identity, a *Appointment) error {
	switch {
	case actor.IsAdmin():
		return nil
	case actor.Role == auth.RolePatient && a.PatientID == actor.UserID:
		return nil
	case actor.Role == auth.RoleDoctor && a.DoctorID == actor.UserID:
		return nil
	}
	return apperr.Permission("not a party to appointment %s", a.ID)
}

func (s *Service) Get(ctx context.Context, actor auth.Identity, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(actor, a); err != nil {
		return nil, err
	}
	return a, nil
}

// List scopes results to the caller unless the caller is an admin.
func (s *Service) List(ctx context.Context, actor auth.Identity, f ListFilter) ([]*Appointment, int, error) {
	switch actor.Role {
	case auth.RoleAdmin:
	case auth.RoleDoctor:
		f.DoctorID, f.PatientID = &actor.UserID, nil
	default:
		f.PatientID, f.DoctorID = &actor.UserID, nil
	}
	return s.appointments.List(ctx, f)
}
