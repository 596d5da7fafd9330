package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

const (
	dateLayout = "Monday, January 2, 2006"
	timeLayout = "3:04 PM"
)

// Policy turns appointment events into notification messages. It holds no
// state, so the mapping can be tested without any delivery machinery.
type Policy struct {
	BusinessStart  int
	BusinessEnd    int
	UrgentKeywords []string
	Location       *time.Location
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// InBusinessHours reports whether t falls on a weekday in [start, end).
func (p Policy) InBusinessHours(t time.Time) bool {
	t = t.In(p.loc())
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return t.Hour() >= p.BusinessStart && t.Hour() < p.BusinessEnd
}

// IsUrgent matches the appointment type against the keywords, ignoring case.
func (p Policy) IsUrgent(apptType string) bool {
	t := strings.ToLower(apptType)
	for _, kw := range p.UrgentKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// startsWithin reports whether the appointment starts no later than d from now.
// Appointments already in the past count as within.
func (p Policy) startsWithin(a *Appointment, now time.Time, d time.Duration) bool {
	return a.StartsAt(p.loc()).Sub(now) <= d
}

func appointmentLink(a *Appointment) *string {
	l := "/appointments/" + a.ID.String()
	return &l
}

func doctorName(a *Appointment) string {
	if a.DoctorName == "" {
		return "your doctor"
	}
	return "Dr. " + a.DoctorName
}

func patientName(a *Appointment) string {
	if a.PatientName == "" {
		return "A patient"
	}
	return a.PatientName
}

// Messages returns the notifications for evt in delivery order: the primary
// party first, then any admin fan-out.
func (p Policy) Messages(evt Event, now time.Time) []notification.Message {
	a := &evt.Appointment
	start := a.StartsAt(p.loc())
	day, clock := start.Format(dateLayout), start.Format(timeLayout)
	link := appointmentLink(a)

	switch evt.Kind {
	case EventBooked:
		msgs := []notification.Message{
			notification.ToUser(a.DoctorID, "New appointment request",
				fmt.Sprintf("%s requested a %s appointment on %s at %s. Please review and approve it.",
					patientName(a), a.Type, day, clock), link),
			notification.ToUser(a.PatientID, "Appointment request sent",
				fmt.Sprintf("Your appointment request with %s on %s at %s was received and is awaiting approval.",
					doctorName(a), day, clock), link),
		}
		urgent := p.IsUrgent(a.Type)
		if urgent || p.InBusinessHours(evt.OccurredAt) {
			title := "New appointment request"
			if urgent {
				title = "Urgent appointment request"
			}
			msgs = append(msgs, notification.ToRole(auth.RoleAdmin, title,
				fmt.Sprintf("%s booked a %s appointment with %s on %s at %s.",
					patientName(a), a.Type, doctorName(a), day, clock), link))
		}
		return msgs

	case EventStatusChanged:
		return p.statusMessages(evt, now, day, clock, link)
	}
	return nil
}

func (p Policy) statusMessages(evt Event, now time.Time, day, clock string, link *string) []notification.Message {
	a := &evt.Appointment

	switch evt.To {
	case StatusScheduled:
		return []notification.Message{
			notification.ToUser(a.PatientID, "Appointment approved",
				fmt.Sprintf("Your appointment with %s has been approved.", doctorName(a)), link),
			notification.ToUser(a.PatientID, "Appointment reminder",
				fmt.Sprintf("Reminder: you have an appointment with %s on %s at %s.", doctorName(a), day, clock), link),
		}

	case StatusCompleted:
		return []notification.Message{
			notification.ToUser(a.PatientID, "Appointment completed",
				fmt.Sprintf("Your appointment with %s on %s has been completed.", doctorName(a), day), link),
		}

	case StatusCancelled:
		if evt.ActorRole == auth.RolePatient {
			msgs := []notification.Message{
				notification.ToUser(a.DoctorID, "Appointment cancelled",
					withReason(fmt.Sprintf("%s cancelled the appointment on %s at %s.", patientName(a), day, clock), evt.Reason), link),
			}
			if p.startsWithin(a, now, 24*time.Hour) {
				msgs = append(msgs, notification.ToRole(auth.RoleAdmin, "Urgent: late cancellation",
					fmt.Sprintf("Appointment #%s with %s on %s at %s was cancelled by the patient less than 1 day before it starts.",
						a.ID, doctorName(a), day, clock), link))
			}
			return msgs
		}

		msgs := []notification.Message{
			notification.ToUser(a.PatientID, "Appointment cancelled",
				withReason(fmt.Sprintf("Your appointment with %s on %s at %s has been cancelled.", doctorName(a), day, clock), evt.Reason), link),
		}
		if p.startsWithin(a, now, 48*time.Hour) {
			msgs = append(msgs, notification.ToRole(auth.RoleAdmin, "Urgent: doctor cancellation",
				withReason(fmt.Sprintf("Appointment #%s for %s on %s at %s was cancelled by %s less than 2 days before it starts.",
					a.ID, patientName(a), day, clock, doctorName(a)), evt.Reason), link))
		}
		return msgs
	}

	return []notification.Message{
		notification.ToUser(a.PatientID, "Appointment status updated",
			fmt.Sprintf("Your appointment status is now %s.", evt.To), link),
	}
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg
	}
	return msg + " Reason: " + reason
}

// Dispatcher is the part of notification.Dispatcher the notifier needs.
type Dispatcher interface {
	DispatchAll(ctx context.Context, msgs []notification.Message) error
}

// Notifier is the EventSink that persists and delivers notifications for
// appointment events. Failures are logged and never reach the caller.
type Notifier struct {
	policy     Policy
	dispatcher Dispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

func NewNotifier(policy Policy, dispatcher Dispatcher, logger zerolog.Logger) *Notifier {
	return &Notifier{
		policy:     policy,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "appointment-notifier").Logger(),
		now:        time.Now,
	}
}

func (n *Notifier) Handle(ctx context.Context, events ...Event) {
	now := n.now()
	for _, evt := range events {
		msgs := n.policy.Messages(evt, now)
		if len(msgs) == 0 {
			continue
		}
		if err := n.dispatcher.DispatchAll(ctx, msgs); err != nil {
			n.logger.Error().Err(err).Stringer("event", evt).Msg("appointment notifications incomplete")
		}
	}
}
