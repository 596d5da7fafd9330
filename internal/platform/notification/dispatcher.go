package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
)

// Deliverer pushes an event to live sessions. Implementations must not
// block: a full or missing session is reported as false, not waited on.
type Deliverer interface {
	SendTo(userID uuid.UUID, event string, payload interface{}) bool
	Broadcast(event string, payload interface{}) int
}

type Dispatcher struct {
	store   *Store
	users   UserDirectory
	tx      db.Transactor
	live    Deliverer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewDispatcher(store *Store, users UserDirectory, tx db.Transactor, live Deliverer, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		users:   users,
		tx:      tx,
		live:    live,
		metrics: m,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		now:     time.Now,
	}
}

// Dispatch persists msg and then attempts live delivery. It returns the rows
// written; a broadcast writes none. Errors come only from persistence.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) ([]*Notification, error) {
	switch msg.Mode {
	case ModeUser:
		n, err := d.store.Create(ctx, msg.UserID, msg.Title, msg.Body, msg.Link)
		if err != nil {
			return nil, fmt.Errorf("persist user notification: %w", err)
		}
		d.metrics.Persisted(string(ModeUser), 1)
		d.deliver(msg.UserID, EventUser, n.Payload())
		return []*Notification{n}, nil

	case ModeRole:
		return d.dispatchRole(ctx, msg)

	case ModeBroadcast:
		if msg.Title == "" || msg.Body == "" {
			return nil, apperr.InvalidInput("title and message are required")
		}
		payload := Payload{
			ID:        uuid.New(),
			Title:     msg.Title,
			Message:   msg.Body,
			Link:      msg.Link,
			CreatedAt: d.now().UTC(),
		}
		n := d.safeBroadcast(payload)
		d.logger.Debug().Int("sessions", n).Msg("broadcast delivered")
		return nil, nil

	default:
		return nil, apperr.InvalidInput("unknown dispatch mode %q", msg.Mode)
	}
}

func (d *Dispatcher) dispatchRole(ctx context.Context, msg Message) ([]*Notification, error) {
	if msg.Role == "" {
		return nil, apperr.InvalidInput("role is required")
	}

	var created []*Notification
	err := d.tx.WithinTx(ctx, func(ctx context.Context) error {
		ids, err := d.users.UserIDsByRole(ctx, msg.Role)
		if err != nil {
			return err
		}
		for _, uid := range ids {
			n, err := d.store.Create(ctx, uid, msg.Title, msg.Body, msg.Link)
			if err != nil {
				return err
			}
			created = append(created, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist role notification for %q: %w", msg.Role, err)
	}
	d.metrics.Persisted(string(ModeRole), len(created))

	for _, n := range created {
		d.deliver(n.UserID, EventRole, RolePayload{Role: msg.Role, Notification: n.Payload()})
	}
	return created, nil
}

// DispatchAll dispatches msgs in order. A failed message does not stop the
// ones after it; all failures are logged and joined into the result.
func (d *Dispatcher) DispatchAll(ctx context.Context, msgs []Message) error {
	var errs []error
	for _, msg := range msgs {
		if _, err := d.Dispatch(ctx, msg); err != nil {
			d.logger.Error().Err(err).
				Str("mode", string(msg.Mode)).
				Str("title", msg.Title).
				Msg("notification not persisted")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(userID uuid.UUID, event string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Delivery(event, "error")
			d.logger.Warn().Interface("panic", r).Str("user_id", userID.String()).Msg("live delivery failed")
		}
	}()

	if d.live.SendTo(userID, event, payload) {
		d.metrics.Delivery(event, "delivered")
		return
	}
	d.metrics.Delivery(event, "offline")
}

func (d *Dispatcher) safeBroadcast(payload Payload) (n int) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Delivery(EventBroadcast, "error")
			d.logger.Warn().Interface("panic", r).Msg("broadcast delivery failed")
		}
	}()
	n = d.live.Broadcast(EventBroadcast, payload)
	d.metrics.Delivery(EventBroadcast, "delivered")
	return n
}
