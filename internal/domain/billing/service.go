package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
)

// EventSink consumes the events produced by committed ledger operations.
type EventSink interface {
	Handle(ctx context.Context, events ...Event)
}

// Service is the ledger for per-appointment invoices. Every mutation runs in
// one transaction holding the invoice row lock, and rewrites the total from
// the committed lines before returning.
type Service struct {
	invoices     InvoiceRepository
	lines        LineRepository
	catalog      Catalog
	appointments AppointmentReader
	tx           db.Transactor
	sink         EventSink
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(inv InvoiceRepository, lines LineRepository, catalog Catalog, appts AppointmentReader,
	tx db.Transactor, sink EventSink, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		invoices:     inv,
		lines:        lines,
		catalog:      catalog,
		appointments: appts,
		tx:           tx,
		sink:         sink,
		metrics:      m,
		logger:       logger.With().Str("component", "ledger").Logger(),
		now:          time.Now,
	}
}

// -- Authorization --

func canWrite(actor auth.Identity, ref AppointmentRef) error {
	if actor.IsAdmin() || (actor.Role == auth.RoleDoctor && actor.UserID == ref.DoctorID) {
		return nil
	}
	return apperr.Permission("only the appointment's doctor can change its bill")
}

func canRead(actor auth.Identity, ref AppointmentRef) error {
	if actor.IsAdmin() || actor.UserID == ref.DoctorID || actor.UserID == ref.PatientID {
		return nil
	}
	return apperr.Permission("not a party to appointment %s", ref.ID)
}

// -- Lines --

type AddLineInput struct {
	ServiceID   uuid.UUID
	Quantity    int
	ServiceDate time.Time
}

func (s *Service) AddLine(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID, in AddLineInput) (*BillLine, *InvoiceView, error) {
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if err := validateQuantity(in.Quantity); err != nil {
		return nil, nil, err
	}
	if in.ServiceDate.IsZero() {
		in.ServiceDate = s.now()
	}

	var (
		line *BillLine
		view *InvoiceView
		ref  AppointmentRef
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if ref, err = s.appointments.GetRef(ctx, appointmentID); err != nil {
			return err
		}
		if err := canWrite(actor, ref); err != nil {
			return err
		}
		svc, err := s.catalog.GetService(ctx, in.ServiceID)
		if err != nil {
			return err
		}
		inv, err := s.invoices.Ensure(ctx, appointmentID)
		if err != nil {
			return err
		}
		s.auditFinalized(inv, "add_line", actor)

		line = &BillLine{
			InvoiceID:   inv.ID,
			ServiceID:   svc.ID,
			ServiceName: svc.Name,
			UnitCost:    svc.Price,
			Quantity:    in.Quantity,
			ServiceDate: in.ServiceDate,
		}
		line.Reprice()
		if err := s.lines.Create(ctx, line); err != nil {
			return err
		}
		view, err = s.recompute(ctx, inv)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.LedgerOp("add_line", view.Finalized)

	s.sink.Handle(ctx, Event{
		Kind:        EventBillAdded,
		Appointment: ref,
		Invoice:     *view.Invoice,
		Summary:     view.Summary,
		Line:        line,
		OccurredAt:  s.now(),
	})
	return line, view, nil
}

type EditLineInput struct {
	ServiceID   *uuid.UUID
	Quantity    *int
	ServiceDate *time.Time
}

func (s *Service) EditLine(ctx context.Context, actor auth.Identity, invoiceID, lineID uuid.UUID, in EditLineInput) (*BillLine, *InvoiceView, error) {
	if in.Quantity != nil {
		if err := validateQuantity(*in.Quantity); err != nil {
			return nil, nil, err
		}
	}

	var (
		line *BillLine
		view *InvoiceView
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.lockForWrite(ctx, actor, invoiceID)
		if err != nil {
			return err
		}
		if line, err = s.lines.Get(ctx, invoiceID, lineID); err != nil {
			return err
		}
		s.auditFinalized(inv, "edit_line", actor)

		if in.ServiceID != nil && *in.ServiceID != line.ServiceID {
			svc, err := s.catalog.GetService(ctx, *in.ServiceID)
			if err != nil {
				return err
			}
			line.ServiceID, line.ServiceName, line.UnitCost = svc.ID, svc.Name, svc.Price
		}
		if in.Quantity != nil {
			line.Quantity = *in.Quantity
		}
		if in.ServiceDate != nil {
			line.ServiceDate = *in.ServiceDate
		}
		line.Reprice()

		if err := s.lines.Update(ctx, line); err != nil {
			return err
		}
		view, err = s.recompute(ctx, inv)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.LedgerOp("edit_line", view.Finalized)
	return line, view, nil
}

func (s *Service) DeleteLine(ctx context.Context, actor auth.Identity, invoiceID, lineID uuid.UUID) (*InvoiceView, error) {
	var view *InvoiceView
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.lockForWrite(ctx, actor, invoiceID)
		if err != nil {
			return err
		}
		s.auditFinalized(inv, "delete_line", actor)
		if err := s.lines.Delete(ctx, invoiceID, lineID); err != nil {
			return err
		}
		view, err = s.recompute(ctx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.LedgerOp("delete_line", view.Finalized)
	return view, nil
}

func (s *Service) lockForWrite(ctx context.Context, actor auth.Identity, invoiceID uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.LockByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	ref, err := s.appointments.GetRef(ctx, inv.AppointmentID)
	if err != nil {
		return nil, err
	}
	if err := canWrite(actor, ref); err != nil {
		return nil, err
	}
	return inv, nil
}

// auditFinalized logs line changes made after the bill was finalized. They
// are allowed so doctors can correct a settled bill.
func (s *Service) auditFinalized(inv *Invoice, op string, actor auth.Identity) {
	if !inv.Finalized {
		return
	}
	s.logger.Warn().
		Str("invoice_id", inv.ID.String()).
		Str("appointment_id", inv.AppointmentID.String()).
		Str("op", op).
		Str("actor_id", actor.UserID.String()).
		Msg("finalized invoice modified")
}

// -- Totals --

// Recompute rewrites the invoice total from its lines.
func (s *Service) Recompute(ctx context.Context, invoiceID uuid.UUID) (*InvoiceView, error) {
	var view *InvoiceView
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.LockByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		view, err = s.recompute(ctx, inv)
		return err
	})
	return view, err
}

// recompute must run inside the transaction that holds inv's lock. It leaves
// discount and finalized untouched.
func (s *Service) recompute(ctx context.Context, inv *Invoice) (*InvoiceView, error) {
	lines, err := s.lines.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	total := SumLines(lines)
	if err := s.invoices.UpdateTotal(ctx, inv.ID, total); err != nil {
		return nil, err
	}
	inv.TotalAmount = total
	return newView(inv, lines), nil
}

// -- Summary --

// Finalize settles the bill's discount and date. It may be called again to
// change them; finalized stays set.
func (s *Service) Finalize(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID, discount float64, billDate time.Time) (*InvoiceView, error) {
	if err := validateDiscount(discount); err != nil {
		return nil, err
	}
	if billDate.IsZero() {
		billDate = s.now()
	}

	var (
		view *InvoiceView
		ref  AppointmentRef
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if ref, err = s.appointments.GetRef(ctx, appointmentID); err != nil {
			return err
		}
		if err := canWrite(actor, ref); err != nil {
			return err
		}
		inv, err := s.invoices.LockByAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		inv.Discount = discount
		inv.BillDate = &billDate
		inv.Finalized = true
		view, err = s.writeSummary(ctx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.LedgerOp("finalize", true)
	s.logger.Info().
		Str("invoice_id", view.ID.String()).
		Float64("total", view.TotalAmount).
		Float64("payable", view.Payable).
		Msg("invoice finalized")

	s.sink.Handle(ctx, Event{
		Kind:        EventInvoiceFinalized,
		Appointment: ref,
		Invoice:     *view.Invoice,
		Summary:     view.Summary,
		OccurredAt:  s.now(),
	})
	return view, nil
}

type SummaryInput struct {
	Discount *float64
	BillDate *time.Time
}

// EditFinalSummary changes discount or bill date without touching finalized.
func (s *Service) EditFinalSummary(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID, in SummaryInput) (*InvoiceView, error) {
	if in.Discount != nil {
		if err := validateDiscount(*in.Discount); err != nil {
			return nil, err
		}
	}

	var view *InvoiceView
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ref, err := s.appointments.GetRef(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := canWrite(actor, ref); err != nil {
			return err
		}
		inv, err := s.invoices.LockByAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if in.Discount != nil {
			inv.Discount = *in.Discount
		}
		if in.BillDate != nil {
			inv.BillDate = in.BillDate
		}
		view, err = s.writeSummary(ctx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.LedgerOp("edit_summary", view.Finalized)
	return view, nil
}

func (s *Service) writeSummary(ctx context.Context, inv *Invoice) (*InvoiceView, error) {
	lines, err := s.lines.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.TotalAmount = SumLines(lines)
	// The discount column holds two decimals.
	inv.Discount = roundCents(inv.Discount)
	if err := s.invoices.UpdateSummary(ctx, inv); err != nil {
		return nil, err
	}
	return newView(inv, lines), nil
}

// MarkPaid records payment of a finalized invoice.
func (s *Service) MarkPaid(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID, paidAt time.Time) (*InvoiceView, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Permission("only admins can record payments")
	}
	if paidAt.IsZero() {
		paidAt = s.now()
	}

	var (
		view *InvoiceView
		ref  AppointmentRef
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if ref, err = s.appointments.GetRef(ctx, appointmentID); err != nil {
			return err
		}
		inv, err := s.invoices.LockByAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !inv.Finalized {
			return apperr.InvalidTransition("invoice must be finalized before payment")
		}
		if inv.Status == InvoicePaid {
			return apperr.InvalidTransition("invoice is already paid")
		}
		if err := s.invoices.MarkPaid(ctx, inv.ID, paidAt); err != nil {
			return err
		}
		inv.Status, inv.PaymentDate = InvoicePaid, &paidAt

		lines, err := s.lines.ListByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		view = newView(inv, lines)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.LedgerOp("mark_paid", true)

	s.sink.Handle(ctx, Event{
		Kind:        EventPaymentRecorded,
		Appointment: ref,
		Invoice:     *view.Invoice,
		Summary:     view.Summary,
		OccurredAt:  s.now(),
	})
	return view, nil
}

// -- Reads --

func (s *Service) GetInvoice(ctx context.Context, actor auth.Identity, appointmentID uuid.UUID) (*InvoiceView, error) {
	ref, err := s.appointments.GetRef(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := canRead(actor, ref); err != nil {
		return nil, err
	}
	inv, err := s.invoices.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	lines, err := s.lines.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	return newView(inv, lines), nil
}

func (s *Service) ListServices(ctx context.Context) ([]*CatalogService, error) {
	return s.catalog.ListServices(ctx)
}
