package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type InvoiceRepository interface {
	// Ensure returns the appointment's invoice, creating an empty one if
	// needed, locked for the rest of the transaction.
	Ensure(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error)
	LockByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error)
	LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error)
	UpdateTotal(ctx context.Context, id uuid.UUID, total float64) error
	// UpdateSummary writes discount, bill date, total and finalized.
	UpdateSummary(ctx context.Context, inv *Invoice) error
	MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error
}

type LineRepository interface {
	Create(ctx context.Context, l *BillLine) error
	// Get returns a line only if it belongs to invoiceID.
	Get(ctx context.Context, invoiceID, lineID uuid.UUID) (*BillLine, error)
	Update(ctx context.Context, l *BillLine) error
	Delete(ctx context.Context, invoiceID, lineID uuid.UUID) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*BillLine, error)
}

// Catalog is the read-only service price list.
type Catalog interface {
	GetService(ctx context.Context, id uuid.UUID) (*CatalogService, error)
	ListServices(ctx context.Context) ([]*CatalogService, error)
}

type AppointmentReader interface {
	GetRef(ctx context.Context, id uuid.UUID) (AppointmentRef, error)
}
