package billing

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
)

type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "UNPAID"
	InvoicePaid   InvoiceStatus = "PAID"
)

// Invoice maps to the invoices table; one per appointment. TotalAmount is
// derived from the lines and rewritten after every line change.
type Invoice struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	AppointmentID uuid.UUID     `db:"appointment_id" json:"appointmentId"`
	Discount      float64       `db:"discount" json:"discount"`
	TotalAmount   float64       `db:"total_amount" json:"totalAmount"`
	Finalized     bool          `db:"finalized" json:"finalized"`
	Status        InvoiceStatus `db:"status" json:"status"`
	BillDate      *time.Time    `db:"bill_date" json:"billDate,omitempty"`
	PaymentDate   *time.Time    `db:"payment_date" json:"paymentDate,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updatedAt"`
}

// BillLine maps to the bill_lines table. ServiceName and UnitCost are copied
// from the catalog when the line is written and do not follow later price
// changes.
type BillLine struct {
	ID          uuid.UUID `db:"id" json:"id"`
	InvoiceID   uuid.UUID `db:"invoice_id" json:"invoiceId"`
	ServiceID   uuid.UUID `db:"service_id" json:"serviceId"`
	ServiceName string    `db:"service_name" json:"serviceName"`
	UnitCost    float64   `db:"unit_cost" json:"unitCost"`
	Quantity    int       `db:"quantity" json:"quantity"`
	TotalCost   float64   `db:"total_cost" json:"totalCost"`
	ServiceDate time.Time `db:"service_date" json:"serviceDate"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Reprice sets TotalCost from UnitCost and Quantity.
func (l *BillLine) Reprice() {
	l.TotalCost = roundCents(l.UnitCost * float64(l.Quantity))
}

// CatalogService is a billable service and its current price.
type CatalogService struct {
	ID    uuid.UUID `db:"id" json:"id"`
	Name  string    `db:"name" json:"name"`
	Price float64   `db:"price" json:"price"`
}

// Summary holds the values derived from an invoice's total and discount.
// They are computed on read and never stored.
type Summary struct {
	DiscountAmount float64 `json:"discountAmount"`
	Payable        float64 `json:"payable"`
}

func Summarize(total, discount float64) Summary {
	d := roundCents(total * discount / 100)
	return Summary{DiscountAmount: d, Payable: roundCents(total - d)}
}

// InvoiceView is an invoice as returned to clients.
type InvoiceView struct {
	*Invoice
	Summary
	Lines []*BillLine `json:"lines"`
}

func newView(inv *Invoice, lines []*BillLine) *InvoiceView {
	if lines == nil {
		lines = []*BillLine{}
	}
	return &InvoiceView{Invoice: inv, Summary: Summarize(inv.TotalAmount, inv.Discount), Lines: lines}
}

// SumLines is the authoritative invoice total.
func SumLines(lines []*BillLine) float64 {
	var total float64
	for _, l := range lines {
		total += l.TotalCost
	}
	return roundCents(total)
}

func validateDiscount(d float64) error {
	if math.IsNaN(d) || d < 0 || d > 100 {
		return apperr.InvalidInput("discount must be between 0 and 100")
	}
	return nil
}

func validateQuantity(q int) error {
	if q < 1 {
		return apperr.InvalidInput("quantity must be at least 1")
	}
	return nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// AppointmentRef is the part of an appointment billing needs.
type AppointmentRef struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

type EventKind string

const (
	EventBillAdded        EventKind = "bill_added"
	EventInvoiceFinalized EventKind = "invoice_finalized"
	EventPaymentRecorded  EventKind = "payment_recorded"
)

type Event struct {
	Kind        EventKind
	Appointment AppointmentRef
	Invoice     Invoice
	Summary     Summary
	Line        *BillLine
	OccurredAt  time.Time
}
