package billing

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
)

type fixture struct {
	svc      *Service
	invoices *mockInvoiceRepo
	lines    *mockLineRepo
	catalog  *mockCatalog
	sink     *recordingSink
	appt     AppointmentRef
	doctor   auth.Identity
	patient  auth.Identity
	admin    auth.Identity
	consult  *CatalogService
	xray     *CatalogService
}

func newFixture() *fixture {
	f := &fixture{
		invoices: newMockInvoiceRepo(),
		lines:    newMockLineRepo(),
		sink:     &recordingSink{},
		doctor:   auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor},
		patient:  auth.Identity{UserID: uuid.New(), Role: auth.RolePatient},
		admin:    auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin},
		consult:  &CatalogService{ID: uuid.New(), Name: "Consultation", Price: 100},
		xray:     &CatalogService{ID: uuid.New(), Name: "X-Ray", Price: 45.5},
	}
	f.appt = AppointmentRef{ID: uuid.New(), PatientID: f.patient.UserID, DoctorID: f.doctor.UserID}
	f.catalog = newMockCatalog(f.consult, f.xray)
	appts := &mockAppointments{refs: map[uuid.UUID]AppointmentRef{f.appt.ID: f.appt}}
	f.svc = NewService(f.invoices, f.lines, f.catalog, appts, db.NoTx{}, f.sink, nil, zerolog.New(io.Discard))
	f.svc.now = func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) add(t *testing.T, svc *CatalogService, qty int) (*BillLine, *InvoiceView) {
	t.Helper()
	line, view, err := f.svc.AddLine(context.Background(), f.doctor, f.appt.ID, AddLineInput{ServiceID: svc.ID, Quantity: qty})
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	return line, view
}

// assertTotalMatchesLines checks the stored total against the stored lines.
func (f *fixture) assertTotalMatchesLines(t *testing.T) {
	t.Helper()
	inv := f.invoices.stored(f.appt.ID)
	lines, _ := f.lines.ListByInvoice(context.Background(), inv.ID)
	if got, want := inv.TotalAmount, SumLines(lines); got != want {
		t.Errorf("stored total %.2f does not match lines %.2f", got, want)
	}
}

func TestAddLine_CreatesInvoiceLazily(t *testing.T) {
	f := newFixture()
	line, view := f.add(t, f.consult, 2)

	if line.UnitCost != 100 || line.TotalCost != 200 {
		t.Errorf("expected 2 x 100 = 200, got %.2f x %d = %.2f", line.UnitCost, line.Quantity, line.TotalCost)
	}
	if line.ServiceName != "Consultation" {
		t.Errorf("expected service name snapshot, got %q", line.ServiceName)
	}
	if view.TotalAmount != 200 || len(view.Lines) != 1 {
		t.Errorf("expected invoice total 200 with 1 line, got %.2f/%d", view.TotalAmount, len(view.Lines))
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Kind != EventBillAdded {
		t.Errorf("expected BillAdded event, got %+v", f.sink.events)
	}
	f.assertTotalMatchesLines(t)
}

func TestAddLine_DefaultsAndErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	line, _, err := f.svc.AddLine(ctx, f.doctor, f.appt.ID, AddLineInput{ServiceID: f.xray.ID})
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	if line.Quantity != 1 || line.ServiceDate.IsZero() {
		t.Errorf("expected quantity 1 and a service date, got %d / %v", line.Quantity, line.ServiceDate)
	}

	tests := []struct {
		name  string
		actor auth.Identity
		appt  uuid.UUID
		in    AddLineInput
		want  apperr.Kind
	}{
		{"unknown appointment", f.doctor, uuid.New(), AddLineInput{ServiceID: f.xray.ID}, apperr.KindNotFound},
		{"unknown service", f.doctor, f.appt.ID, AddLineInput{ServiceID: uuid.New()}, apperr.KindNotFound},
		{"negative quantity", f.doctor, f.appt.ID, AddLineInput{ServiceID: f.xray.ID, Quantity: -1}, apperr.KindInvalidInput},
		{"other doctor", auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}, f.appt.ID, AddLineInput{ServiceID: f.xray.ID}, apperr.KindPermission},
		{"patient", f.patient, f.appt.ID, AddLineInput{ServiceID: f.xray.ID}, apperr.KindPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.AddLine(ctx, tt.actor, tt.appt, tt.in)
			if !apperr.Is(err, tt.want) {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestEditLine_QuantityRecomputes(t *testing.T) {
	f := newFixture()
	line, view := f.add(t, f.consult, 2)

	qty := 3
	edited, view, err := f.svc.EditLine(context.Background(), f.doctor, view.ID, line.ID, EditLineInput{Quantity: &qty})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.TotalCost != 300 || view.TotalAmount != 300 {
		t.Errorf("expected line and invoice total 300, got %.2f / %.2f", edited.TotalCost, view.TotalAmount)
	}
	f.assertTotalMatchesLines(t)
}

func TestEditLine_ServiceChangeResnapshots(t *testing.T) {
	f := newFixture()
	line, view := f.add(t, f.consult, 2)

	// A later catalog price change must not affect existing lines.
	f.catalog.services[f.consult.ID].Price = 999

	qty := 4
	edited, view, err := f.svc.EditLine(context.Background(), f.doctor, view.ID, line.ID,
		EditLineInput{ServiceID: &f.xray.ID, Quantity: &qty})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.UnitCost != 45.5 || edited.ServiceName != "X-Ray" || edited.TotalCost != 182 {
		t.Errorf("expected X-Ray 4 x 45.50 = 182, got %+v", edited)
	}
	if view.TotalAmount != 182 {
		t.Errorf("expected invoice total 182, got %.2f", view.TotalAmount)
	}
}

func TestEditLine_Errors(t *testing.T) {
	f := newFixture()
	line, view := f.add(t, f.consult, 1)
	ctx := context.Background()

	zero := 0
	if _, _, err := f.svc.EditLine(ctx, f.doctor, view.ID, line.ID, EditLineInput{Quantity: &zero}); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("expected invalid input for zero quantity, got %v", err)
	}
	if _, _, err := f.svc.EditLine(ctx, f.doctor, view.ID, uuid.New(), EditLineInput{}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for missing line, got %v", err)
	}
	if _, _, err := f.svc.EditLine(ctx, f.doctor, uuid.New(), line.ID, EditLineInput{}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for missing invoice, got %v", err)
	}
}

func TestDeleteLine_Recomputes(t *testing.T) {
	f := newFixture()
	line, _ := f.add(t, f.consult, 1)
	_, view := f.add(t, f.xray, 2)

	view, err := f.svc.DeleteLine(context.Background(), f.doctor, view.ID, line.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if view.TotalAmount != 91 || len(view.Lines) != 1 {
		t.Errorf("expected 91 with one line left, got %.2f/%d", view.TotalAmount, len(view.Lines))
	}
	f.assertTotalMatchesLines(t)

	if _, err := f.svc.DeleteLine(context.Background(), f.doctor, view.ID, line.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestRecompute_FixesStaleTotal(t *testing.T) {
	f := newFixture()
	_, view := f.add(t, f.consult, 2)
	f.invoices.invoices[view.ID].TotalAmount = 1
	f.invoices.invoices[view.ID].Discount = 15

	view, err := f.svc.Recompute(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if view.TotalAmount != 200 || view.Discount != 15 {
		t.Errorf("expected total 200 and discount untouched, got %.2f / %.2f", view.TotalAmount, view.Discount)
	}
}

func TestFinalize_ComputesPayable(t *testing.T) {
	f := newFixture()
	f.add(t, f.consult, 3)

	billDate := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	view, err := f.svc.Finalize(context.Background(), f.doctor, f.appt.ID, 10, billDate)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if view.TotalAmount != 300 || view.Payable != 270 || view.DiscountAmount != 30 {
		t.Errorf("expected 300 / 270 / 30, got %.2f / %.2f / %.2f", view.TotalAmount, view.Payable, view.DiscountAmount)
	}
	if !view.Finalized || view.BillDate == nil || !view.BillDate.Equal(billDate) {
		t.Errorf("expected finalized with bill date, got %+v", view.Invoice)
	}
	last := f.sink.events[len(f.sink.events)-1]
	if last.Kind != EventInvoiceFinalized || last.Summary.Payable != 270 {
		t.Errorf("expected InvoiceFinalized event with payable, got %+v", last)
	}

	// Finalizing again updates the discount and keeps the flag.
	view, err = f.svc.Finalize(context.Background(), f.doctor, f.appt.ID, 50, billDate)
	if err != nil {
		t.Fatalf("refinalize: %v", err)
	}
	if !view.Finalized || view.Payable != 150 {
		t.Errorf("expected finalized with payable 150, got %v / %.2f", view.Finalized, view.Payable)
	}
}

func TestFinalize_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Finalize(ctx, f.doctor, f.appt.ID, 10, time.Time{})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found without bills, got %v", err)
	}
	f.add(t, f.consult, 1)
	for _, d := range []float64{-1, 100.01} {
		if _, err := f.svc.Finalize(ctx, f.doctor, f.appt.ID, d, time.Time{}); !apperr.Is(err, apperr.KindInvalidInput) {
			t.Errorf("discount %.2f: expected invalid input, got %v", d, err)
		}
	}
}

func TestLineChangesAllowedAfterFinalize(t *testing.T) {
	f := newFixture()
	line, _ := f.add(t, f.consult, 1)
	if _, err := f.svc.Finalize(context.Background(), f.doctor, f.appt.ID, 20, time.Time{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, view := f.add(t, f.xray, 2)
	if !view.Finalized || view.TotalAmount != 191 {
		t.Errorf("expected finalized invoice with total 191, got %v / %.2f", view.Finalized, view.TotalAmount)
	}
	if view.Payable != 152.8 {
		t.Errorf("expected payable 152.80, got %.2f", view.Payable)
	}

	qty := 2
	if _, _, err := f.svc.EditLine(context.Background(), f.doctor, view.ID, line.ID, EditLineInput{Quantity: &qty}); err != nil {
		t.Fatalf("edit after finalize: %v", err)
	}
	if _, err := f.svc.DeleteLine(context.Background(), f.doctor, view.ID, line.ID); err != nil {
		t.Fatalf("delete after finalize: %v", err)
	}
	f.assertTotalMatchesLines(t)
	if !f.invoices.stored(f.appt.ID).Finalized {
		t.Error("line changes must not clear finalized")
	}
}

func TestEditFinalSummary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := 25.0

	if _, err := f.svc.EditFinalSummary(ctx, f.doctor, f.appt.ID, SummaryInput{Discount: &d}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found without invoice, got %v", err)
	}

	f.add(t, f.consult, 2)
	view, err := f.svc.EditFinalSummary(ctx, f.doctor, f.appt.ID, SummaryInput{Discount: &d})
	if err != nil {
		t.Fatalf("edit summary: %v", err)
	}
	if view.Finalized {
		t.Error("editing the summary must not finalize")
	}
	if view.Discount != 25 || view.Payable != 150 {
		t.Errorf("expected discount 25 and payable 150, got %.2f / %.2f", view.Discount, view.Payable)
	}

	f.svc.Finalize(ctx, f.doctor, f.appt.ID, 10, time.Time{})
	newDate := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	view, err = f.svc.EditFinalSummary(ctx, f.doctor, f.appt.ID, SummaryInput{BillDate: &newDate})
	if err != nil {
		t.Fatalf("edit summary after finalize: %v", err)
	}
	if !view.Finalized || view.Discount != 10 || !view.BillDate.Equal(newDate) {
		t.Errorf("expected finalized, discount kept, date updated; got %+v", view.Invoice)
	}
}

func TestDiscountRoundedToCents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, f.consult, 3)

	view, err := f.svc.Finalize(ctx, f.doctor, f.appt.ID, 33.333, time.Time{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if view.Discount != 33.33 || view.DiscountAmount != 99.99 || view.Payable != 200.01 {
		t.Errorf("expected 33.33 / 99.99 / 200.01, got %v / %.2f / %.2f", view.Discount, view.DiscountAmount, view.Payable)
	}
	if got := f.invoices.stored(f.appt.ID).Discount; got != 33.33 {
		t.Errorf("expected stored discount 33.33, got %v", got)
	}

	d := 12.3456
	view, err = f.svc.EditFinalSummary(ctx, f.doctor, f.appt.ID, SummaryInput{Discount: &d})
	if err != nil {
		t.Fatalf("edit summary: %v", err)
	}
	if view.Discount != 12.35 {
		t.Errorf("expected discount 12.35, got %v", view.Discount)
	}
	if got := f.invoices.stored(f.appt.ID).Discount; got != 12.35 {
		t.Errorf("expected stored discount 12.35, got %v", got)
	}
}

func TestMarkPaid(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, f.consult, 1)

	if _, err := f.svc.MarkPaid(ctx, f.admin, f.appt.ID, time.Time{}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("expected invalid transition before finalize, got %v", err)
	}
	f.svc.Finalize(ctx, f.doctor, f.appt.ID, 0, time.Time{})

	if _, err := f.svc.MarkPaid(ctx, f.doctor, f.appt.ID, time.Time{}); !apperr.Is(err, apperr.KindPermission) {
		t.Errorf("expected permission error for doctor, got %v", err)
	}
	view, err := f.svc.MarkPaid(ctx, f.admin, f.appt.ID, time.Time{})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if view.Status != InvoicePaid || view.PaymentDate == nil {
		t.Errorf("expected PAID with a payment date, got %+v", view.Invoice)
	}
	if _, err := f.svc.MarkPaid(ctx, f.admin, f.appt.ID, time.Time{}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("expected second payment to be rejected, got %v", err)
	}
}

func TestGetInvoice_Access(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, f.consult, 1)

	if _, err := f.svc.GetInvoice(ctx, f.patient, f.appt.ID); err != nil {
		t.Errorf("patient should read own invoice: %v", err)
	}
	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
	if _, err := f.svc.GetInvoice(ctx, stranger, f.appt.ID); !apperr.Is(err, apperr.KindPermission) {
		t.Errorf("expected permission error, got %v", err)
	}
}

func TestConcurrentAddsKeepTotalConsistent(t *testing.T) {
	f := newFixture()
	f.svc.tx = rowLockTx{}

	const adds = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		totals = make(map[float64]int)
	)
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, view, err := f.svc.AddLine(context.Background(), f.doctor, f.appt.ID,
				AddLineInput{ServiceID: f.consult.ID, Quantity: 1})
			if err != nil {
				t.Errorf("add: %v", err)
				return
			}
			if got, want := view.TotalAmount, SumLines(view.Lines); got != want {
				t.Errorf("returned total %.2f does not match its lines %.2f", got, want)
			}
			mu.Lock()
			totals[view.TotalAmount]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Serialized adds each see one more line than the last.
	for k := 1; k <= adds; k++ {
		if n := totals[float64(k*100)]; n != 1 {
			t.Errorf("expected exactly one add to return total %d, got %d", k*100, n)
		}
	}
	if got := f.invoices.stored(f.appt.ID).TotalAmount; got != 2000 {
		t.Errorf("expected stored total 2000, got %.2f", got)
	}
	f.assertTotalMatchesLines(t)
}

func TestSummarize(t *testing.T) {
	s := Summarize(300, 10)
	if s.Payable != 270 || s.DiscountAmount != 30 {
		t.Errorf("Summarize(300, 10) = %+v", s)
	}
	s = Summarize(99.99, 33)
	if s.DiscountAmount != 33 || s.Payable != 66.99 {
		t.Errorf("Summarize(99.99, 33) = %+v", s)
	}
}
