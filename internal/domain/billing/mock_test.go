package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/notification"
)

// rowLockTx stands in for a database transaction: row locks taken by the
// invoice repo inside fn are held until fn returns, like FOR UPDATE until
// commit.
type rowLockTx struct{}

type heldRowsKey struct{}

type heldRows map[uuid.UUID]*sync.Mutex

func (rowLockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	held := heldRows{}
	defer func() {
		for _, mu := range held {
			mu.Unlock()
		}
	}()
	return fn(context.WithValue(ctx, heldRowsKey{}, held))
}

type mockInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	rowLocks map[uuid.UUID]*sync.Mutex
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *mockInvoiceRepo) find(pred func(*Invoice) bool, msg string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if pred(inv) {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("%s", msg)
}

// lockRow blocks until the row is free when ctx carries a rowLockTx. Outside
// a transaction it does nothing, matching a plain SELECT.
func (m *mockInvoiceRepo) lockRow(ctx context.Context, id uuid.UUID) {
	held, ok := ctx.Value(heldRowsKey{}).(heldRows)
	if !ok {
		return
	}
	if _, mine := held[id]; mine {
		return
	}
	m.mu.Lock()
	mu, ok := m.rowLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.rowLocks[id] = mu
	}
	m.mu.Unlock()
	mu.Lock()
	held[id] = mu
}

// lockAndRead locks the matching row, then reads it so the caller sees
// whatever the previous holder committed.
func (m *mockInvoiceRepo) lockAndRead(ctx context.Context, pred func(*Invoice) bool, msg string) (*Invoice, error) {
	inv, err := m.find(pred, msg)
	if err != nil {
		return nil, err
	}
	m.lockRow(ctx, inv.ID)
	return m.find(func(i *Invoice) bool { return i.ID == inv.ID }, msg)
}

func (m *mockInvoiceRepo) Ensure(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	exists := false
	for _, inv := range m.invoices {
		if inv.AppointmentID == appointmentID {
			exists = true
		}
	}
	if !exists {
		id := uuid.New()
		m.invoices[id] = &Invoice{ID: id, AppointmentID: appointmentID, Status: InvoiceUnpaid, CreatedAt: time.Now()}
	}
	m.mu.Unlock()
	return m.LockByAppointment(ctx, appointmentID)
}

func (m *mockInvoiceRepo) LockByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	return m.lockAndRead(ctx, func(i *Invoice) bool { return i.AppointmentID == appointmentID }, "no bills to generate final bill")
}

func (m *mockInvoiceRepo) LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.lockAndRead(ctx, func(i *Invoice) bool { return i.ID == id }, "invoice not found")
}

func (m *mockInvoiceRepo) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	return m.find(func(i *Invoice) bool { return i.AppointmentID == appointmentID }, "no bills to generate final bill")
}

func (m *mockInvoiceRepo) UpdateTotal(_ context.Context, id uuid.UUID, total float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[id].TotalAmount = total
	return nil
}

func (m *mockInvoiceRepo) UpdateSummary(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.invoices[inv.ID]
	stored.Discount, stored.BillDate, stored.TotalAmount, stored.Finalized = inv.Discount, inv.BillDate, inv.TotalAmount, inv.Finalized
	return nil
}

func (m *mockInvoiceRepo) MarkPaid(_ context.Context, id uuid.UUID, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[id].Status = InvoicePaid
	m.invoices[id].PaymentDate = &paidAt
	return nil
}

func (m *mockInvoiceRepo) stored(appointmentID uuid.UUID) *Invoice {
	inv, _ := m.GetByAppointment(context.Background(), appointmentID)
	return inv
}

type mockLineRepo struct {
	mu    sync.Mutex
	lines map[uuid.UUID]*BillLine
	seq   int
}

func newMockLineRepo() *mockLineRepo {
	return &mockLineRepo{lines: make(map[uuid.UUID]*BillLine)}
}

func (m *mockLineRepo) Create(_ context.Context, l *BillLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	l.ID = uuid.New()
	l.CreatedAt = time.Unix(int64(m.seq), 0)
	cp := *l
	m.lines[l.ID] = &cp
	return nil
}

func (m *mockLineRepo) Get(_ context.Context, invoiceID, lineID uuid.UUID) (*BillLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineID]
	if !ok || l.InvoiceID != invoiceID {
		return nil, apperr.NotFound("bill line %s not found", lineID)
	}
	cp := *l
	return &cp, nil
}

func (m *mockLineRepo) Update(_ context.Context, l *BillLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.lines[l.ID] = &cp
	return nil
}

func (m *mockLineRepo) Delete(_ context.Context, invoiceID, lineID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineID]
	if !ok || l.InvoiceID != invoiceID {
		return apperr.NotFound("bill line %s not found", lineID)
	}
	delete(m.lines, lineID)
	return nil
}

func (m *mockLineRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*BillLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BillLine
	for _, l := range m.lines {
		if l.InvoiceID == invoiceID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type mockCatalog struct {
	mu       sync.Mutex
	services map[uuid.UUID]*CatalogService
	gets     int
	lists    int
}

func newMockCatalog(svcs ...*CatalogService) *mockCatalog {
	m := &mockCatalog{services: make(map[uuid.UUID]*CatalogService)}
	for _, s := range svcs {
		m.services[s.ID] = s
	}
	return m
}

func (m *mockCatalog) GetService(_ context.Context, id uuid.UUID) (*CatalogService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	s, ok := m.services[id]
	if !ok {
		return nil, apperr.NotFound("service %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockCatalog) ListServices(_ context.Context) ([]*CatalogService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var out []*CatalogService
	for _, s := range m.services {
		out = append(out, s)
	}
	return out, nil
}

type mockAppointments struct {
	refs map[uuid.UUID]AppointmentRef
}

func (m *mockAppointments) GetRef(_ context.Context, id uuid.UUID) (AppointmentRef, error) {
	ref, ok := m.refs[id]
	if !ok {
		return AppointmentRef{}, apperr.NotFound("appointment %s not found", id)
	}
	return ref, nil
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
	msgs []notification.Message
}

func (r *recordingDispatcher) DispatchAll(_ context.Context, msgs []notification.Message) error {
	r.msgs = append(r.msgs, msgs...)
	return nil
}
