package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const invoiceCols = `id, appointment_id, discount, total_amount, finalized, status,
	bill_date, payment_date, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.AppointmentID, &inv.Discount, &inv.TotalAmount, &inv.Finalized,
		&inv.Status, &inv.BillDate, &inv.PaymentDate, &inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func (r *invoiceRepoPG) one(ctx context.Context, query string, arg uuid.UUID, what string) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("%s", what)
	}
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	return inv, nil
}

func (r *invoiceRepoPG) Ensure(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoices (id, appointment_id, discount, total_amount, finalized, status)
		VALUES ($1, $2, 0, 0, FALSE, 'UNPAID')
		ON CONFLICT (appointment_id) DO NOTHING`, uuid.New(), appointmentID)
	if err != nil {
		return nil, fmt.Errorf("ensure invoice: %w", err)
	}
	return r.LockByAppointment(ctx, appointmentID)
}

func (r *invoiceRepoPG) LockByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	return r.one(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE appointment_id = $1 FOR UPDATE`,
		appointmentID, "no bills to generate final bill")
}

func (r *invoiceRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.one(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1 FOR UPDATE`,
		id, "invoice "+id.String()+" not found")
}

func (r *invoiceRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	return r.one(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE appointment_id = $1`,
		appointmentID, "no invoice for appointment "+appointmentID.String())
}

func (r *invoiceRepoPG) UpdateTotal(ctx context.Context, id uuid.UUID, total float64) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE invoices SET total_amount = $2, updated_at = NOW() WHERE id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("update invoice total: %w", err)
	}
	return nil
}

func (r *invoiceRepoPG) UpdateSummary(ctx context.Context, inv *Invoice) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE invoices SET discount = $2, bill_date = $3, total_amount = $4, finalized = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.Discount, inv.BillDate, inv.TotalAmount, inv.Finalized).Scan(&inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update invoice summary: %w", err)
	}
	return nil
}

func (r *invoiceRepoPG) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE invoices SET status = 'PAID', payment_date = $2, updated_at = NOW() WHERE id = $1`, id, paidAt)
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	return nil
}

// =========== Bill Line Repository ===========

type lineRepoPG struct{ pool *pgxpool.Pool }

func NewLineRepoPG(pool *pgxpool.Pool) LineRepository { return &lineRepoPG{pool: pool} }

func (r *lineRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const lineCols = `id, invoice_id, service_id, service_name, unit_cost, quantity, total_cost, service_date, created_at`

func scanLine(row pgx.Row) (*BillLine, error) {
	var l BillLine
	err := row.Scan(&l.ID, &l.InvoiceID, &l.ServiceID, &l.ServiceName, &l.UnitCost,
		&l.Quantity, &l.TotalCost, &l.ServiceDate, &l.CreatedAt)
	return &l, err
}

func (r *lineRepoPG) Create(ctx context.Context, l *BillLine) error {
	l.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill_lines (id, invoice_id, service_id, service_name, unit_cost, quantity, total_cost, service_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		l.ID, l.InvoiceID, l.ServiceID, l.ServiceName, l.UnitCost, l.Quantity, l.TotalCost, l.ServiceDate,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bill line: %w", err)
	}
	return nil
}

func (r *lineRepoPG) Get(ctx context.Context, invoiceID, lineID uuid.UUID) (*BillLine, error) {
	l, err := scanLine(r.conn(ctx).QueryRow(ctx,
		`SELECT `+lineCols+` FROM bill_lines WHERE id = $1 AND invoice_id = $2`, lineID, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("bill line %s not found", lineID)
	}
	if err != nil {
		return nil, fmt.Errorf("get bill line: %w", err)
	}
	return l, nil
}

func (r *lineRepoPG) Update(ctx context.Context, l *BillLine) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bill_lines SET service_id=$2, service_name=$3, unit_cost=$4, quantity=$5, total_cost=$6, service_date=$7
		WHERE id = $1`,
		l.ID, l.ServiceID, l.ServiceName, l.UnitCost, l.Quantity, l.TotalCost, l.ServiceDate)
	if err != nil {
		return fmt.Errorf("update bill line: %w", err)
	}
	return nil
}

func (r *lineRepoPG) Delete(ctx context.Context, invoiceID, lineID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM bill_lines WHERE id = $1 AND invoice_id = $2`, lineID, invoiceID)
	if err != nil {
		return fmt.Errorf("delete bill line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("bill line %s not found", lineID)
	}
	return nil
}

func (r *lineRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*BillLine, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lineCols+` FROM bill_lines WHERE invoice_id = $1 ORDER BY service_date, created_at`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list bill lines: %w", err)
	}
	defer rows.Close()
	var items []*BillLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// =========== Catalog ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) Catalog { return &catalogRepoPG{pool: pool} }

func (r *catalogRepoPG) GetService(ctx context.Context, id uuid.UUID) (*CatalogService, error) {
	var s CatalogService
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, price FROM services WHERE id = $1`, id).Scan(&s.ID, &s.Name, &s.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("service %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &s, nil
}

func (r *catalogRepoPG) ListServices(ctx context.Context) ([]*CatalogService, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT id, name, price FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var items []*CatalogService
	for rows.Next() {
		var s CatalogService
		if err := rows.Scan(&s.ID, &s.Name, &s.Price); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

// =========== Appointment Reader ===========

type appointmentReaderPG struct{ pool *pgxpool.Pool }

func NewAppointmentReaderPG(pool *pgxpool.Pool) AppointmentReader {
	return &appointmentReaderPG{pool: pool}
}

func (r *appointmentReaderPG) GetRef(ctx context.Context, id uuid.UUID) (AppointmentRef, error) {
	ref := AppointmentRef{ID: id}
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT patient_id, doctor_id FROM appointments WHERE id = $1`, id).Scan(&ref.PatientID, &ref.DoctorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppointmentRef{}, apperr.NotFound("appointment %s not found", id)
	}
	if err != nil {
		return AppointmentRef{}, fmt.Errorf("get appointment: %w", err)
	}
	return ref, nil
}
