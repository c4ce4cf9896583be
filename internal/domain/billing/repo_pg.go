package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
)

// maxNumberAttempts bounds the retries on a display-number collision.
const maxNumberAttempts = 5

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// withUniqueNumber runs insert with fresh numbers until it does not collide
// on constraint.
func withUniqueNumber(ctx context.Context, constraint string, next func() string, insert func(ctx context.Context, number string) error) error {
	var err error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		number := next()
		err = db.Savepoint(ctx, func(ctx context.Context) error { return insert(ctx, number) })
		if err == nil || !db.IsUniqueViolation(err, constraint) {
			return err
		}
	}
	return fmt.Errorf("could not allocate a unique number after %d attempts: %w", maxNumberAttempts, err)
}

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

const billCols = `id, bill_number, patient_id, doctor_id, appointment_id,
	consultation_fee, medication_charges, lab_charges, other_charges,
	subtotal, tax, discount, total_amount, paid_amount, balance, currency,
	payment_status, payment_method, due_date, notes, created_by, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.BillNumber, &b.PatientID, &b.DoctorID, &b.AppointmentID,
		&b.ConsultationFee, &b.MedicationCharges, &b.LabCharges, &b.OtherCharges,
		&b.Subtotal, &b.Tax, &b.Discount, &b.TotalAmount, &b.PaidAmount, &b.Balance, &b.Currency,
		&b.PaymentStatus, &b.PaymentMethod, &b.DueDate, &b.Notes, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("bill not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan bill: %w", err)
	}
	return &b, nil
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	b.ID = uuid.New()
	return withUniqueNumber(ctx, "bills_bill_number_key", NewBillNumber, func(ctx context.Context, number string) error {
		err := conn(ctx, r.pool).QueryRow(ctx, `
			INSERT INTO bills (id, bill_number, patient_id, doctor_id, appointment_id,
				consultation_fee, medication_charges, lab_charges, other_charges,
				subtotal, tax, discount, total_amount, paid_amount, balance, currency,
				payment_status, payment_method, due_date, notes, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING created_at, updated_at`,
			b.ID, number, b.PatientID, b.DoctorID, b.AppointmentID,
			b.ConsultationFee, b.MedicationCharges, b.LabCharges, b.OtherCharges,
			b.Subtotal, b.Tax, b.Discount, b.TotalAmount, b.PaidAmount, b.Balance, b.Currency,
			b.PaymentStatus, b.PaymentMethod, b.DueDate, b.Notes, b.CreatedBy).
			Scan(&b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return err
		}
		b.BillNumber = number
		return nil
	})
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return scanBill(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1`, id))
}

func (r *billRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return scanBill(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1 FOR UPDATE`, id))
}

func (r *billRepoPG) Update(ctx context.Context, b *Bill) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE bills SET doctor_id=$2, appointment_id=$3,
			consultation_fee=$4, medication_charges=$5, lab_charges=$6, other_charges=$7,
			subtotal=$8, tax=$9, discount=$10, total_amount=$11, paid_amount=$12, balance=$13,
			payment_status=$14, payment_method=$15, due_date=$16, notes=$17, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.DoctorID, b.AppointmentID,
		b.ConsultationFee, b.MedicationCharges, b.LabCharges, b.OtherCharges,
		b.Subtotal, b.Tax, b.Discount, b.TotalAmount, b.PaidAmount, b.Balance,
		b.PaymentStatus, b.PaymentMethod, b.DueDate, b.Notes).Scan(&b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("bill not found")
	}
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	return nil
}

func (r *billRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM bills WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("bill not found")
	}
	return nil
}

func (r *billRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error) {
	var where []string
	var args []interface{}
	idx := 1
	if f.PatientID != nil {
		where = append(where, fmt.Sprintf("patient_id = $%d", idx))
		args = append(args, *f.PatientID)
		idx++
	}
	if f.DoctorID != nil {
		where = append(where, fmt.Sprintf(
			"(doctor_id = $%d OR patient_id IN (SELECT id FROM patients WHERE primary_doctor_id = $%d))", idx, idx))
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("payment_status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM bills`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bills: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM bills%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, billCols, clause, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bills: %w", err)
	}
	defer rows.Close()

	var items []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *billRepoPG) MarkOverdue(ctx context.Context, asOf time.Time) ([]*Bill, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		UPDATE bills SET payment_status = 'overdue', updated_at = NOW()
		WHERE payment_status IN ('pending', 'partial') AND due_date < $1::date AND balance > 0
		RETURNING `+billCols, asOf)
	if err != nil {
		return nil, fmt.Errorf("mark overdue: %w", err)
	}
	defer rows.Close()

	var items []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *billRepoPG) Revenue(ctx context.Context, from, to *time.Time) (*RevenueSummary, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT payment_status, COUNT(*),
			COALESCE(SUM(total_amount), 0), COALESCE(SUM(paid_amount), 0), COALESCE(SUM(balance), 0)
		FROM bills
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		GROUP BY payment_status`, from, to)
	if err != nil {
		return nil, fmt.Errorf("revenue: %w", err)
	}
	defer rows.Close()

	sum := &RevenueSummary{StatusCounts: make(map[Status]int), From: from, To: to}
	for rows.Next() {
		var status Status
		var count int
		var total, paid, balance decimal.Decimal
		if err := rows.Scan(&status, &count, &total, &paid, &balance); err != nil {
			return nil, fmt.Errorf("scan revenue: %w", err)
		}
		sum.add(status, count, total, paid, balance)
	}
	return sum, rows.Err()
}

// add folds one status bucket into the summary. Cancelled bills count but
// carry no revenue.
func (s *RevenueSummary) add(status Status, count int, total, paid, balance decimal.Decimal) {
	s.TotalBills += count
	s.StatusCounts[status] += count
	if status == StatusCancelled {
		return
	}
	s.TotalRevenue = s.TotalRevenue.Add(total)
	s.TotalPaid = s.TotalPaid.Add(paid)
	if balance.IsPositive() {
		s.TotalPending = s.TotalPending.Add(balance)
	}
}

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

const txnCols = `id, transaction_number, patient_id, bill_id, amount, currency, gateway, status,
	gateway_order_id, gateway_payment_id, gateway_signature, description, failure_reason,
	created_at, updated_at, completed_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.TransactionNumber, &t.PatientID, &t.BillID, &t.Amount, &t.Currency, &t.Gateway, &t.Status,
		&t.GatewayOrderID, &t.GatewayPaymentID, &t.GatewaySignature, &t.Description, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &t, nil
}

const insertTxn = `
	INSERT INTO payment_transactions (id, transaction_number, patient_id, bill_id, amount, currency,
		gateway, status, gateway_order_id, gateway_payment_id, gateway_signature, description,
		failure_reason, completed_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

func txnArgs(t *Transaction, number string) []interface{} {
	return []interface{}{t.ID, number, t.PatientID, t.BillID, t.Amount, t.Currency,
		t.Gateway, t.Status, t.GatewayOrderID, t.GatewayPaymentID, t.GatewaySignature, t.Description,
		t.FailureReason, t.CompletedAt}
}

func (r *transactionRepoPG) Create(ctx context.Context, t *Transaction) error {
	t.ID = uuid.New()
	return withUniqueNumber(ctx, "payment_transactions_transaction_number_key", NewTransactionNumber, func(ctx context.Context, number string) error {
		err := conn(ctx, r.pool).QueryRow(ctx, insertTxn+` RETURNING created_at, updated_at`, txnArgs(t, number)...).
			Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return err
		}
		t.TransactionNumber = number
		return nil
	})
}

func (r *transactionRepoPG) CreateIfAbsent(ctx context.Context, t *Transaction) (bool, error) {
	t.ID = uuid.New()
	inserted := false
	err := withUniqueNumber(ctx, "payment_transactions_transaction_number_key", NewTransactionNumber, func(ctx context.Context, number string) error {
		err := conn(ctx, r.pool).QueryRow(ctx, insertTxn+`
			ON CONFLICT ON CONSTRAINT payment_transactions_gateway_order_id_key DO NOTHING
			RETURNING created_at, updated_at`, txnArgs(t, number)...).
			Scan(&t.CreatedAt, &t.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		t.TransactionNumber = number
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *transactionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return scanTransaction(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+txnCols+` FROM payment_transactions WHERE id = $1`, id))
}

func (r *transactionRepoPG) LockByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	return scanTransaction(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+txnCols+` FROM payment_transactions WHERE gateway_order_id = $1 FOR UPDATE`, orderID))
}

func (r *transactionRepoPG) Update(ctx context.Context, t *Transaction) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE payment_transactions SET amount=$2, status=$3, gateway_payment_id=$4, gateway_signature=$5,
			failure_reason=$6, completed_at=$7, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.Amount, t.Status, t.GatewayPaymentID, t.GatewaySignature, t.FailureReason, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("transaction not found")
	}
	return nil
}

func (r *transactionRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Transaction, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+txnCols+` FROM payment_transactions WHERE bill_id = $1 ORDER BY created_at DESC`, billID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var items []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *transactionRepoPG) CountSuccessful(ctx context.Context, billID uuid.UUID) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_transactions WHERE bill_id = $1 AND status = 'success'`, billID).Scan(&n)
	return n, err
}

func (r *transactionRepoPG) DeleteUnsettled(ctx context.Context, billID uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM payment_transactions WHERE bill_id = $1 AND status IN ('pending', 'failed')`, billID)
	return err
}
