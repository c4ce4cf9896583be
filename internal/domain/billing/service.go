package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/domain/notification"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

// EventSink stores domain events in the caller's transaction.
type EventSink interface {
	Enqueue(ctx context.Context, eventType string, payload interface{}) (uuid.UUID, error)
}

// Waker is told after a commit that new events are waiting.
type Waker interface {
	Kick()
}

// Service is the ledger: the only writer of bills and payment transactions.
// Every mutation locks the bill row and keeps the arithmetic consistent.
type Service struct {
	bills           BillRepository
	txns            TransactionRepository
	dir             identity.Directory
	tx              db.Transactor
	events          EventSink
	waker           Waker
	access          Access
	defaultCurrency string
	logger          zerolog.Logger
	now             func() time.Time
}

func NewService(bills BillRepository, txns TransactionRepository, dir identity.Directory, tx db.Transactor, events EventSink, logger zerolog.Logger) *Service {
	return &Service{
		bills:           bills,
		txns:            txns,
		dir:             dir,
		tx:              tx,
		events:          events,
		access:          NewAccess(dir),
		defaultCurrency: "INR",
		logger:          logger.With().Str("component", "ledger").Logger(),
		now:             time.Now,
	}
}

// SetWaker attaches the relay kicked after event-producing commits.
func (s *Service) SetWaker(w Waker) { s.waker = w }

// SetDefaultCurrency sets the currency of bills created without one.
func (s *Service) SetDefaultCurrency(c string) {
	if c != "" {
		s.defaultCurrency = NormalizeCurrency(c, "INR")
	}
}

func (s *Service) Access() Access { return s.access }

// Transactor exposes the ledger's transaction boundary to orchestrators
// that combine several ledger operations.
func (s *Service) Transactor() db.Transactor { return s.tx }

// -- Requests --

type CreateBillRequest struct {
	PatientID     uuid.UUID  `json:"patient_id" validate:"required"`
	DoctorID      *uuid.UUID `json:"doctor_id"`
	AppointmentID *uuid.UUID `json:"appointment_id"`
	Charges
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Currency string          `json:"currency" validate:"omitempty,currency"`
	DueDate  *string         `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes    *string         `json:"notes" validate:"omitempty,max=2000"`
}

// UpdateBillRequest changes only the fields that are present.
type UpdateBillRequest struct {
	ConsultationFee   *decimal.Decimal `json:"consultation_fee"`
	MedicationCharges *decimal.Decimal `json:"medication_charges"`
	LabCharges        *decimal.Decimal `json:"lab_charges"`
	OtherCharges      *decimal.Decimal `json:"other_charges"`
	Tax               *decimal.Decimal `json:"tax"`
	Discount          *decimal.Decimal `json:"discount"`
	DoctorID          *uuid.UUID       `json:"doctor_id"`
	DueDate           *string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes             *string          `json:"notes" validate:"omitempty,max=2000"`
}

type ManualPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Method      Method          `json:"payment_method" validate:"required,oneof=cash card insurance online cheque"`
	Description *string         `json:"description" validate:"omitempty,max=500"`
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil, apperr.Validation("due_date must be YYYY-MM-DD")
	}
	return &d, nil
}

// -- Events --

// BillEvent resolves the recipients of a notification about b.
func (s *Service) BillEvent(ctx context.Context, b *Bill, amount decimal.Decimal, txnID *uuid.UUID) (notification.BillEvent, error) {
	ev := notification.BillEvent{
		BillID:        b.ID,
		BillNumber:    b.BillNumber,
		Amount:        amount,
		Currency:      b.Currency,
		TransactionID: txnID,
	}
	p, err := s.dir.GetPatient(ctx, b.PatientID)
	if err != nil {
		return ev, fmt.Errorf("resolve patient: %w", err)
	}
	ev.PatientUserID = p.UserID
	ev.PatientName = p.FullName()

	if b.DoctorID != nil {
		d, err := s.dir.GetDoctor(ctx, *b.DoctorID)
		switch {
		case err == nil:
			ev.DoctorUserID = &d.UserID
		case apperr.Is(err, apperr.KindNotFound):
			s.logger.Warn().Str("bill_id", b.ID.String()).Str("doctor_id", b.DoctorID.String()).Msg("bill doctor not found; skipping doctor notification")
		default:
			return ev, fmt.Errorf("resolve doctor: %w", err)
		}
	}
	return ev, nil
}

// Emit enqueues eventType for b in the transaction carried by ctx.
func (s *Service) Emit(ctx context.Context, eventType string, b *Bill, amount decimal.Decimal, txnID *uuid.UUID) error {
	ev, err := s.BillEvent(ctx, b, amount, txnID)
	if err != nil {
		return err
	}
	if _, err := s.events.Enqueue(ctx, eventType, ev); err != nil {
		return err
	}
	if s.waker != nil {
		db.AfterCommit(ctx, s.waker.Kick)
	}
	return nil
}

// -- Bills --

// CreateBill computes the totals, stores the bill as pending and queues the
// patient's "new bill" notification.
func (s *Service) CreateBill(ctx context.Context, actor auth.Actor, req CreateBillRequest) (*Bill, error) {
	if !s.access.CanManage(actor) {
		return nil, apperr.Forbidden("only staff, doctors and admins can create bills")
	}
	if _, err := s.dir.GetPatient(ctx, req.PatientID); err != nil {
		return nil, err
	}
	if req.DoctorID != nil {
		if _, err := s.dir.GetDoctor(ctx, *req.DoctorID); err != nil {
			return nil, err
		}
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		return nil, err
	}

	b := &Bill{
		PatientID:     req.PatientID,
		DoctorID:      req.DoctorID,
		AppointmentID: req.AppointmentID,
		Currency:      NormalizeCurrency(req.Currency, s.defaultCurrency),
		PaymentStatus: StatusPending,
		DueDate:       due,
		Notes:         req.Notes,
		CreatedBy:     &actor.UserID,
	}
	if err := b.SetCharges(req.Charges, req.Tax, req.Discount); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.bills.Create(ctx, b); err != nil {
			return fmt.Errorf("create bill: %w", err)
		}
		return s.Emit(ctx, notification.EventBillCreated, b, b.TotalAmount, nil)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("bill_id", b.ID.String()).Str("bill_number", b.BillNumber).
		Str("total", b.TotalAmount.StringFixed(2)).Msg("bill created")
	return b, nil
}

// GetBill returns the bill if actor may view it.
func (s *Service) GetBill(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Bill, error) {
	b, err := s.bills.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Require(s.access.CanView(ctx, actor, b)); err != nil {
		return nil, err
	}
	return b, nil
}

// LockBill locks the bill row for the rest of the transaction in ctx.
func (s *Service) LockBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetForUpdate(ctx, id)
}

// LoadBill returns the bill without an access check.
func (s *Service) LoadBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

func (s *Service) ListBills(ctx context.Context, actor auth.Actor, f ListFilter, limit, offset int) ([]*Bill, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("invalid payment_status: " + string(f.Status))
	}
	f, err := s.access.Scope(ctx, actor, f)
	if err != nil {
		return nil, 0, err
	}
	return s.bills.List(ctx, f, limit, offset)
}

// ApplyChargeUpdate replaces the charges present in req and recomputes the
// totals against the current paid amount. Paid and cancelled bills are
// frozen.
func (s *Service) ApplyChargeUpdate(ctx context.Context, actor auth.Actor, id uuid.UUID, req UpdateBillRequest) (*Bill, error) {
	if !s.access.CanManage(actor) {
		return nil, apperr.Forbidden("only staff, doctors and admins can edit bills")
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		return nil, err
	}
	if req.DoctorID != nil {
		if _, err := s.dir.GetDoctor(ctx, *req.DoctorID); err != nil {
			return nil, err
		}
	}

	var out *Bill
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := Require(s.access.CanView(ctx, actor, b)); err != nil {
			return err
		}
		if b.PaymentStatus == StatusPaid || b.PaymentStatus == StatusCancelled {
			return apperr.Conflict(fmt.Sprintf("bill is %s and can no longer be changed", b.PaymentStatus))
		}

		c := b.Charges
		tax, discount := b.Tax, b.Discount
		pick(&c.ConsultationFee, req.ConsultationFee)
		pick(&c.MedicationCharges, req.MedicationCharges)
		pick(&c.LabCharges, req.LabCharges)
		pick(&c.OtherCharges, req.OtherCharges)
		pick(&tax, req.Tax)
		pick(&discount, req.Discount)
		if err := b.SetCharges(c, tax, discount); err != nil {
			return apperr.Validation(err.Error())
		}
		if req.DoctorID != nil {
			b.DoctorID = req.DoctorID
		}
		if due != nil {
			b.DueDate = due
		}
		if req.Notes != nil {
			b.Notes = req.Notes
		}
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func pick(dst *decimal.Decimal, v *decimal.Decimal) {
	if v != nil {
		*dst = *v
	}
}

// RecordPayment credits amount to the bill under a row lock. Callers that
// record a transaction must do so in the same InTx so each success
// transaction matches exactly one credit.
func (s *Service) RecordPayment(ctx context.Context, billID uuid.UUID, amount decimal.Decimal, method Method) (*Bill, error) {
	var out *Bill
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if b.PaymentStatus == StatusCancelled {
			return apperr.Conflict("bill is cancelled")
		}
		if err := b.ApplyPayment(amount, method); err != nil {
			return apperr.Validation(err.Error())
		}
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// RecordManualPayment books a cash, card, cheque or insurance payment taken
// at the desk as a successful transaction plus a ledger credit.
func (s *Service) RecordManualPayment(ctx context.Context, actor auth.Actor, billID uuid.UUID, req ManualPaymentRequest) (*Bill, *Transaction, error) {
	if !actor.IsAdmin() && !actor.IsStaff() {
		return nil, nil, apperr.Forbidden("only staff and admins can record payments")
	}
	if !req.Method.Valid() {
		return nil, nil, apperr.Validation("invalid payment_method: " + string(req.Method))
	}

	var bill *Bill
	var txn *Transaction
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if b.PaymentStatus == StatusCancelled {
			return apperr.Conflict("bill is cancelled")
		}

		now := s.now()
		t := &Transaction{
			PatientID:   b.PatientID,
			BillID:      b.ID,
			Amount:      req.Amount,
			Currency:    b.Currency,
			Gateway:     GatewayForMethod(req.Method),
			Status:      TxnSuccess,
			Description: req.Description,
			CompletedAt: &now,
		}
		if err := s.CreateTransaction(ctx, t); err != nil {
			return err
		}
		if err := b.ApplyPayment(req.Amount, req.Method); err != nil {
			return apperr.Validation(err.Error())
		}
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		bill, txn = b, t
		return s.Emit(ctx, notification.EventPaymentSettled, b, req.Amount, &t.ID)
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("bill_id", bill.ID.String()).Str("transaction_id", txn.ID.String()).
		Str("amount", req.Amount.StringFixed(2)).Str("method", string(req.Method)).
		Str("payment_status", string(bill.PaymentStatus)).Msg("manual payment recorded")
	return bill, txn, nil
}

// CancelBill moves an unpaid bill to cancelled. Cancelling twice is a no-op.
func (s *Service) CancelBill(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Bill, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only admins can cancel bills")
	}
	var out *Bill
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = b
		switch b.PaymentStatus {
		case StatusCancelled:
			return nil
		case StatusPaid:
			return apperr.Conflict("a paid bill cannot be cancelled")
		}
		b.PaymentStatus = StatusCancelled
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		return s.Emit(ctx, notification.EventBillCancelled, b, b.Balance, nil)
	})
	return out, err
}

// DeleteBill removes a bill that never received a payment, together with
// its unsettled transactions.
func (s *Service) DeleteBill(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if !actor.IsAdmin() {
		return apperr.Forbidden("only admins can delete bills")
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.bills.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		settled, err := s.txns.CountSuccessful(ctx, id)
		if err != nil {
			return err
		}
		if b.PaidAmount.IsPositive() || settled > 0 {
			return apperr.Conflict("a bill with recorded payments cannot be deleted")
		}
		if err := s.txns.DeleteUnsettled(ctx, id); err != nil {
			return err
		}
		return s.bills.Delete(ctx, id)
	})
}

// SweepOverdue marks bills past their due date overdue and queues a
// reminder for each. It returns the number of bills moved.
func (s *Service) SweepOverdue(ctx context.Context, asOf time.Time) (int, error) {
	var moved int
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		bills, err := s.bills.MarkOverdue(ctx, asOf)
		if err != nil {
			return err
		}
		for _, b := range bills {
			if err := s.Emit(ctx, notification.EventBillOverdue, b, b.Balance, nil); err != nil {
				return err
			}
		}
		moved = len(bills)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		s.logger.Info().Int("bills", moved).Msg("bills marked overdue")
	}
	return moved, nil
}

// SweepJob adapts SweepOverdue to a periodic job.
func (s *Service) SweepJob() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.SweepOverdue(ctx, s.now())
		return err
	}
}

func (s *Service) Revenue(ctx context.Context, actor auth.Actor, from, to *time.Time) (*RevenueSummary, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only admins can view revenue")
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, apperr.Validation("from must be before to")
	}
	return s.bills.Revenue(ctx, from, to)
}

// -- Transactions --

// CreateTransaction stores a new transaction. Pending is the default status.
func (s *Service) CreateTransaction(ctx context.Context, t *Transaction) error {
	if err := prepareTransaction(t, s.defaultCurrency); err != nil {
		return err
	}
	if err := s.txns.Create(ctx, t); err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// EnsureTransaction inserts t unless its gateway order already has a
// transaction, and reports whether it inserted.
func (s *Service) EnsureTransaction(ctx context.Context, t *Transaction) (bool, error) {
	if err := prepareTransaction(t, s.defaultCurrency); err != nil {
		return false, err
	}
	return s.txns.CreateIfAbsent(ctx, t)
}

func prepareTransaction(t *Transaction, defCurrency string) error {
	if !t.Amount.IsPositive() {
		return apperr.Validation("transaction amount must be positive")
	}
	if t.BillID == uuid.Nil || t.PatientID == uuid.Nil {
		return apperr.Validation("transaction needs a bill and a patient")
	}
	if t.Status == "" {
		t.Status = TxnPending
	}
	t.Currency = NormalizeCurrency(t.Currency, defCurrency)
	return nil
}

// LockTransactionByOrder locks the transaction of a gateway order. Call it
// inside InTx.
func (s *Service) LockTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	return s.txns.LockByOrderID(ctx, orderID)
}

// MarkTransactionTerminal applies o to t. Applying an outcome the current
// status does not accept is a Conflict.
func (s *Service) MarkTransactionTerminal(ctx context.Context, t *Transaction, o Outcome) error {
	if !t.Status.Accepts(o.Status) {
		return apperr.Conflict(fmt.Sprintf("transaction %s is already %s", t.TransactionNumber, t.Status))
	}
	if !o.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	o.apply(t, s.now())
	return s.txns.Update(ctx, t)
}

func (s *Service) ListTransactions(ctx context.Context, actor auth.Actor, billID uuid.UUID) ([]*Transaction, error) {
	if _, err := s.GetBill(ctx, actor, billID); err != nil {
		return nil, err
	}
	return s.txns.ListByBill(ctx, billID)
}
