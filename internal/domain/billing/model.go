package billing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a bill's payment status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusPartial: true, StatusPaid: true, StatusOverdue: true, StatusCancelled: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// Method is how a bill was (last) paid.
type Method string

const (
	MethodCash      Method = "cash"
	MethodCard      Method = "card"
	MethodInsurance Method = "insurance"
	MethodOnline    Method = "online"
	MethodCheque    Method = "cheque"
)

var validMethods = map[Method]bool{
	MethodCash: true, MethodCard: true, MethodInsurance: true, MethodOnline: true, MethodCheque: true,
}

func (m Method) Valid() bool { return validMethods[m] }

// Gateway is the channel a transaction went through.
type Gateway string

const (
	GatewayRazorpay Gateway = "razorpay"
	GatewayStripe   Gateway = "stripe"
	GatewayPaypal   Gateway = "paypal"
	GatewayCash     Gateway = "cash"
	GatewayCard     Gateway = "card"
)

// GatewayForMethod maps a manual payment method to its recorded gateway.
func GatewayForMethod(m Method) Gateway {
	if m == MethodCard {
		return GatewayCard
	}
	return GatewayCash
}

// TxnStatus is a payment transaction's status.
type TxnStatus string

const (
	TxnPending  TxnStatus = "pending"
	TxnSuccess  TxnStatus = "success"
	TxnFailed   TxnStatus = "failed"
	TxnRefunded TxnStatus = "refunded"
)

// Terminal reports whether the transaction has left PENDING.
func (s TxnStatus) Terminal() bool { return s != TxnPending }

// Accepts reports whether an outcome of status next may still be applied.
// A failed attempt can be followed by a successful retry on the same order.
func (s TxnStatus) Accepts(next TxnStatus) bool {
	return s == TxnPending || (s == TxnFailed && next == TxnSuccess)
}

// Charges are the itemized amounts of a bill.
type Charges struct {
	ConsultationFee   decimal.Decimal `json:"consultation_fee"`
	MedicationCharges decimal.Decimal `json:"medication_charges"`
	LabCharges        decimal.Decimal `json:"lab_charges"`
	OtherCharges      decimal.Decimal `json:"other_charges"`
}

func (c Charges) Sum() decimal.Decimal {
	return c.ConsultationFee.Add(c.MedicationCharges).Add(c.LabCharges).Add(c.OtherCharges)
}

func (c Charges) validate() error {
	for name, v := range map[string]decimal.Decimal{
		"consultation_fee":   c.ConsultationFee,
		"medication_charges": c.MedicationCharges,
		"lab_charges":        c.LabCharges,
		"other_charges":      c.OtherCharges,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Bill is one billable episode of care for one patient.
type Bill struct {
	ID            uuid.UUID  `json:"id"`
	BillNumber    string     `json:"bill_number"`
	PatientID     uuid.UUID  `json:"patient_id"`
	DoctorID      *uuid.UUID `json:"doctor_id,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Charges
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	PaymentStatus Status          `json:"payment_status"`
	PaymentMethod *Method         `json:"payment_method,omitempty"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	Notes         *string         `json:"notes,omitempty"`
	CreatedBy     *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DeriveStatus computes the payment status from the amounts. CANCELLED is
// sticky, and an OVERDUE bill stays OVERDUE until it is fully paid.
func DeriveStatus(current Status, paid, balance decimal.Decimal) Status {
	switch {
	case current == StatusCancelled:
		return StatusCancelled
	case !balance.IsPositive():
		return StatusPaid
	case current == StatusOverdue:
		return StatusOverdue
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusPending
	}
}

// Recompute derives subtotal, total, balance and status from the charges,
// tax, discount and paid amount.
func (b *Bill) Recompute() {
	b.Subtotal = b.Charges.Sum()
	b.TotalAmount = b.Subtotal.Add(b.Tax).Sub(b.Discount)
	b.Balance = b.TotalAmount.Sub(b.PaidAmount)
	b.PaymentStatus = DeriveStatus(b.PaymentStatus, b.PaidAmount, b.Balance)
}

// SetCharges replaces the charges, tax and discount and recomputes the
// totals against the current paid amount.
func (b *Bill) SetCharges(c Charges, tax, discount decimal.Decimal) error {
	if err := c.validate(); err != nil {
		return err
	}
	if tax.IsNegative() {
		return fmt.Errorf("tax must not be negative")
	}
	if discount.IsNegative() {
		return fmt.Errorf("discount must not be negative")
	}
	if discount.GreaterThan(c.Sum().Add(tax)) {
		return fmt.Errorf("discount exceeds subtotal plus tax")
	}
	b.Charges = c
	b.Tax = tax
	b.Discount = discount
	b.Recompute()
	return nil
}

// ApplyPayment credits amount to the bill. Overpayment is accepted and
// leaves a negative balance.
func (b *Bill) ApplyPayment(amount decimal.Decimal, method Method) error {
	if !amount.IsPositive() {
		return fmt.Errorf("payment amount must be positive")
	}
	if !method.Valid() {
		return fmt.Errorf("invalid payment method: %s", method)
	}
	b.PaidAmount = b.PaidAmount.Add(amount)
	b.PaymentMethod = &method
	b.Recompute()
	return nil
}

// Outstanding reports whether the bill can still take a payment.
func (b *Bill) Outstanding() bool {
	return b.PaymentStatus != StatusCancelled && b.Balance.IsPositive()
}

// Transaction is one attempt to pay against a bill.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	TransactionNumber string          `json:"transaction_number"`
	PatientID         uuid.UUID       `json:"patient_id"`
	BillID            uuid.UUID       `json:"bill_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Gateway           Gateway         `json:"gateway"`
	Status            TxnStatus       `json:"status"`
	GatewayOrderID    *string         `json:"gateway_order_id,omitempty"`
	GatewayPaymentID  *string         `json:"gateway_payment_id,omitempty"`
	GatewaySignature  *string         `json:"-"`
	Description       *string         `json:"description,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Outcome is the terminal result applied to a pending transaction.
type Outcome struct {
	Status           TxnStatus
	GatewayPaymentID string
	GatewaySignature string
	FailureReason    string
	// Amount, when positive, replaces the requested amount with the settled one.
	Amount decimal.Decimal
}

func (o Outcome) apply(t *Transaction, now time.Time) {
	t.Status = o.Status
	if o.GatewayPaymentID != "" {
		t.GatewayPaymentID = &o.GatewayPaymentID
	}
	if o.GatewaySignature != "" {
		t.GatewaySignature = &o.GatewaySignature
	}
	if o.FailureReason != "" {
		t.FailureReason = &o.FailureReason
	}
	if o.Amount.IsPositive() {
		t.Amount = o.Amount
	}
	if o.Status == TxnSuccess {
		t.CompletedAt = &now
		t.FailureReason = nil
	}
	t.UpdatedAt = now
}

// NormalizeCurrency upper-cases c and falls back to def.
func NormalizeCurrency(c, def string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return strings.ToUpper(def)
	}
	return c
}

func randomDigits(n int) string {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		v = big.NewInt(time.Now().UnixNano() % limit.Int64())
	}
	return fmt.Sprintf("%0*d", n, v.Int64())
}

// NewBillNumber returns a display id such as BILL04217. Uniqueness is
// enforced by the store, which retries on collision.
func NewBillNumber() string { return "BILL" + randomDigits(5) }

// NewTransactionNumber returns a display id such as TXN381920.
func NewTransactionNumber() string { return "TXN" + randomDigits(6) }
