package notification

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbox event types.
const (
	EventBillCreated    = "bill.created"
	EventBillOverdue    = "bill.overdue"
	EventBillCancelled  = "bill.cancelled"
	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"
)

// BillEvent is the payload of every billing and payment outbox event. It
// carries the resolved recipients so the relay needs no ledger access.
type BillEvent struct {
	BillID        uuid.UUID       `json:"bill_id"`
	BillNumber    string          `json:"bill_number"`
	PatientUserID *uuid.UUID      `json:"patient_user_id,omitempty"`
	PatientName   string          `json:"patient_name"`
	DoctorUserID  *uuid.UUID      `json:"doctor_user_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty"`
}
