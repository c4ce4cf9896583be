package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListFilter narrows a bill listing. Zero fields do not filter.
type ListFilter struct {
	PatientID *uuid.UUID
	// DoctorID matches bills the doctor is on and bills of patients whose
	// primary doctor they are.
	DoctorID *uuid.UUID
	Status   Status
}

// RevenueSummary aggregates bills created in an optional window.
type RevenueSummary struct {
	TotalBills   int             `json:"total_bills"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	TotalPaid    decimal.Decimal `json:"total_paid"`
	TotalPending decimal.Decimal `json:"total_pending"`
	StatusCounts map[Status]int  `json:"status_distribution"`
	From         *time.Time      `json:"from,omitempty"`
	To           *time.Time      `json:"to,omitempty"`
}

type BillRepository interface {
	// Create assigns the id and a unique bill number.
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	// GetForUpdate locks the bill row until the surrounding tx ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error)
	Update(ctx context.Context, b *Bill) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error)
	// MarkOverdue moves pending and partial bills due before asOf to overdue
	// and returns them.
	MarkOverdue(ctx context.Context, asOf time.Time) ([]*Bill, error)
	Revenue(ctx context.Context, from, to *time.Time) (*RevenueSummary, error)
}

type TransactionRepository interface {
	// Create assigns the id and a unique transaction number.
	Create(ctx context.Context, t *Transaction) error
	// CreateIfAbsent inserts t unless a transaction for the same gateway
	// order exists, and reports whether it inserted.
	CreateIfAbsent(ctx context.Context, t *Transaction) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// LockByOrderID locks the transaction of a gateway order.
	LockByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Transaction, error)
	CountSuccessful(ctx context.Context, billID uuid.UUID) (int, error)
	// DeleteUnsettled removes the bill's pending and failed transactions.
	DeleteUnsettled(ctx context.Context, billID uuid.UUID) error
}
