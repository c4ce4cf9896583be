package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/platform/apperr"
)

// MemoryBills is an in-process BillRepository for tests and local tooling.
// Stored bills are copied in and out so callers must Update to persist.
type MemoryBills struct {
	mu    sync.Mutex
	dir   identity.Directory
	items map[uuid.UUID]*Bill
}

// NewMemoryBills returns an empty store. dir resolves primary doctors for
// doctor-scoped listings and may be nil.
func NewMemoryBills(dir identity.Directory) *MemoryBills {
	return &MemoryBills{dir: dir, items: make(map[uuid.UUID]*Bill)}
}

func (m *MemoryBills) Create(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = uuid.New()
	for {
		b.BillNumber = NewBillNumber()
		if !m.numberTaken(b.BillNumber) {
			break
		}
	}
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	m.items[b.ID] = &cp
	return nil
}

func (m *MemoryBills) numberTaken(n string) bool {
	for _, b := range m.items {
		if b.BillNumber == n {
			return true
		}
	}
	return false
}

func (m *MemoryBills) GetByID(_ context.Context, id uuid.UUID) (*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("bill not found")
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryBills) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryBills) Update(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[b.ID]; !ok {
		return apperr.NotFound("bill not found")
	}
	b.UpdatedAt = time.Now()
	cp := *b
	m.items[b.ID] = &cp
	return nil
}

func (m *MemoryBills) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return apperr.NotFound("bill not found")
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryBills) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error) {
	m.mu.Lock()
	var matched []*Bill
	for _, b := range m.items {
		if f.PatientID != nil && b.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && b.PaymentStatus != f.Status {
			continue
		}
		cp := *b
		matched = append(matched, &cp)
	}
	m.mu.Unlock()

	if f.DoctorID != nil {
		kept := matched[:0]
		for _, b := range matched {
			if m.attendedBy(ctx, b, *f.DoctorID) {
				kept = append(kept, b)
			}
		}
		matched = kept
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryBills) attendedBy(ctx context.Context, b *Bill, doctorID uuid.UUID) bool {
	if b.DoctorID != nil && *b.DoctorID == doctorID {
		return true
	}
	if m.dir == nil {
		return false
	}
	p, err := m.dir.GetPatient(ctx, b.PatientID)
	return err == nil && p.PrimaryDoctorID != nil && *p.PrimaryDoctorID == doctorID
}

func (m *MemoryBills) MarkOverdue(_ context.Context, asOf time.Time) ([]*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := asOf.Truncate(24 * time.Hour)
	var out []*Bill
	for _, b := range m.items {
		if b.PaymentStatus != StatusPending && b.PaymentStatus != StatusPartial {
			continue
		}
		if b.DueDate == nil || !b.DueDate.Before(day) || !b.Balance.IsPositive() {
			continue
		}
		b.PaymentStatus = StatusOverdue
		b.UpdatedAt = asOf
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryBills) Revenue(_ context.Context, from, to *time.Time) (*RevenueSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := &RevenueSummary{StatusCounts: make(map[Status]int), From: from, To: to}
	for _, b := range m.items {
		if from != nil && b.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && !b.CreatedAt.Before(*to) {
			continue
		}
		sum.add(b.PaymentStatus, 1, b.TotalAmount, b.PaidAmount, b.Balance)
	}
	return sum, nil
}

// Put stores b as-is, for seeding fixtures.
func (m *MemoryBills) Put(b *Bill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.items[b.ID] = &cp
}

// MemoryTransactions is an in-process TransactionRepository.
type MemoryTransactions struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Transaction
	// Err, when set, is returned by Create and CreateIfAbsent.
	Err error
}

func NewMemoryTransactions() *MemoryTransactions {
	return &MemoryTransactions{items: make(map[uuid.UUID]*Transaction)}
}

func (m *MemoryTransactions) insert(t *Transaction) {
	t.ID = uuid.New()
	t.TransactionNumber = NewTransactionNumber()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.items[t.ID] = &cp
}

func (m *MemoryTransactions) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if t.GatewayOrderID != nil && m.byOrder(*t.GatewayOrderID) != nil {
		return apperr.Conflict("transaction for order already exists")
	}
	m.insert(t)
	return nil
}

func (m *MemoryTransactions) CreateIfAbsent(_ context.Context, t *Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if t.GatewayOrderID != nil && m.byOrder(*t.GatewayOrderID) != nil {
		return false, nil
	}
	m.insert(t)
	return true, nil
}

func (m *MemoryTransactions) byOrder(orderID string) *Transaction {
	for _, t := range m.items {
		if t.GatewayOrderID != nil && *t.GatewayOrderID == orderID {
			return t
		}
	}
	return nil
}

func (m *MemoryTransactions) GetByID(_ context.Context, id uuid.UUID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("transaction not found")
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryTransactions) LockByOrderID(_ context.Context, orderID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byOrder(orderID)
	if t == nil {
		return nil, apperr.NotFound("transaction not found")
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryTransactions) Update(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[t.ID]; !ok {
		return apperr.NotFound("transaction not found")
	}
	t.UpdatedAt = time.Now()
	cp := *t
	m.items[t.ID] = &cp
	return nil
}

func (m *MemoryTransactions) ListByBill(_ context.Context, billID uuid.UUID) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.items {
		if t.BillID == billID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryTransactions) CountSuccessful(_ context.Context, billID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.items {
		if t.BillID == billID && t.Status == TxnSuccess {
			n++
		}
	}
	return n, nil
}

func (m *MemoryTransactions) DeleteUnsettled(_ context.Context, billID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.items {
		if t.BillID == billID && (t.Status == TxnPending || t.Status == TxnFailed) {
			delete(m.items, id)
		}
	}
	return nil
}

// SuccessfulTotal sums the bill's successful transactions.
func (m *MemoryTransactions) SuccessfulTotal(billID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, t := range m.items {
		if t.BillID == billID && t.Status == TxnSuccess {
			total = total.Add(t.Amount)
		}
	}
	return total
}
