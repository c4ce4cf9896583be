package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/domain/notification"
	"github.com/hms/hms/internal/platform/auth"
)

type txKey struct{}

// fakeTx serialises top-level transactions and lets nested calls join the
// outer one, like db.TxRunner.
type fakeTx struct{ mu sync.Mutex }

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, true))
}

type recordedEvent struct {
	Type  string
	Event notification.BillEvent
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (s *recordingSink) Enqueue(_ context.Context, eventType string, payload interface{}) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return uuid.Nil, s.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, err
	}
	var ev notification.BillEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return uuid.Nil, err
	}
	s.events = append(s.events, recordedEvent{Type: eventType, Event: ev})
	return uuid.New(), nil
}

func (s *recordingSink) ofType(t string) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type countingWaker struct {
	mu    sync.Mutex
	kicks int
}

func (w *countingWaker) Kick() {
	w.mu.Lock()
	w.kicks++
	w.mu.Unlock()
}

type fixture struct {
	svc     *Service
	bills   *MemoryBills
	txns    *MemoryTransactions
	dir     *identity.MemoryDirectory
	sink    *recordingSink
	waker   *countingWaker
	doctor  *identity.Doctor
	patient *identity.Patient
	other   *identity.Patient
	admin   auth.Actor
	staff   auth.Actor
}

func newFixture() *fixture {
	dir := identity.NewMemoryDirectory()
	doc := dir.AddDoctor("Asha", "Rao")
	f := &fixture{
		bills:   NewMemoryBills(dir),
		txns:    NewMemoryTransactions(),
		dir:     dir,
		sink:    &recordingSink{},
		waker:   &countingWaker{},
		doctor:  doc,
		patient: dir.AddPatient("Ravi", "Kumar", &doc.ID),
		other:   dir.AddPatient("Meera", "Iyer", nil),
	}
	f.admin = auth.Actor{UserID: dir.AddUser(auth.RoleAdmin, "Admin").ID, Roles: []string{auth.RoleAdmin}}
	f.staff = auth.Actor{UserID: dir.AddUser(auth.RoleStaff, "Front Desk").ID, Roles: []string{auth.RoleStaff}}
	f.svc = NewService(f.bills, f.txns, dir, &fakeTx{}, f.sink, zerolog.Nop())
	f.svc.SetWaker(f.waker)
	return f
}

func (f *fixture) patientActor(p *identity.Patient) auth.Actor {
	return auth.Actor{UserID: *p.UserID, Roles: []string{auth.RolePatient}}
}

func (f *fixture) doctorActor() auth.Actor {
	return auth.Actor{UserID: f.doctor.UserID, Roles: []string{auth.RoleDoctor}}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newBill creates a bill for the fixture patient with the given
// consultation fee and tax.
func (f *fixture) newBill(fee, tax string) *Bill {
	b, err := f.svc.CreateBill(context.Background(), f.admin, CreateBillRequest{
		PatientID: f.patient.ID,
		Charges:   Charges{ConsultationFee: dec(fee)},
		Tax:       dec(tax),
	})
	if err != nil {
		panic(err)
	}
	return b
}

var errStore = errors.New("store unavailable")
