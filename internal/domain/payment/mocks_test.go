package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/razorpay"
)

const (
	testSecret        = "test_secret"
	testWebhookSecret = "whsec"
)

type txKey struct{}

// fakeTx serialises top-level transactions and lets nested calls join, like
// db.TxRunner with row locks.
type fakeTx struct{ mu sync.Mutex }

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, true))
}

type sinkEvent struct {
	Type    string
	Payload interface{}
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) Enqueue(_ context.Context, eventType string, payload interface{}) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Type: eventType, Payload: payload})
	return uuid.New(), nil
}

func (s *recordingSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// fakeGateway signs with testSecret and serves payments from a map.
type fakeGateway struct {
	mu           sync.Mutex
	unconfigured bool
	orderErr     error
	fetchErr     error
	orders       []*razorpay.Order
	payments     map[string]*razorpay.Payment
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]*razorpay.Payment)}
}

func (g *fakeGateway) Configured() bool { return !g.unconfigured }
func (g *fakeGateway) KeyID() string    { return "rzp_test_key" }

func (g *fakeGateway) CreateOrder(_ context.Context, amountMinor int64, currency, receipt string, _ map[string]string) (*razorpay.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	o := &razorpay.Order{
		ID:          fmt.Sprintf("order_%d", len(g.orders)+1),
		AmountMinor: amountMinor,
		Amount:      razorpay.ToMajor(amountMinor, currency),
		Currency:    currency,
		Receipt:     receipt,
		Status:      "created",
	}
	g.orders = append(g.orders, o)
	return o, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) error {
	if signature != razorpay.PaymentSignature(testSecret, orderID, paymentID) {
		return apperr.InvalidSignature("invalid payment signature")
	}
	return nil
}

func (g *fakeGateway) FetchPayment(_ context.Context, paymentID string) (*razorpay.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, apperr.Wrap(errors.New("404"), apperr.KindGatewayError, "failed to fetch payment details")
	}
	return p, nil
}

func (g *fakeGateway) VerifyWebhook(body []byte, signature string) error {
	if signature != razorpay.WebhookSignature(testWebhookSecret, body) {
		return apperr.InvalidSignature("invalid webhook signature")
	}
	return nil
}

// pay records a captured gateway payment for orderID.
func (g *fakeGateway) pay(orderID, paymentID string, amount decimal.Decimal, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[paymentID] = &razorpay.Payment{
		ID:          paymentID,
		OrderID:     orderID,
		AmountMinor: razorpay.ToMinor(amount, "INR"),
		Amount:      amount,
		Currency:    "INR",
		Status:      status,
	}
}

type fixture struct {
	engine  *Engine
	ledger  *billing.Service
	bills   *billing.MemoryBills
	txns    *billing.MemoryTransactions
	dir     *identity.MemoryDirectory
	gateway *fakeGateway
	sink    *recordingSink
	patient *identity.Patient
	other   *identity.Patient
	doctor  *identity.Doctor
	admin   auth.Actor
}

func newFixture(cfg Config) *fixture {
	dir := identity.NewMemoryDirectory()
	f := &fixture{
		bills:   billing.NewMemoryBills(dir),
		txns:    billing.NewMemoryTransactions(),
		dir:     dir,
		gateway: newFakeGateway(),
		sink:    &recordingSink{},
	}
	f.doctor = dir.AddDoctor("Asha", "Rao")
	f.patient = dir.AddPatient("Ravi", "Kumar", nil)
	f.other = dir.AddPatient("Meera", "Iyer", nil)
	f.admin = auth.Actor{UserID: dir.AddUser(auth.RoleAdmin, "Admin").ID, Roles: []string{auth.RoleAdmin}}
	f.ledger = billing.NewService(f.bills, f.txns, dir, &fakeTx{}, f.sink, zerolog.Nop())
	f.engine = NewEngine(f.ledger, f.gateway, cfg, zerolog.Nop())
	return f
}

func (f *fixture) patientActor(p *identity.Patient) auth.Actor {
	return auth.Actor{UserID: *p.UserID, Roles: []string{auth.RolePatient}}
}

// newBill creates a 500 + 50 tax bill for the fixture patient with the
// fixture doctor attached.
func (f *fixture) newBill() *billing.Bill {
	b, err := f.ledger.CreateBill(context.Background(), f.admin, billing.CreateBillRequest{
		PatientID: f.patient.ID,
		DoctorID:  &f.doctor.ID,
		Charges:   billing.Charges{ConsultationFee: dec("500")},
		Tax:       dec("50"),
	})
	if err != nil {
		panic(err)
	}
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sig(orderID, paymentID string) string {
	return razorpay.PaymentSignature(testSecret, orderID, paymentID)
}

func webhookBody(event, orderID, paymentID string, amountMinor int64, status string) []byte {
	return []byte(fmt.Sprintf(`{"event":%q,"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":%d,"currency":"INR","status":%q}}}}`,
		event, paymentID, orderID, amountMinor, status))
}
