package billing

import (
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		paid    string
		balance string
		want    Status
	}{
		{"unpaid", StatusPending, "0", "550", StatusPending},
		{"partly paid", StatusPending, "200", "350", StatusPartial},
		{"fully paid", StatusPartial, "550", "0", StatusPaid},
		{"overpaid", StatusPartial, "600", "-50", StatusPaid},
		{"overdue stays overdue", StatusOverdue, "100", "450", StatusOverdue},
		{"overdue settles", StatusOverdue, "550", "0", StatusPaid},
		{"cancelled is sticky", StatusCancelled, "0", "0", StatusCancelled},
		{"zero total bill", StatusPending, "0", "0", StatusPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(tt.current, dec(tt.paid), dec(tt.balance))
			if got != tt.want {
				t.Errorf("DeriveStatus(%s, %s, %s) = %s, want %s", tt.current, tt.paid, tt.balance, got, tt.want)
			}
		})
	}
}

func assertArithmetic(t *testing.T, b *Bill) {
	t.Helper()
	if !b.Subtotal.Equal(b.Charges.Sum()) {
		t.Errorf("subtotal %s != sum of charges %s", b.Subtotal, b.Charges.Sum())
	}
	if !b.TotalAmount.Equal(b.Subtotal.Add(b.Tax).Sub(b.Discount)) {
		t.Errorf("total %s != subtotal + tax - discount", b.TotalAmount)
	}
	if !b.Balance.Equal(b.TotalAmount.Sub(b.PaidAmount)) {
		t.Errorf("balance %s != total - paid", b.Balance)
	}
}

func TestBill_SetCharges(t *testing.T) {
	b := &Bill{PaymentStatus: StatusPending}
	c := Charges{
		ConsultationFee:   dec("500"),
		MedicationCharges: dec("120.50"),
		LabCharges:        dec("300"),
		OtherCharges:      dec("79.50"),
	}
	if err := b.SetCharges(c, dec("50"), dec("100")); err != nil {
		t.Fatalf("SetCharges() error: %v", err)
	}
	assertArithmetic(t, b)
	if !b.Subtotal.Equal(dec("1000")) || !b.TotalAmount.Equal(dec("950")) {
		t.Errorf("unexpected totals: subtotal=%s total=%s", b.Subtotal, b.TotalAmount)
	}
	if b.PaymentStatus != StatusPending {
		t.Errorf("expected pending, got %s", b.PaymentStatus)
	}
}

func TestBill_SetCharges_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		c        Charges
		tax      string
		discount string
	}{
		{"negative fee", Charges{ConsultationFee: dec("-1")}, "0", "0"},
		{"negative lab", Charges{LabCharges: dec("-0.01")}, "0", "0"},
		{"negative tax", Charges{ConsultationFee: dec("10")}, "-1", "0"},
		{"negative discount", Charges{ConsultationFee: dec("10")}, "0", "-1"},
		{"discount above total", Charges{ConsultationFee: dec("10")}, "1", "11.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bill{}
			if err := b.SetCharges(tt.c, dec(tt.tax), dec(tt.discount)); err == nil {
				t.Error("expected error")
			}
			if !b.TotalAmount.IsZero() {
				t.Error("rejected charges must leave the bill untouched")
			}
		})
	}
}

func TestBill_ChargesReducedBelowPaid(t *testing.T) {
	b := &Bill{PaymentStatus: StatusPending}
	b.SetCharges(Charges{ConsultationFee: dec("500")}, dec("0"), dec("0"))
	b.ApplyPayment(dec("300"), MethodCash)

	if err := b.SetCharges(Charges{ConsultationFee: dec("200")}, dec("0"), dec("0")); err != nil {
		t.Fatalf("SetCharges() error: %v", err)
	}
	assertArithmetic(t, b)
	if b.PaymentStatus != StatusPaid || !b.Balance.Equal(dec("-100")) {
		t.Errorf("expected paid with -100 balance, got %s %s", b.PaymentStatus, b.Balance)
	}
}

func TestBill_ApplyPayment(t *testing.T) {
	b := &Bill{PaymentStatus: StatusPending}
	b.SetCharges(Charges{ConsultationFee: dec("500")}, dec("50"), decimal.Zero)

	if err := b.ApplyPayment(dec("200"), MethodCash); err != nil {
		t.Fatalf("ApplyPayment() error: %v", err)
	}
	assertArithmetic(t, b)
	if b.PaymentStatus != StatusPartial || !b.Balance.Equal(dec("350")) {
		t.Errorf("after 200: status=%s balance=%s", b.PaymentStatus, b.Balance)
	}
	if b.PaymentMethod == nil || *b.PaymentMethod != MethodCash {
		t.Errorf("expected method cash, got %v", b.PaymentMethod)
	}

	if err := b.ApplyPayment(dec("350"), MethodOnline); err != nil {
		t.Fatalf("ApplyPayment() error: %v", err)
	}
	if b.PaymentStatus != StatusPaid || !b.Balance.IsZero() {
		t.Errorf("after 550: status=%s balance=%s", b.PaymentStatus, b.Balance)
	}
	if b.Outstanding() {
		t.Error("a paid bill is not outstanding")
	}
}

func TestBill_ApplyPayment_Rejects(t *testing.T) {
	b := &Bill{PaymentStatus: StatusPending}
	b.SetCharges(Charges{ConsultationFee: dec("100")}, decimal.Zero, decimal.Zero)

	if err := b.ApplyPayment(decimal.Zero, MethodCash); err == nil {
		t.Error("expected error for zero amount")
	}
	if err := b.ApplyPayment(dec("-5"), MethodCash); err == nil {
		t.Error("expected error for negative amount")
	}
	if err := b.ApplyPayment(dec("5"), Method("barter")); err == nil {
		t.Error("expected error for unknown method")
	}
	if !b.PaidAmount.IsZero() {
		t.Errorf("rejected payments must not credit, paid=%s", b.PaidAmount)
	}
}

func TestOutcome_Apply(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	txn := &Transaction{Status: TxnPending, Amount: dec("100")}

	Outcome{Status: TxnSuccess, GatewayPaymentID: "pay_1", GatewaySignature: "sig", Amount: dec("99.50")}.apply(txn, now)
	if txn.Status != TxnSuccess || *txn.GatewayPaymentID != "pay_1" || *txn.GatewaySignature != "sig" {
		t.Errorf("unexpected transaction: %+v", txn)
	}
	if !txn.Amount.Equal(dec("99.50")) {
		t.Errorf("expected settled amount, got %s", txn.Amount)
	}
	if txn.CompletedAt == nil || !txn.CompletedAt.Equal(now) {
		t.Errorf("expected completed_at %s, got %v", now, txn.CompletedAt)
	}

	failed := &Transaction{Status: TxnPending, Amount: dec("100")}
	Outcome{Status: TxnFailed, FailureReason: "card declined"}.apply(failed, now)
	if failed.CompletedAt != nil {
		t.Error("a failed transaction has no completed_at")
	}
	if !failed.Amount.Equal(dec("100")) || *failed.FailureReason != "card declined" {
		t.Errorf("unexpected failed transaction: %+v", failed)
	}
}

func TestTxnStatus_Terminal(t *testing.T) {
	if TxnPending.Terminal() {
		t.Error("pending is not terminal")
	}
	for _, s := range []TxnStatus{TxnSuccess, TxnFailed, TxnRefunded} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestTxnStatus_Accepts(t *testing.T) {
	tests := []struct {
		from, to TxnStatus
		want     bool
	}{
		{TxnPending, TxnSuccess, true},
		{TxnPending, TxnFailed, true},
		{TxnFailed, TxnSuccess, true},
		{TxnFailed, TxnFailed, false},
		{TxnSuccess, TxnSuccess, false},
		{TxnSuccess, TxnFailed, false},
		{TxnRefunded, TxnSuccess, false},
	}
	for _, tt := range tests {
		if got := tt.from.Accepts(tt.to); got != tt.want {
			t.Errorf("%s.Accepts(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestGatewayForMethod(t *testing.T) {
	if GatewayForMethod(MethodCard) != GatewayCard {
		t.Error("card payments go through the card gateway")
	}
	for _, m := range []Method{MethodCash, MethodCheque, MethodInsurance} {
		if GatewayForMethod(m) != GatewayCash {
			t.Errorf("%s should be recorded as cash", m)
		}
	}
}

func TestNormalizeCurrency(t *testing.T) {
	if got := NormalizeCurrency(" usd ", "INR"); got != "USD" {
		t.Errorf("expected USD, got %s", got)
	}
	if got := NormalizeCurrency("", "inr"); got != "INR" {
		t.Errorf("expected INR fallback, got %s", got)
	}
}

func TestDisplayNumbers(t *testing.T) {
	billRe := regexp.MustCompile(`^BILL\d{5}$`)
	txnRe := regexp.MustCompile(`^TXN\d{6}$`)
	for i := 0; i < 50; i++ {
		if n := NewBillNumber(); !billRe.MatchString(n) {
			t.Fatalf("bad bill number %q", n)
		}
		if n := NewTransactionNumber(); !txnRe.MatchString(n) {
			t.Fatalf("bad transaction number %q", n)
		}
	}
}

func TestRevenueSummary_Add(t *testing.T) {
	s := &RevenueSummary{StatusCounts: make(map[Status]int)}
	s.add(StatusPaid, 2, dec("1000"), dec("1000"), dec("0"))
	s.add(StatusPartial, 1, dec("500"), dec("200"), dec("300"))
	s.add(StatusCancelled, 3, dec("900"), dec("0"), dec("900"))

	if s.TotalBills != 6 || s.StatusCounts[StatusCancelled] != 3 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if !s.TotalRevenue.Equal(dec("1500")) || !s.TotalPaid.Equal(dec("1200")) || !s.TotalPending.Equal(dec("300")) {
		t.Errorf("cancelled bills must not count as revenue: %+v", s)
	}
}
