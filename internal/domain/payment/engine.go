// Package payment reconciles gateway orders and callbacks with the billing
// ledger. A pending transaction created with the order is the idempotency
// anchor: a callback settles it at most once.
package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/notification"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/razorpay"
)

// Settlement results.
const (
	ResultSettled        = "success"
	ResultAlreadySettled = "already_settled"
	ResultFailed         = "failed"
	ResultIgnored        = "ignored"
)

type Config struct {
	// StrictOrderMatch rejects callbacks for orders without a local
	// transaction instead of recording one.
	StrictOrderMatch bool
}

type Engine struct {
	ledger  *billing.Service
	gateway razorpay.Gateway
	cfg     Config
	logger  zerolog.Logger
}

func NewEngine(ledger *billing.Service, gateway razorpay.Gateway, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		ledger:  ledger,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With().Str("component", "payment").Logger(),
	}
}

type CreateOrderRequest struct {
	AmountMinor int64     `json:"amount_minor_units" validate:"gte=0"`
	Currency    string    `json:"currency" validate:"omitempty,currency"`
	BillID      uuid.UUID `json:"bill_id"`
}

type OrderResponse struct {
	GatewayOrderID string    `json:"gateway_order_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	BillID         uuid.UUID `json:"bill_id"`
	TransactionID  uuid.UUID `json:"transaction_id"`
	KeyID          string    `json:"key_id"`
}

type VerifyRequest struct {
	OrderID       string          `json:"gateway_order_id" validate:"required"`
	PaymentID     string          `json:"gateway_payment_id" validate:"required"`
	Signature     string          `json:"gateway_signature" validate:"required"`
	BillID        uuid.UUID       `json:"bill_id" validate:"required"`
	ClaimedAmount decimal.Decimal `json:"amount"`
}

// Result is the authoritative outcome of a settlement attempt.
type Result struct {
	Status        string          `json:"status"`
	BillID        uuid.UUID       `json:"bill_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Balance       decimal.Decimal `json:"balance"`
	PaymentStatus billing.Status  `json:"payment_status"`
}

func resultFor(status string, b *billing.Bill, txnID uuid.UUID) *Result {
	return &Result{
		Status:        status,
		BillID:        b.ID,
		TransactionID: txnID,
		PaidAmount:    b.PaidAmount,
		Balance:       b.Balance,
		PaymentStatus: b.PaymentStatus,
	}
}

func (e *Engine) requireGateway() error {
	if !e.gateway.Configured() {
		return apperr.GatewayUnavailable("payment service is not configured")
	}
	return nil
}

// KeyID returns the publishable gateway key.
func (e *Engine) KeyID() (string, error) {
	if err := e.requireGateway(); err != nil {
		return "", err
	}
	return e.gateway.KeyID(), nil
}

func (e *Engine) payableBill(ctx context.Context, actor auth.Actor, billID uuid.UUID) (*billing.Bill, error) {
	b, err := e.ledger.LoadBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	ok, err := e.ledger.Access().CanPay(ctx, actor, b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("you can only pay your own bills")
	}
	return b, nil
}

// CreateOrder opens a gateway order for the bill and records the pending
// transaction that later callbacks settle. A zero amount requests the
// outstanding balance.
func (e *Engine) CreateOrder(ctx context.Context, actor auth.Actor, billID uuid.UUID, req CreateOrderRequest) (*OrderResponse, error) {
	if err := e.requireGateway(); err != nil {
		return nil, err
	}
	b, err := e.payableBill(ctx, actor, billID)
	if err != nil {
		return nil, err
	}
	if b.PaymentStatus == billing.StatusCancelled {
		return nil, apperr.Conflict("bill is cancelled")
	}
	if !b.Balance.IsPositive() {
		return nil, apperr.Conflict("bill has no outstanding balance")
	}

	currency := billing.NormalizeCurrency(req.Currency, b.Currency)
	amountMinor := req.AmountMinor
	if amountMinor <= 0 {
		amountMinor = razorpay.ToMinor(b.Balance, currency)
	}

	order, err := e.gateway.CreateOrder(ctx, amountMinor, currency, b.BillNumber, map[string]string{
		"bill_id":    b.ID.String(),
		"patient_id": b.PatientID.String(),
	})
	if err != nil {
		return nil, err
	}

	desc := "Payment for bill " + b.BillNumber
	txn := &billing.Transaction{
		PatientID:      b.PatientID,
		BillID:         b.ID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		Gateway:        billing.GatewayRazorpay,
		Status:         billing.TxnPending,
		GatewayOrderID: &order.ID,
		Description:    &desc,
	}
	err = e.ledger.Transactor().InTx(ctx, func(ctx context.Context) error {
		return e.ledger.CreateTransaction(ctx, txn)
	})
	if err != nil {
		// Gateway orders cannot be cancelled; the order is left unused.
		e.logger.Error().Err(err).Str("gateway_order_id", order.ID).Str("bill_id", b.ID.String()).
			Msg("gateway order created without a local transaction")
		return nil, err
	}

	e.logger.Info().Str("bill_id", b.ID.String()).Str("gateway_order_id", order.ID).
		Int64("amount_minor", order.AmountMinor).Str("currency", order.Currency).Msg("payment order created")
	return &OrderResponse{
		GatewayOrderID: order.ID,
		Amount:         order.AmountMinor,
		Currency:       order.Currency,
		BillID:         b.ID,
		TransactionID:  txn.ID,
		KeyID:          e.gateway.KeyID(),
	}, nil
}

// VerifyAndSettle checks a checkout callback and credits the bill once.
// A callback for an already settled order returns the current bill
// unchanged.
func (e *Engine) VerifyAndSettle(ctx context.Context, actor auth.Actor, req VerifyRequest) (*Result, error) {
	if err := e.requireGateway(); err != nil {
		return nil, err
	}
	b, err := e.payableBill(ctx, actor, req.BillID)
	if err != nil {
		return nil, err
	}

	if err := e.gateway.VerifySignature(req.OrderID, req.PaymentID, req.Signature); err != nil {
		if apperr.Is(err, apperr.KindInvalidSignature) {
			e.securityEvent("payment signature mismatch", req.OrderID, req.PaymentID, b.ID, actor.UserID)
		}
		return nil, err
	}

	amount := decimal.Zero
	p, err := e.gateway.FetchPayment(ctx, req.PaymentID)
	switch {
	case err != nil:
		// Nothing is committed; the transaction stays PENDING for the
		// webhook or a retried callback.
		e.logger.Warn().Err(err).Str("gateway_order_id", req.OrderID).Str("gateway_payment_id", req.PaymentID).
			Msg("could not fetch payment; settlement deferred")
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Wrap(err, apperr.KindGatewayError, "failed to fetch payment details")
		}
		return nil, err
	case p.OrderID != "" && p.OrderID != req.OrderID:
		e.securityEvent("payment belongs to a different order", req.OrderID, req.PaymentID, b.ID, actor.UserID)
		return nil, apperr.InvalidSignature("payment does not match order")
	case p.Status == razorpay.PaymentFailed:
		return e.markFailed(ctx, b.ID, req.OrderID, req.PaymentID, "payment failed at gateway")
	default:
		amount = p.Amount
	}
	if !amount.IsPositive() {
		amount = req.ClaimedAmount
	}

	return e.settle(ctx, b.ID, req.OrderID, req.PaymentID, req.Signature, amount)
}

// settle locks the bill and the order's transaction and credits the bill
// unless the transaction already succeeded. A non-positive amount settles
// the outstanding balance.
func (e *Engine) settle(ctx context.Context, billID uuid.UUID, orderID, paymentID, signature string, amount decimal.Decimal) (*Result, error) {
	var res *Result
	err := e.ledger.Transactor().InTx(ctx, func(ctx context.Context) error {
		b, err := e.ledger.LockBill(ctx, billID)
		if err != nil {
			return err
		}
		txn, err := e.transactionFor(ctx, b, orderID, amount)
		if err != nil {
			return err
		}
		if txn.BillID != b.ID {
			e.securityEvent("order belongs to a different bill", orderID, paymentID, b.ID, uuid.Nil)
			return apperr.InvalidSignature("order does not belong to this bill")
		}
		if txn.Status == billing.TxnSuccess {
			res = resultFor(ResultAlreadySettled, b, txn.ID)
			return nil
		}
		if b.PaymentStatus == billing.StatusCancelled {
			return apperr.Conflict("bill is cancelled")
		}

		if !amount.IsPositive() {
			amount = b.Balance
		}
		if !amount.IsPositive() {
			return apperr.Conflict("bill has no outstanding balance")
		}

		if err := e.ledger.MarkTransactionTerminal(ctx, txn, billing.Outcome{
			Status:           billing.TxnSuccess,
			GatewayPaymentID: paymentID,
			GatewaySignature: signature,
			Amount:           amount,
		}); err != nil {
			return err
		}
		updated, err := e.ledger.RecordPayment(ctx, b.ID, amount, billing.MethodOnline)
		if err != nil {
			return err
		}
		if err := e.ledger.Emit(ctx, notification.EventPaymentSettled, updated, amount, &txn.ID); err != nil {
			return err
		}
		res = resultFor(ResultSettled, updated, txn.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Status == ResultSettled {
		e.logger.Info().Str("bill_id", billID.String()).Str("gateway_order_id", orderID).
			Str("gateway_payment_id", paymentID).Str("amount", amount.StringFixed(2)).
			Str("payment_status", string(res.PaymentStatus)).Msg("payment settled")
	} else {
		e.logger.Info().Str("bill_id", billID.String()).Str("gateway_order_id", orderID).
			Msg("duplicate payment callback ignored")
	}
	return res, nil
}

// transactionFor returns the locked transaction of orderID, recording one
// for a gateway order seen without a local record unless strict matching
// is on.
func (e *Engine) transactionFor(ctx context.Context, b *billing.Bill, orderID string, amount decimal.Decimal) (*billing.Transaction, error) {
	txn, err := e.ledger.LockTransactionByOrder(ctx, orderID)
	if err == nil || !apperr.Is(err, apperr.KindNotFound) {
		return txn, err
	}
	if e.cfg.StrictOrderMatch {
		return nil, apperr.NotFound("no payment transaction for order " + orderID)
	}

	e.logger.Warn().Str("event", "payment_anomaly").Str("gateway_order_id", orderID).Str("bill_id", b.ID.String()).
		Msg("gateway order has no local transaction; recording one")
	if !amount.IsPositive() {
		amount = b.Balance
	}
	desc := "Recorded from gateway callback for bill " + b.BillNumber
	if _, err := e.ledger.EnsureTransaction(ctx, &billing.Transaction{
		PatientID:      b.PatientID,
		BillID:         b.ID,
		Amount:         amount,
		Currency:       b.Currency,
		Gateway:        billing.GatewayRazorpay,
		Status:         billing.TxnPending,
		GatewayOrderID: &orderID,
		Description:    &desc,
	}); err != nil {
		return nil, fmt.Errorf("record missing transaction: %w", err)
	}
	return e.ledger.LockTransactionByOrder(ctx, orderID)
}

// markFailed moves the order's pending transaction to FAILED and queues the
// patient's "payment failed" notification. The ledger is not touched. A
// non-nil billID must match the transaction's bill.
func (e *Engine) markFailed(ctx context.Context, billID uuid.UUID, orderID, paymentID, reason string) (*Result, error) {
	var res *Result
	err := e.ledger.Transactor().InTx(ctx, func(ctx context.Context) error {
		txn, err := e.ledger.LockTransactionByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if billID != uuid.Nil && txn.BillID != billID {
			return apperr.InvalidSignature("order does not belong to this bill")
		}
		b, err := e.ledger.LoadBill(ctx, txn.BillID)
		if err != nil {
			return err
		}
		if !txn.Status.Accepts(billing.TxnFailed) {
			res = resultFor(ResultIgnored, b, txn.ID)
			return nil
		}
		if err := e.ledger.MarkTransactionTerminal(ctx, txn, billing.Outcome{
			Status:           billing.TxnFailed,
			GatewayPaymentID: paymentID,
			FailureReason:    reason,
		}); err != nil {
			return err
		}
		if err := e.ledger.Emit(ctx, notification.EventPaymentFailed, b, txn.Amount, &txn.ID); err != nil {
			return err
		}
		res = resultFor(ResultFailed, b, txn.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Status == ResultFailed {
		e.logger.Info().Str("gateway_order_id", orderID).Str("gateway_payment_id", paymentID).
			Str("reason", reason).Msg("payment marked failed")
	}
	return res, nil
}

// HandleWebhook processes a signed server-to-server gateway event. Captured
// payments settle through the same path as checkout callbacks; failed
// payments mark the pending transaction FAILED. Other events are
// acknowledged and ignored.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte, signature string) (*Result, error) {
	if err := e.gateway.VerifyWebhook(body, signature); err != nil {
		if apperr.Is(err, apperr.KindInvalidSignature) {
			e.logger.Warn().Str("event", "security").Msg("webhook signature mismatch")
		}
		return nil, err
	}
	ev, err := razorpay.ParseWebhook(body)
	if err != nil {
		return nil, err
	}
	if ev.Payment == nil || ev.Payment.OrderID == "" {
		e.logger.Debug().Str("webhook_event", ev.Event).Msg("webhook without payment order ignored")
		return &Result{Status: ResultIgnored}, nil
	}
	p := ev.Payment

	switch ev.Event {
	case razorpay.EventPaymentCaptured:
		txn, err := e.ledger.LockTransactionByOrder(ctx, p.OrderID)
		if apperr.Is(err, apperr.KindNotFound) {
			// Without a local transaction the bill is unknown.
			e.logger.Warn().Str("event", "payment_anomaly").Str("gateway_order_id", p.OrderID).
				Msg("captured webhook for unknown order ignored")
			return &Result{Status: ResultIgnored}, nil
		}
		if err != nil {
			return nil, err
		}
		return e.settle(ctx, txn.BillID, p.OrderID, p.ID, "", p.Amount)
	case razorpay.EventPaymentFailed:
		res, err := e.markFailed(ctx, uuid.Nil, p.OrderID, p.ID, "payment failed at gateway")
		if apperr.Is(err, apperr.KindNotFound) {
			return &Result{Status: ResultIgnored}, nil
		}
		return res, err
	default:
		e.logger.Debug().Str("webhook_event", ev.Event).Msg("webhook event ignored")
		return &Result{Status: ResultIgnored}, nil
	}
}

// FetchPayment returns the gateway's record of a payment.
func (e *Engine) FetchPayment(ctx context.Context, actor auth.Actor, paymentID string) (*razorpay.Payment, error) {
	if !actor.IsAdmin() && !actor.IsStaff() {
		return nil, apperr.Forbidden("only staff and admins can inspect gateway payments")
	}
	if paymentID == "" {
		return nil, apperr.Validation("payment id is required")
	}
	return e.gateway.FetchPayment(ctx, paymentID)
}

func (e *Engine) securityEvent(msg, orderID, paymentID string, billID, userID uuid.UUID) {
	ev := e.logger.Warn().Str("event", "security").Str("gateway_order_id", orderID).
		Str("gateway_payment_id", paymentID).Str("bill_id", billID.String())
	if userID != uuid.Nil {
		ev = ev.Str("user_id", userID.String())
	}
	ev.Msg(msg)
}
