// Package razorpay adapts the Razorpay SDK to the small gateway surface the
// payment engine needs. It is the only place amounts cross between major
// units and the gateway's integer minor units.
package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rzp "github.com/razorpay/razorpay-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/apperr"
)

// Order is a gateway order as returned on creation.
type Order struct {
	ID          string          `json:"id"`
	AmountMinor int64           `json:"amount"`
	Amount      decimal.Decimal `json:"-"`
	Currency    string          `json:"currency"`
	Receipt     string          `json:"receipt"`
	Status      string          `json:"status"`
}

// Payment is the gateway's view of a single payment.
type Payment struct {
	ID          string          `json:"payment_id"`
	OrderID     string          `json:"order_id"`
	AmountMinor int64           `json:"amount_minor_units"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Method      string          `json:"method,omitempty"`
	Email       string          `json:"email,omitempty"`
	Contact     string          `json:"contact,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Gateway payment statuses the engine acts on.
const (
	PaymentCreated    = "created"
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
)

// Gateway is the capability set the payment engine depends on.
type Gateway interface {
	Configured() bool
	KeyID() string
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Order, error)
	VerifySignature(orderID, paymentID, signature string) error
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	VerifyWebhook(body []byte, signature string) error
}

// orderAPI and paymentAPI are the slices of the SDK resources we call.
type orderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type paymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type Config struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// Client implements Gateway over razorpay-go.
type Client struct {
	cfg      Config
	orders   orderAPI
	payments paymentAPI
	logger   zerolog.Logger
}

// New builds a Client. Without a key pair the client is returned
// unconfigured and every gateway call fails with GatewayUnavailable.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger.With().Str("component", "razorpay").Logger()}
	if cfg.KeyID != "" && cfg.KeySecret != "" {
		sdk := rzp.NewClient(cfg.KeyID, cfg.KeySecret)
		c.orders = sdk.Order
		c.payments = sdk.Payment
	}
	return c
}

func newWithAPIs(cfg Config, orders orderAPI, payments paymentAPI) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Client{cfg: cfg, orders: orders, payments: payments, logger: zerolog.Nop()}
}

func (c *Client) Configured() bool {
	return c.orders != nil && c.payments != nil && c.cfg.KeySecret != ""
}

// KeyID is the publishable key id handed to the checkout widget.
func (c *Client) KeyID() string { return c.cfg.KeyID }

func (c *Client) unavailable() error {
	return apperr.GatewayUnavailable("payment service is not configured")
}

// CreateOrder creates a gateway order for amountMinor minor units.
func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Order, error) {
	if !c.Configured() {
		return nil, c.unavailable()
	}
	if amountMinor <= 0 {
		return nil, apperr.Validation("order amount must be positive")
	}

	data := map[string]interface{}{
		"amount":   amountMinor,
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		n := make(map[string]interface{}, len(notes))
		for k, v := range notes {
			n[k] = v
		}
		data["notes"] = n
	}

	body, err := call(ctx, c.cfg.Timeout, func() (map[string]interface{}, error) {
		return c.orders.Create(data, nil)
	})
	if err != nil {
		c.logger.Error().Err(err).Str("receipt", receipt).Int64("amount_minor", amountMinor).Msg("create order failed")
		return nil, apperr.Wrap(err, apperr.KindGatewayError, "failed to create payment order")
	}

	id := stringFrom(body, "id")
	if id == "" {
		return nil, apperr.New(apperr.KindGatewayError, "gateway returned an order without id")
	}
	cur := stringFrom(body, "currency")
	if cur == "" {
		cur = currency
	}
	minor := minorFromAny(body["amount"])
	if minor == 0 {
		minor = amountMinor
	}
	return &Order{
		ID:          id,
		AmountMinor: minor,
		Amount:      ToMajor(minor, cur),
		Currency:    cur,
		Receipt:     stringFrom(body, "receipt"),
		Status:      stringFrom(body, "status"),
	}, nil
}

// VerifySignature checks the checkout signature for orderID/paymentID in
// constant time.
func (c *Client) VerifySignature(orderID, paymentID, signature string) error {
	if c.cfg.KeySecret == "" {
		return c.unavailable()
	}
	if orderID == "" || paymentID == "" || signature == "" {
		return apperr.InvalidSignature("invalid payment signature")
	}
	if !equalSignature(PaymentSignature(c.cfg.KeySecret, orderID, paymentID), signature) {
		return apperr.InvalidSignature("invalid payment signature")
	}
	return nil
}

// VerifyWebhook checks a webhook body against its X-Razorpay-Signature.
func (c *Client) VerifyWebhook(body []byte, signature string) error {
	if c.cfg.WebhookSecret == "" {
		return apperr.GatewayUnavailable("payment webhooks are not configured")
	}
	if signature == "" || !equalSignature(WebhookSignature(c.cfg.WebhookSecret, body), signature) {
		return apperr.InvalidSignature("invalid webhook signature")
	}
	return nil
}

// FetchPayment loads the gateway's record for paymentID.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if !c.Configured() {
		return nil, c.unavailable()
	}
	body, err := call(ctx, c.cfg.Timeout, func() (map[string]interface{}, error) {
		return c.payments.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		c.logger.Error().Err(err).Str("payment_id", paymentID).Msg("fetch payment failed")
		return nil, apperr.Wrap(err, apperr.KindGatewayError, "failed to fetch payment details")
	}
	return paymentFromMap(body), nil
}

func paymentFromMap(m map[string]interface{}) *Payment {
	cur := stringFrom(m, "currency")
	minor := minorFromAny(m["amount"])
	p := &Payment{
		ID:          stringFrom(m, "id"),
		OrderID:     stringFrom(m, "order_id"),
		AmountMinor: minor,
		Amount:      ToMajor(minor, cur),
		Currency:    cur,
		Status:      stringFrom(m, "status"),
		Method:      stringFrom(m, "method"),
		Email:       stringFrom(m, "email"),
		Contact:     stringFrom(m, "contact"),
	}
	if ts := minorFromAny(m["created_at"]); ts > 0 {
		p.CreatedAt = time.Unix(ts, 0).UTC()
	}
	return p
}

var errTimeout = errors.New("gateway request timed out")

// call runs an SDK request under ctx and timeout. The SDK has no context
// support, so an abandoned request finishes in the background and its
// result is discarded.
func call(ctx context.Context, timeout time.Duration, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		body map[string]interface{}
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := fn()
		ch <- result{body, err}
	}()

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return nil, ctx.Err()
	}
}

// WebhookEvent is the part of a webhook delivery the engine acts on.
type WebhookEvent struct {
	Event   string
	Payment *Payment
}

// Webhook events handled by the engine.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// ParseWebhook decodes a verified webhook body.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var raw struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity map[string]interface{} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "malformed webhook body")
	}
	if raw.Event == "" {
		return nil, apperr.Validation("webhook event missing")
	}
	ev := &WebhookEvent{Event: raw.Event}
	if raw.Payload.Payment.Entity != nil {
		ev.Payment = paymentFromMap(raw.Payload.Payment.Entity)
	}
	return ev, nil
}

func (p *Payment) String() string {
	return fmt.Sprintf("%s(order=%s, %d %s, %s)", p.ID, p.OrderID, p.AmountMinor, p.Currency, p.Status)
}
