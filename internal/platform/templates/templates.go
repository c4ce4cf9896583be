// Package templates renders the in-app notification texts for billing and
// payment events from {{key}} placeholders.
package templates

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Template IDs.
const (
	BillCreated          = "bill.created"
	BillOverdue          = "bill.overdue"
	BillCancelled        = "bill.cancelled"
	PaymentPatient       = "payment.patient"
	PaymentDoctor        = "payment.doctor"
	PaymentAdmin         = "payment.admin"
	PaymentFailedPatient = "payment.failed"
)

// Template is a reusable notification text.
type Template struct {
	ID        string
	Type      string
	Title     string
	Message   string
	ActionURL string
}

// Rendered is a template with its placeholders filled in.
type Rendered struct {
	Type      string
	Title     string
	Message   string
	ActionURL string
}

// Engine holds templates by id. It is safe for concurrent use.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewEngine returns an Engine with the billing templates registered.
func NewEngine() *Engine {
	e := &Engine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *Engine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:        BillCreated,
			Type:      "billing",
			Title:     "New Bill Generated",
			Message:   "A new bill #{{bill_number}} for {{amount}} has been generated.",
			ActionURL: "/patient/billing",
		},
		{
			ID:        BillOverdue,
			Type:      "reminder",
			Title:     "Bill Overdue",
			Message:   "Bill #{{bill_number}} is past its due date. Outstanding balance: {{amount}}.",
			ActionURL: "/patient/billing",
		},
		{
			ID:        BillCancelled,
			Type:      "billing",
			Title:     "Bill Cancelled",
			Message:   "Bill #{{bill_number}} has been cancelled.",
			ActionURL: "/patient/billing",
		},
		{
			ID:        PaymentPatient,
			Type:      "billing",
			Title:     "Payment Successful",
			Message:   "Payment of {{amount}} for bill #{{bill_number}} was successful.",
			ActionURL: "/patient/billing",
		},
		{
			ID:        PaymentDoctor,
			Type:      "billing",
			Title:     "Payment Received",
			Message:   "Payment of {{amount}} received from {{patient_name}} for bill #{{bill_number}}.",
			ActionURL: "/doctor/billing",
		},
		{
			ID:        PaymentAdmin,
			Type:      "billing",
			Title:     "New Payment Received",
			Message:   "Payment of {{amount}} received from {{patient_name}} (Bill #{{bill_number}}).",
			ActionURL: "/admin/billing",
		},
		{
			ID:        PaymentFailedPatient,
			Type:      "alert",
			Title:     "Payment Failed",
			Message:   "Your payment for bill #{{bill_number}} could not be completed. No amount was charged to the bill.",
			ActionURL: "/patient/billing",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// Register adds or replaces a template.
func (e *Engine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills {{key}} placeholders in the title, message and action URL.
// Keys with no value in data are left as-is.
func (e *Engine) Render(id string, data map[string]string) (Rendered, error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return Rendered{}, fmt.Errorf("template %q not found", id)
	}

	r := Rendered{Type: t.Type, Title: t.Title, Message: t.Message, ActionURL: t.ActionURL}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		r.Title = strings.ReplaceAll(r.Title, placeholder, v)
		r.Message = strings.ReplaceAll(r.Message, placeholder, v)
		r.ActionURL = strings.ReplaceAll(r.ActionURL, placeholder, v)
	}
	return r, nil
}

var currencySymbols = map[string]string{
	"INR": "₹",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// FormatAmount renders amount with two decimals and the currency symbol, or
// the ISO code when no symbol is known.
func FormatAmount(amount decimal.Decimal, currency string) string {
	cur := strings.ToUpper(currency)
	if sym, ok := currencySymbols[cur]; ok {
		return sym + amount.StringFixed(2)
	}
	if cur == "" {
		return amount.StringFixed(2)
	}
	return cur + " " + amount.StringFixed(2)
}
