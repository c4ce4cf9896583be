package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/templates"
)

// EventFanout maps billing and payment outbox events to their recipients.
type EventFanout struct {
	dispatcher *Dispatcher
	templates  *templates.Engine
}

func NewEventFanout(d *Dispatcher, t *templates.Engine) *EventFanout {
	return &EventFanout{dispatcher: d, templates: t}
}

// Register installs the handlers on relay.
func (f *EventFanout) Register(relay *Relay) {
	relay.Handle(EventBillCreated, f.patientOnly(templates.BillCreated))
	relay.Handle(EventBillOverdue, f.patientOnly(templates.BillOverdue))
	relay.Handle(EventBillCancelled, f.patientOnly(templates.BillCancelled))
	relay.Handle(EventPaymentFailed, f.patientOnly(templates.PaymentFailedPatient))
	relay.Handle(EventPaymentSettled, f.PaymentSettled)
}

func decodeBillEvent(ev *OutboxEvent) (*BillEvent, error) {
	var be BillEvent
	if err := json.Unmarshal(ev.Payload, &be); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ev.EventType, err)
	}
	return &be, nil
}

func templateData(be *BillEvent) map[string]string {
	return map[string]string{
		"amount":       templates.FormatAmount(be.Amount, be.Currency),
		"bill_number":  be.BillNumber,
		"patient_name": be.PatientName,
	}
}

func (f *EventFanout) input(tmplID string, userID uuid.UUID, be *BillEvent, eventID uuid.UUID) (Input, error) {
	r, err := f.templates.Render(tmplID, templateData(be))
	if err != nil {
		return Input{}, err
	}
	return Input{
		UserID:        userID,
		Type:          Type(r.Type),
		Title:         r.Title,
		Message:       r.Message,
		ActionURL:     r.ActionURL,
		SourceEventID: &eventID,
	}, nil
}

func (f *EventFanout) patientOnly(tmplID string) EventHandler {
	return func(ctx context.Context, ev *OutboxEvent) error {
		be, err := decodeBillEvent(ev)
		if err != nil {
			return err
		}
		if be.PatientUserID == nil {
			return nil
		}
		in, err := f.input(tmplID, *be.PatientUserID, be, ev.ID)
		if err != nil {
			return err
		}
		_, err = f.dispatcher.Notify(ctx, in)
		return err
	}
}

// PaymentSettled notifies the patient, the bill's doctor when there is one,
// and every admin. Recipients are independent: one failure does not stop
// the others, and a retried event skips the rows already written.
func (f *EventFanout) PaymentSettled(ctx context.Context, ev *OutboxEvent) error {
	be, err := decodeBillEvent(ev)
	if err != nil {
		return err
	}

	var errs []error
	if be.PatientUserID != nil {
		errs = append(errs, f.notifyOne(ctx, templates.PaymentPatient, *be.PatientUserID, be, ev.ID))
	}
	if be.DoctorUserID != nil {
		errs = append(errs, f.notifyOne(ctx, templates.PaymentDoctor, *be.DoctorUserID, be, ev.ID))
	}

	in, err := f.input(templates.PaymentAdmin, uuid.Nil, be, ev.ID)
	if err != nil {
		errs = append(errs, err)
	} else if _, err := f.dispatcher.NotifyAllAdmins(ctx, in); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (f *EventFanout) notifyOne(ctx context.Context, tmplID string, userID uuid.UUID, be *BillEvent, eventID uuid.UUID) error {
	in, err := f.input(tmplID, userID, be, eventID)
	if err != nil {
		return err
	}
	_, err = f.dispatcher.Notify(ctx, in)
	return err
}
