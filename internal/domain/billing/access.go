package billing

import (
	"context"

	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
)

// Access decides what an actor may do with bills. Every billing and payment
// entry point goes through it.
//
//	admin, staff  view, pay and manage every bill
//	doctor        view and manage bills they attend or whose patient they
//	              are primary doctor for
//	patient       view and pay their own bills
type Access struct {
	dir identity.Directory
}

func NewAccess(dir identity.Directory) Access {
	return Access{dir: dir}
}

// CanManage reports whether actor may create and edit bills.
func (a Access) CanManage(actor auth.Actor) bool {
	return actor.IsAdmin() || actor.IsStaff() || actor.IsDoctor()
}

// CanView reports whether actor may read b and its transactions.
func (a Access) CanView(ctx context.Context, actor auth.Actor, b *Bill) (bool, error) {
	switch {
	case actor.IsAdmin(), actor.IsStaff():
		return true, nil
	case actor.IsDoctor():
		return a.attends(ctx, actor, b)
	case actor.IsPatient():
		return a.owns(ctx, actor, b)
	}
	return false, nil
}

// CanPay reports whether actor may start or settle a payment on b. A
// patient may only pay their own bills.
func (a Access) CanPay(ctx context.Context, actor auth.Actor, b *Bill) (bool, error) {
	if actor.IsPatient() && !actor.IsAdmin() && !actor.IsStaff() {
		return a.owns(ctx, actor, b)
	}
	return a.CanView(ctx, actor, b)
}

func (a Access) owns(ctx context.Context, actor auth.Actor, b *Bill) (bool, error) {
	p, err := a.dir.GetPatient(ctx, b.PatientID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.OwnedBy(actor.UserID), nil
}

func (a Access) attends(ctx context.Context, actor auth.Actor, b *Bill) (bool, error) {
	doc, err := a.dir.GetDoctorByUserID(ctx, actor.UserID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if b.DoctorID != nil && *b.DoctorID == doc.ID {
		return true, nil
	}
	p, err := a.dir.GetPatient(ctx, b.PatientID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.PrimaryDoctorID != nil && *p.PrimaryDoctorID == doc.ID, nil
}

// Scope narrows f to the bills actor may list.
func (a Access) Scope(ctx context.Context, actor auth.Actor, f ListFilter) (ListFilter, error) {
	switch {
	case actor.IsAdmin(), actor.IsStaff():
		return f, nil
	case actor.IsDoctor():
		doc, err := a.dir.GetDoctorByUserID(ctx, actor.UserID)
		if apperr.Is(err, apperr.KindNotFound) {
			return f, apperr.Forbidden("no doctor record linked to this account")
		}
		if err != nil {
			return f, err
		}
		f.DoctorID = &doc.ID
		return f, nil
	case actor.IsPatient():
		p, err := a.dir.GetPatientByUserID(ctx, actor.UserID)
		if apperr.Is(err, apperr.KindNotFound) {
			return f, apperr.Forbidden("no patient record linked to this account")
		}
		if err != nil {
			return f, err
		}
		f.PatientID = &p.ID
		return f, nil
	}
	return f, apperr.Forbidden("no billing access")
}

// Require returns Forbidden unless allowed.
func Require(allowed bool, err error) error {
	if err != nil {
		return err
	}
	if !allowed {
		return apperr.Forbidden("you do not have access to this bill")
	}
	return nil
}
