package identity

import (
	"testing"

	"github.com/google/uuid"
)

func TestPatient_FullName(t *testing.T) {
	p := &Patient{FirstName: "Asha", LastName: "Rao"}
	if p.FullName() != "Asha Rao" {
		t.Errorf("unexpected name: %q", p.FullName())
	}
	p.LastName = ""
	if p.FullName() != "Asha" {
		t.Errorf("expected trimmed name, got %q", p.FullName())
	}
}

func TestPatient_OwnedBy(t *testing.T) {
	uid := uuid.New()
	p := &Patient{UserID: &uid}
	if !p.OwnedBy(uid) {
		t.Error("expected patient to be owned by its user")
	}
	if p.OwnedBy(uuid.New()) {
		t.Error("expected other user not to own patient")
	}
	walkIn := &Patient{}
	if walkIn.OwnedBy(uid) {
		t.Error("a patient without an account is owned by nobody")
	}
}

func TestDoctor_FullName(t *testing.T) {
	d := &Doctor{FirstName: "Ravi", LastName: "Menon"}
	if d.FullName() != "Dr. Ravi Menon" {
		t.Errorf("unexpected name: %q", d.FullName())
	}
}
