package notification

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/platform/tasks"
	"github.com/hms/hms/internal/platform/websocket"
)

func newTestDispatcher() (*Dispatcher, *mockRepo, *identity.MemoryDirectory, *recordingPusher) {
	repo := newMockRepo()
	dir := identity.NewMemoryDirectory()
	pusher := newRecordingPusher()
	return NewDispatcher(repo, dir, tasks.Inline{}, pusher, zerolog.Nop()), repo, dir, pusher
}

func TestDispatcher_NotifyPersistsThenPushes(t *testing.T) {
	d, repo, _, pusher := newTestDispatcher()
	userID := uuid.New()

	n, err := d.Notify(context.Background(), Input{
		UserID:    userID,
		Type:      TypeBilling,
		Title:     "Payment Successful",
		Message:   "Payment of ₹550.00 for bill #BILL00001 was successful.",
		ActionURL: "/patient/billing",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if _, err := repo.GetByID(context.Background(), n.ID); err != nil {
		t.Fatal("expected notification row to be stored")
	}
	if pusher.count(userID.String()) != 1 {
		t.Fatalf("expected 1 push, got %d", pusher.count(userID.String()))
	}

	frame := pusher.frames[userID.String()][0]
	if frame.Event != websocket.EventNotification {
		t.Errorf("unexpected frame event %q", frame.Event)
	}
	p, ok := frame.Data.(Payload)
	if !ok {
		t.Fatalf("unexpected frame data %T", frame.Data)
	}
	if p.ID != n.ID || p.Title != "Payment Successful" || p.ActionURL == nil || *p.ActionURL != "/patient/billing" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDispatcher_NotifyValidates(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	if _, err := d.Notify(context.Background(), Input{UserID: uuid.New(), Type: "sms", Title: "x", Message: "y"}); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := d.Notify(context.Background(), Input{UserID: uuid.New(), Type: TypeInfo}); err == nil {
		t.Error("expected error for empty title and message")
	}
}

func TestDispatcher_NotifyDedupsSourceEvent(t *testing.T) {
	d, repo, _, pusher := newTestDispatcher()
	userID := uuid.New()
	eventID := uuid.New()
	in := Input{UserID: userID, Type: TypeBilling, Title: "t", Message: "m", SourceEventID: &eventID}

	if n, err := d.Notify(context.Background(), in); err != nil || n == nil {
		t.Fatalf("first Notify = %v, %v", n, err)
	}
	n, err := d.Notify(context.Background(), in)
	if err != nil {
		t.Fatalf("second Notify: %v", err)
	}
	if n != nil {
		t.Error("expected duplicate to be skipped")
	}
	if len(repo.forUser(userID)) != 1 {
		t.Errorf("expected 1 row, got %d", len(repo.forUser(userID)))
	}
	if pusher.count(userID.String()) != 1 {
		t.Errorf("expected duplicate not to be pushed")
	}
}

func TestDispatcher_PushDropDoesNotFailWrite(t *testing.T) {
	repo := newMockRepo()
	d := NewDispatcher(repo, identity.NewMemoryDirectory(), droppingScheduler{}, newRecordingPusher(), zerolog.Nop())

	n, err := d.Notify(context.Background(), Input{UserID: uuid.New(), Type: TypeInfo, Title: "t", Message: "m"})
	if err != nil || n == nil {
		t.Fatalf("expected write to succeed when push is dropped, got %v, %v", n, err)
	}
}

func TestDispatcher_NotifyAllAdmins(t *testing.T) {
	d, repo, dir, _ := newTestDispatcher()
	a1 := dir.AddUser("admin", "A1")
	a2 := dir.AddUser("admin", "A2")
	a3 := dir.AddUser("admin", "A3")
	dir.AddUser("staff", "S1")

	sent, err := d.NotifyAllAdmins(context.Background(), Input{Type: TypeSystem, Title: "t", Message: "m"})
	if err != nil {
		t.Fatalf("NotifyAllAdmins: %v", err)
	}
	if sent != 3 {
		t.Errorf("expected 3 sent, got %d", sent)
	}
	for _, a := range []*identity.User{a1, a2, a3} {
		if len(repo.forUser(a.ID)) != 1 {
			t.Errorf("admin %s: expected 1 notification", a.FullName)
		}
	}
}

func TestDispatcher_NotifyAllAdmins_PartialFailure(t *testing.T) {
	d, repo, dir, _ := newTestDispatcher()
	a1 := dir.AddUser("admin", "A1")
	bad := dir.AddUser("admin", "Broken")
	a3 := dir.AddUser("admin", "A3")
	repo.failFor = bad.ID

	sent, err := d.NotifyAllAdmins(context.Background(), Input{Type: TypeSystem, Title: "t", Message: "m"})
	if err == nil {
		t.Error("expected joined error for the failed admin")
	}
	if sent != 2 {
		t.Errorf("expected the other 2 admins to be notified, got %d", sent)
	}
	if len(repo.forUser(a1.ID)) != 1 || len(repo.forUser(a3.ID)) != 1 {
		t.Error("a failure for one admin must not stop the others")
	}
}
