package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/websocket"
)

// Type is the closed set of notification categories.
type Type string

const (
	TypeAppointment   Type = "appointment"
	TypeMessage       Type = "message"
	TypeSystem        Type = "system"
	TypeReminder      Type = "reminder"
	TypeAlert         Type = "alert"
	TypeInfo          Type = "info"
	TypePrescription  Type = "prescription"
	TypeMedicalRecord Type = "medical_record"
	TypeLabTest       Type = "lab_test"
	TypeUserCreated   Type = "user_created"
	TypeBilling       Type = "billing"
)

var validTypes = map[Type]bool{
	TypeAppointment: true, TypeMessage: true, TypeSystem: true, TypeReminder: true,
	TypeAlert: true, TypeInfo: true, TypePrescription: true, TypeMedicalRecord: true,
	TypeLabTest: true, TypeUserCreated: true, TypeBilling: true,
}

func (t Type) Valid() bool { return validTypes[t] }

// Notification is a message directed at exactly one user.
type Notification struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Type          Type       `json:"type"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	ActionURL     *string    `json:"action_url,omitempty"`
	IsRead        bool       `json:"is_read"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	SourceEventID *uuid.UUID `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Payload is the data of a websocket notification frame.
type Payload struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionURL *string   `json:"action_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Frame wraps n in the websocket notification envelope.
func (n *Notification) Frame() websocket.Frame {
	return websocket.Frame{
		Event: websocket.EventNotification,
		Data: Payload{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			ActionURL: n.ActionURL,
			CreatedAt: n.CreatedAt,
		},
	}
}

// Input describes one notification to write.
type Input struct {
	UserID    uuid.UUID
	Type      Type
	Title     string
	Message   string
	ActionURL string
	// SourceEventID dedups notifications produced from the same outbox event.
	SourceEventID *uuid.UUID
}

func (in Input) build() *Notification {
	n := &Notification{
		UserID:        in.UserID,
		Type:          in.Type,
		Title:         in.Title,
		Message:       in.Message,
		SourceEventID: in.SourceEventID,
	}
	if in.ActionURL != "" {
		url := in.ActionURL
		n.ActionURL = &url
	}
	return n
}
