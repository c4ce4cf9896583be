package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an account that can sign in and receive notifications.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     *string   `json:"email,omitempty"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Patient is the billing subject. UserID is nil for walk-in patients without
// a portal account.
type Patient struct {
	ID              uuid.UUID  `json:"id"`
	UserID          *uuid.UUID `json:"user_id,omitempty"`
	PatientCode     string     `json:"patient_code"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	PrimaryDoctorID *uuid.UUID `json:"primary_doctor_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// OwnedBy reports whether userID is the patient's own account.
func (p *Patient) OwnedBy(userID uuid.UUID) bool {
	return p.UserID != nil && *p.UserID == userID
}

type Doctor struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Specialization *string   `json:"specialization,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (d *Doctor) FullName() string {
	return strings.TrimSpace("Dr. " + d.FirstName + " " + d.LastName)
}

// Profile is the caller's own directory record.
type Profile struct {
	User    *User    `json:"user"`
	Patient *Patient `json:"patient,omitempty"`
	Doctor  *Doctor  `json:"doctor,omitempty"`
}
