package identity

import (
	"context"

	"github.com/google/uuid"
)

// Directory is the read-only lookup surface the billing and notification
// code consumes. Lookups of absent rows return an apperr NotFound.
type Directory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetDoctorByUserID(ctx context.Context, userID uuid.UUID) (*Doctor, error)
	// AdminUserIDs returns the ids of all active admin accounts.
	AdminUserIDs(ctx context.Context) ([]uuid.UUID, error)
}
