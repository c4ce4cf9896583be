package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
	RoleStaff   = "staff"
)

// Actor is the authenticated caller as seen by the domain services.
type Actor struct {
	UserID uuid.UUID
	Roles  []string
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) IsAdmin() bool   { return a.HasRole(RoleAdmin) }
func (a Actor) IsStaff() bool   { return a.HasRole(RoleStaff) }
func (a Actor) IsDoctor() bool  { return a.HasRole(RoleDoctor) }
func (a Actor) IsPatient() bool { return a.HasRole(RolePatient) }

// ActorFromContext builds an Actor from the identity stored by the auth
// middleware. The subject must be a UUID.
func ActorFromContext(ctx context.Context) (Actor, error) {
	raw := UserIDFromContext(ctx)
	if raw == "" {
		return Actor{}, fmt.Errorf("no authenticated user in context")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Actor{}, fmt.Errorf("user id %q is not a uuid: %w", raw, err)
	}
	return Actor{UserID: id, Roles: RolesFromContext(ctx)}, nil
}
