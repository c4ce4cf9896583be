package identity

import (
	"context"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
)

type Service struct {
	dir Directory
}

func NewService(dir Directory) *Service {
	return &Service{dir: dir}
}

// Profile resolves the actor's user row plus the patient or doctor record
// linked to it, if any.
func (s *Service) Profile(ctx context.Context, actor auth.Actor) (*Profile, error) {
	u, err := s.dir.GetUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	p := &Profile{User: u}

	if actor.IsPatient() {
		pat, err := s.dir.GetPatientByUserID(ctx, actor.UserID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		p.Patient = pat
	}
	if actor.IsDoctor() {
		doc, err := s.dir.GetDoctorByUserID(ctx, actor.UserID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		p.Doctor = doc
	}
	return p, nil
}
