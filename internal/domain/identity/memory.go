package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/apperr"
)

// MemoryDirectory is an in-process Directory for tests and local tooling.
type MemoryDirectory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*User
	patients map[uuid.UUID]*Patient
	doctors  map[uuid.UUID]*Doctor
	// Err, when set, is returned by every lookup.
	Err error
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:    make(map[uuid.UUID]*User),
		patients: make(map[uuid.UUID]*Patient),
		doctors:  make(map[uuid.UUID]*Doctor),
	}
}

// AddUser stores an active user with role and returns it.
func (m *MemoryDirectory) AddUser(role, name string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &User{ID: uuid.New(), FullName: name, Role: role, IsActive: true}
	m.users[u.ID] = u
	return u
}

// AddPatient creates a patient with its own portal account.
func (m *MemoryDirectory) AddPatient(first, last string, primaryDoctor *uuid.UUID) *Patient {
	u := m.AddUser("patient", first+" "+last)
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Patient{
		ID:              uuid.New(),
		UserID:          &u.ID,
		PatientCode:     "PAT" + u.ID.String()[:5],
		FirstName:       first,
		LastName:        last,
		PrimaryDoctorID: primaryDoctor,
	}
	m.patients[p.ID] = p
	return p
}

// AddDoctor creates a doctor with its own account.
func (m *MemoryDirectory) AddDoctor(first, last string) *Doctor {
	u := m.AddUser("doctor", first+" "+last)
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &Doctor{ID: uuid.New(), UserID: u.ID, FirstName: first, LastName: last}
	m.doctors[d.ID] = d
	return d
}

func (m *MemoryDirectory) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return u, nil
}

func (m *MemoryDirectory) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, apperr.NotFound("patient not found")
	}
	return p, nil
}

func (m *MemoryDirectory) GetPatientByUserID(_ context.Context, userID uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, p := range m.patients {
		if p.OwnedBy(userID) {
			return p, nil
		}
	}
	return nil, apperr.NotFound("patient not found")
}

func (m *MemoryDirectory) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	d, ok := m.doctors[id]
	if !ok {
		return nil, apperr.NotFound("doctor not found")
	}
	return d, nil
}

func (m *MemoryDirectory) GetDoctorByUserID(_ context.Context, userID uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, d := range m.doctors {
		if d.UserID == userID {
			return d, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (m *MemoryDirectory) AdminUserIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var ids []uuid.UUID
	for _, u := range m.users {
		if u.Role == "admin" && u.IsActive {
			ids = append(ids, u.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
