package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
)

// Service is the user-facing notification inbox.
type Service struct {
	repo        Repository
	dispatcher  *Dispatcher
	readDeletes bool
	now         func() time.Time
}

// NewService creates the inbox service. With readDeletes, marking a
// notification read removes it; otherwise the row is kept with read_at set.
func NewService(repo Repository, d *Dispatcher, readDeletes bool) *Service {
	return &Service{repo: repo, dispatcher: d, readDeletes: readDeletes, now: time.Now}
}

// ReadDeletes reports whether mark-as-read is destructive.
func (s *Service) ReadDeletes() bool { return s.readDeletes }

func (s *Service) List(ctx context.Context, actor auth.Actor, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListByUser(ctx, actor.UserID, unreadOnly, limit, offset)
}

func (s *Service) UnreadCount(ctx context.Context, actor auth.Actor) (int, error) {
	return s.repo.CountUnread(ctx, actor.UserID)
}

func (s *Service) owned(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != actor.UserID {
		return nil, apperr.Forbidden("not your notification")
	}
	return n, nil
}

// MarkRead acknowledges a notification. It reports whether the row was
// deleted. A notification that is already gone is NotFound.
func (s *Service) MarkRead(ctx context.Context, actor auth.Actor, id uuid.UUID) (bool, error) {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return false, err
	}
	if s.readDeletes {
		return true, s.repo.Delete(ctx, id)
	}
	return false, s.repo.MarkRead(ctx, id, s.now())
}

// MarkAllRead acknowledges every notification of the actor and returns how
// many were affected.
func (s *Service) MarkAllRead(ctx context.Context, actor auth.Actor) (int64, error) {
	if s.readDeletes {
		return s.repo.DeleteAllForUser(ctx, actor.UserID)
	}
	return s.repo.MarkAllRead(ctx, actor.UserID, s.now())
}

func (s *Service) Delete(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) DeleteAll(ctx context.Context, actor auth.Actor) (int64, error) {
	return s.repo.DeleteAllForUser(ctx, actor.UserID)
}

// CreateRequest is an admin-authored notification. Without UserID it goes to
// every admin.
type CreateRequest struct {
	UserID    *uuid.UUID `json:"user_id"`
	Type      Type       `json:"type" validate:"required"`
	Title     string     `json:"title" validate:"required,max=200"`
	Message   string     `json:"message" validate:"required"`
	ActionURL string     `json:"action_url" validate:"omitempty,max=500"`
}

// Create sends an admin-authored notification and returns the number of
// rows written.
func (s *Service) Create(ctx context.Context, req CreateRequest) (int, error) {
	if !req.Type.Valid() {
		return 0, apperr.Validation("invalid notification type: " + string(req.Type))
	}
	in := Input{Type: req.Type, Title: req.Title, Message: req.Message, ActionURL: req.ActionURL}
	if req.UserID == nil {
		return s.dispatcher.NotifyAllAdmins(ctx, in)
	}
	in.UserID = *req.UserID
	if _, err := s.dispatcher.Notify(ctx, in); err != nil {
		return 0, err
	}
	return 1, nil
}
