package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/tasks"
	"github.com/hms/hms/internal/platform/websocket"
)

// Dispatcher writes notification rows and then schedules a best-effort push
// to the target user's live sessions. The push is queued only after the
// surrounding transaction, if any, commits.
type Dispatcher struct {
	repo   Repository
	dir    identity.Directory
	sched  tasks.Scheduler
	pusher websocket.Pusher
	logger zerolog.Logger
}

func NewDispatcher(repo Repository, dir identity.Directory, sched tasks.Scheduler, pusher websocket.Pusher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		dir:    dir,
		sched:  sched,
		pusher: pusher,
		logger: logger.With().Str("component", "notification-dispatcher").Logger(),
	}
}

// Notify persists one notification. A duplicate of an already-delivered
// outbox event returns (nil, nil) and pushes nothing.
func (d *Dispatcher) Notify(ctx context.Context, in Input) (*Notification, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("invalid notification type: %s", in.Type)
	}
	if in.Title == "" || in.Message == "" {
		return nil, fmt.Errorf("notification title and message are required")
	}

	n := in.build()
	var inserted bool
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = d.repo.Create(ctx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		d.logger.Debug().Str("user_id", n.UserID.String()).Msg("notification already delivered for event")
		return nil, nil
	}

	db.AfterCommit(ctx, func() { d.schedulePush(n) })
	return n, nil
}

func (d *Dispatcher) schedulePush(n *Notification) {
	userID := n.UserID.String()
	frame := n.Frame()
	ok := d.sched.Schedule("notification.push", func(ctx context.Context) {
		delivered := d.pusher.Push(ctx, userID, frame)
		d.logger.Debug().
			Str("user_id", userID).
			Str("notification_id", n.ID.String()).
			Int("sessions", delivered).
			Msg("notification pushed")
	})
	if !ok {
		d.logger.Warn().Str("user_id", userID).Msg("notification push not scheduled; client will see it on next fetch")
	}
}

// NotifyAllAdmins sends in to every active admin. Each admin is notified
// independently; failures are logged and joined into the returned error
// after all admins have been tried.
func (d *Dispatcher) NotifyAllAdmins(ctx context.Context, in Input) (int, error) {
	var ids []uuid.UUID
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		var err error
		ids, err = d.dir.AdminUserIDs(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("resolve admins: %w", err)
	}

	sent := 0
	var errs []error
	for _, id := range ids {
		in.UserID = id
		n, err := d.Notify(ctx, in)
		if err != nil {
			d.logger.Error().Err(err).Str("user_id", id.String()).Msg("admin notification failed")
			errs = append(errs, err)
			continue
		}
		if n != nil {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}
