package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts n and reports false when a row for the same
	// (source_event_id, user_id) already exists.
	Create(ctx context.Context, n *Notification) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// OutboxEvent is a domain event waiting to be turned into notifications.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	AvailableAt time.Time       `json:"available_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	DeadAt      *time.Time      `json:"dead_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type OutboxRepository interface {
	// Enqueue stores an event; call it inside the transaction of the change
	// the event describes.
	Enqueue(ctx context.Context, eventType string, payload interface{}) (uuid.UUID, error)
	// ClaimNext locks the oldest due, unprocessed event, skipping rows other
	// relays hold. It returns nil when nothing is due. Must run in a tx.
	ClaimNext(ctx context.Context, now time.Time) (*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, retryAt time.Time) error
	// MarkDead retires an event that exhausted its retries. Dead events
	// survive PurgeProcessed.
	MarkDead(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
	CountPending(ctx context.Context) (int, error)
}
