package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Notification Repository ===========

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &notificationRepoPG{pool: pool} }

const notificationCols = `id, user_id, type, title, message, action_url, is_read, read_at, source_event_id, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.ActionURL,
		&n.IsRead, &n.ReadAt, &n.SourceEventID, &n.CreatedAt)
	return &n, err
}

func (r *notificationRepoPG) Create(ctx context.Context, n *Notification) (bool, error) {
	n.ID = uuid.New()
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, action_url, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ON CONSTRAINT notifications_source_event_user_key DO NOTHING
		RETURNING created_at`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.ActionURL, n.SourceEventID).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return true, nil
}

func (r *notificationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("notification not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (r *notificationRepoPG) ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := `WHERE user_id = $1`
	if unreadOnly {
		where += ` AND NOT is_read`
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM notifications `+where, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+notificationCols+` FROM notifications `+where+` ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *notificationRepoPG) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&n)
	return n, err
}

func (r *notificationRepoPG) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("notification not found")
	}
	return nil
}

func (r *notificationRepoPG) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE user_id = $1 AND NOT is_read`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *notificationRepoPG) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *notificationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("notification not found")
	}
	return nil
}

// =========== Outbox Repository ===========

type outboxRepoPG struct{ pool *pgxpool.Pool }

func NewOutboxRepoPG(pool *pgxpool.Pool) OutboxRepository { return &outboxRepoPG{pool: pool} }

func (r *outboxRepoPG) Enqueue(ctx context.Context, eventType string, payload interface{}) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	id := uuid.New()
	if _, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO notification_outbox (id, event_type, payload) VALUES ($1, $2, $3)`,
		id, eventType, raw); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return id, nil
}

func (r *outboxRepoPG) ClaimNext(ctx context.Context, now time.Time) (*OutboxEvent, error) {
	var ev OutboxEvent
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, event_type, payload, attempts, last_error, available_at, processed_at, created_at
		FROM notification_outbox
		WHERE processed_at IS NULL AND available_at <= $1
		ORDER BY available_at, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now).
		Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.Attempts, &ev.LastError, &ev.AvailableAt, &ev.ProcessedAt, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim outbox event: %w", err)
	}
	return &ev, nil
}

func (r *outboxRepoPG) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE notification_outbox SET processed_at = $2, last_error = NULL WHERE id = $1`, id, at)
	return err
}

func (r *outboxRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, reason string, retryAt time.Time) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, last_error = $2, available_at = $3
		WHERE id = $1`, id, reason, retryAt)
	return err
}

func (r *outboxRepoPG) MarkDead(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, last_error = $2, processed_at = $3, dead_at = $3
		WHERE id = $1`, id, reason, at)
	return err
}

func (r *outboxRepoPG) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM notification_outbox WHERE processed_at IS NOT NULL AND dead_at IS NULL AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *outboxRepoPG) CountPending(ctx context.Context) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_outbox WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}
