package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/websocket"
)

// -- Mock Repositories --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Notification
	// failFor makes Create fail for one user.
	failFor uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Notification)}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor != uuid.Nil && n.UserID == m.failFor {
		return false, errors.New("insert failed")
	}
	if n.SourceEventID != nil {
		for _, existing := range m.items {
			if existing.SourceEventID != nil && *existing.SourceEventID == *n.SourceEventID && existing.UserID == n.UserID {
				return false, nil
			}
		}
	}
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	m.items[n.ID] = n
	return true, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("notification not found")
	}
	return n, nil
}

func (m *mockRepo) ListByUser(_ context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Notification
	for _, n := range m.items {
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	total := len(result)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (m *mockRepo) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.items {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) MarkRead(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return apperr.NotFound("notification not found")
	}
	n.IsRead = true
	n.ReadAt = &at
	return nil
}

func (m *mockRepo) MarkAllRead(_ context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.items {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &at
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) DeleteAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, n := range m.items {
		if n.UserID == userID {
			delete(m.items, id)
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return apperr.NotFound("notification not found")
	}
	delete(m.items, id)
	return nil
}

func (m *mockRepo) snapshot() map[uuid.UUID]*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*Notification, len(m.items))
	for id, n := range m.items {
		out[id] = n
	}
	return out
}

func (m *mockRepo) restore(items map[uuid.UUID]*Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
}

func (m *mockRepo) forUser(userID uuid.UUID) []*Notification {
	items, _, _ := m.ListByUser(context.Background(), userID, false, 1000, 0)
	return items
}

type mockOutbox struct {
	mu     sync.Mutex
	events []*OutboxEvent
}

func (m *mockOutbox) Enqueue(_ context.Context, eventType string, payload interface{}) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := &OutboxEvent{ID: uuid.New(), EventType: eventType, Payload: raw, AvailableAt: time.Now(), CreatedAt: time.Now()}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *mockOutbox) ClaimNext(_ context.Context, now time.Time) (*OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ProcessedAt == nil && !ev.AvailableAt.After(now) {
			return ev, nil
		}
	}
	return nil, nil
}

func (m *mockOutbox) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.ProcessedAt = &at
			ev.LastError = nil
		}
	}
	return nil
}

func (m *mockOutbox) MarkFailed(_ context.Context, id uuid.UUID, reason string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Attempts++
			ev.LastError = &reason
			ev.AvailableAt = retryAt
		}
	}
	return nil
}

func (m *mockOutbox) MarkDead(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Attempts++
			ev.LastError = &reason
			ev.ProcessedAt = &at
			ev.DeadAt = &at
		}
	}
	return nil
}

func (m *mockOutbox) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*OutboxEvent
	var n int64
	for _, ev := range m.events {
		if ev.ProcessedAt != nil && ev.DeadAt == nil && ev.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}

func (m *mockOutbox) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.ProcessedAt == nil {
			n++
		}
	}
	return n, nil
}

// fakeTx serialises transactions so concurrent callers behave like
// row-locked ones. With repo set it also carries a pgx.Tx in the context
// whose savepoints and rollback restore repo's rows, like Postgres does.
type fakeTx struct {
	mu   sync.Mutex
	repo *mockRepo
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repo == nil {
		return fn(ctx)
	}
	tx := &savepointTx{repo: f.repo, saved: f.repo.snapshot()}
	if err := fn(context.WithValue(ctx, db.DBTxKey, pgx.Tx(tx))); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// savepointTx implements the transaction control part of pgx.Tx over a
// mockRepo; repositories in these tests never issue SQL through it.
type savepointTx struct {
	pgx.Tx
	repo  *mockRepo
	saved map[uuid.UUID]*Notification
}

func (t *savepointTx) Begin(context.Context) (pgx.Tx, error) {
	return &savepointTx{repo: t.repo, saved: t.repo.snapshot()}, nil
}

func (t *savepointTx) Commit(context.Context) error { return nil }

func (t *savepointTx) Rollback(context.Context) error {
	t.repo.restore(t.saved)
	return nil
}

type recordingPusher struct {
	mu     sync.Mutex
	frames map[string][]websocket.Frame
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{frames: make(map[string][]websocket.Frame)}
}

func (p *recordingPusher) Push(_ context.Context, userID string, frame websocket.Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[userID] = append(p.frames[userID], frame)
	return 1
}

func (p *recordingPusher) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames[userID])
}

type droppingScheduler struct{}

func (droppingScheduler) Schedule(string, func(ctx context.Context)) bool { return false }
