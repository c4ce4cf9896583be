package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
)

// EventHandler turns one outbox event into notifications. It runs inside the
// transaction that marks the event processed; rows it writes through
// savepoints commit even when it reports an error, so a retried event must
// skip recipients already notified.
type EventHandler func(ctx context.Context, ev *OutboxEvent) error

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollInterval time.Duration
	// BatchSize caps the events handled per drain pass.
	BatchSize int
	// RetryStep is multiplied by the attempt count to delay a failed event.
	RetryStep time.Duration
	// MaxAttempts retires an event after this many failed attempts.
	MaxAttempts int
}

// Relay drains the notification outbox. It wakes on a poll interval and on
// Kick, and claims events with SKIP LOCKED so several instances can run it.
type Relay struct {
	outbox   OutboxRepository
	tx       db.Transactor
	cfg      RelayConfig
	logger   zerolog.Logger
	kick     chan struct{}
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewRelay(outbox OutboxRepository, tx db.Transactor, cfg RelayConfig, logger zerolog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{
		outbox:   outbox,
		tx:       tx,
		cfg:      cfg,
		logger:   logger.With().Str("component", "outbox-relay").Logger(),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
		handlers: make(map[string]EventHandler),
	}
}

// Handle registers fn for eventType, replacing any previous handler.
func (r *Relay) Handle(eventType string, fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = fn
}

// Kick asks the relay to drain now. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("poll_interval", r.cfg.PollInterval).Msg("outbox relay started")
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox drain failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

// Drain handles due events until none remain or BatchSize is reached. It
// returns the number of events processed successfully.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	processed := 0
	for i := 0; i < r.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		ok, more, err := r.processNext(ctx)
		if err != nil {
			return processed, err
		}
		if ok {
			processed++
		}
		if !more {
			break
		}
	}
	return processed, nil
}

// processNext claims and handles one event. more is false once the outbox
// has nothing due.
func (r *Relay) processNext(ctx context.Context) (ok, more bool, err error) {
	var failed *OutboxEvent
	var handlerErr error
	var dead bool

	err = r.tx.InTx(ctx, func(ctx context.Context) error {
		ev, err := r.outbox.ClaimNext(ctx, r.now())
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		more = true

		r.mu.RLock()
		h, found := r.handlers[ev.EventType]
		r.mu.RUnlock()
		if !found {
			r.logger.Warn().Str("event_type", ev.EventType).Str("event_id", ev.ID.String()).Msg("no handler for outbox event; dropping")
			return r.outbox.MarkProcessed(ctx, ev.ID, r.now())
		}

		// Recipients are savepointed individually, so the healthy ones
		// commit with the failure record.
		if err := h(ctx, ev); err != nil {
			failed, handlerErr = ev, err
			if ev.Attempts+1 >= r.cfg.MaxAttempts {
				dead = true
				return r.outbox.MarkDead(ctx, ev.ID, err.Error(), r.now())
			}
			return r.outbox.MarkFailed(ctx, ev.ID, err.Error(), r.retryAt(ev.Attempts+1))
		}
		ok = true
		return r.outbox.MarkProcessed(ctx, ev.ID, r.now())
	})
	if err != nil {
		return false, false, fmt.Errorf("process outbox event: %w", err)
	}
	if failed != nil {
		evt := r.logger.Warn()
		msg := "outbox event handler failed; will retry"
		if dead {
			evt, msg = r.logger.Error(), "outbox event handler failed; giving up"
		}
		evt.Err(handlerErr).
			Str("event_type", failed.EventType).
			Str("event_id", failed.ID.String()).
			Int("attempt", failed.Attempts+1).
			Msg(msg)
	}
	return ok, more, nil
}

func (r *Relay) retryAt(attempts int) time.Time {
	return r.now().Add(time.Duration(attempts) * r.cfg.RetryStep)
}

// PurgeJob deletes events processed longer than retention ago.
func (r *Relay) PurgeJob(retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := r.outbox.PurgeProcessed(ctx, r.now().Add(-retention))
		if err != nil {
			return err
		}
		r.logger.Info().Int64("deleted", n).Dur("retention", retention).Msg("outbox purged")
		return nil
	}
}
