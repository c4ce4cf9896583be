package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/locker"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

// Cron runs periodic jobs. Each run first takes a leader lock named after the
// job so that only one server instance executes it.
type Cron struct {
	cron    *cron.Cron
	locker  locker.Locker
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewCron creates a stopped scheduler. timeout bounds a single run and is
// also the TTL of its leader lock.
func NewCron(l locker.Locker, timeout time.Duration, logger zerolog.Logger) *Cron {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:    cron.New(),
		locker:  l,
		logger:  logger.With().Str("component", "cron").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
}

// Add registers fn under name with a standard cron spec or a descriptor such
// as "@hourly" or "@every 10m".
func (c *Cron) Add(name, spec string, fn JobFunc) error {
	if _, err := c.cron.AddFunc(spec, func() { c.RunOnce(c.ctx, name, fn) }); err != nil {
		return fmt.Errorf("schedule job %s (%q): %w", name, spec, err)
	}
	return nil
}

// RunOnce executes fn if the leader lock for name can be taken. It reports
// whether fn ran.
func (c *Cron) RunOnce(ctx context.Context, name string, fn JobFunc) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := c.logger.With().Str("job", name).Logger()
	token, ok, err := c.locker.TryLock(ctx, "job:"+name, c.timeout)
	if err != nil {
		log.Warn().Err(err).Msg("leader lock attempt failed")
		return false
	}
	if !ok {
		log.Debug().Msg("leader lock held by another instance")
		return false
	}
	defer func() {
		if err := c.locker.Unlock(context.Background(), "job:"+name, token); err != nil {
			log.Warn().Err(err).Msg("release leader lock")
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		return true
	}
	log.Info().Dur("duration", time.Since(start)).Msg("job finished")
	return true
}

func (c *Cron) Start() {
	c.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return, or for ctx.
func (c *Cron) Stop(ctx context.Context) {
	c.cancel()
	done := c.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
