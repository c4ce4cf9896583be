// Package tasks runs deferred work off the request path on a fixed set of
// workers.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Scheduler accepts deferred work. Schedule never blocks; it reports false
// when the work was dropped.
type Scheduler interface {
	Schedule(name string, fn func(ctx context.Context)) bool
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Pool is a bounded queue drained by a fixed number of workers. A panicking
// job is logged and does not take its worker down.
type Pool struct {
	logger  zerolog.Logger
	queue   chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    atomic.Int64
}

func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger.With().Str("component", "tasks").Logger(),
		queue:  make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Schedule(name string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		p.logger.Warn().Str("task", name).Msg("task dropped: pool is shut down")
		return false
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn().Str("task", name).Int("queue_size", cap(p.queue)).Msg("task dropped: queue full")
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("task", j.name).Str("panic", fmt.Sprintf("%v", r)).Msg("task panicked")
		}
		p.done.Add(1)
	}()
	j.fn(p.ctx)
}

// Shutdown stops accepting work and waits for queued jobs to finish. If ctx
// expires first the context handed to running jobs is cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("tasks: shutdown: %w", ctx.Err())
	}
}

// Stats reports completed and dropped job counts plus the current backlog.
func (p *Pool) Stats() (completed, dropped int64, queued int) {
	return p.done.Load(), p.dropped.Load(), len(p.queue)
}

// Inline runs jobs synchronously on the caller's goroutine. Tests and
// one-shot CLI commands use it where a worker pool would outlive the process.
type Inline struct{}

func (Inline) Schedule(_ string, fn func(ctx context.Context)) bool {
	fn(context.Background())
	return true
}
