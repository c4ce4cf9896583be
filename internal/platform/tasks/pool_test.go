package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPool_RunsScheduledJobs(t *testing.T) {
	p := NewPool(2, 10, zerolog.Nop())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		if !p.Schedule("count", func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}) {
			t.Fatalf("job %d unexpectedly dropped", i)
		}
	}
	wg.Wait()

	if count.Load() != 5 {
		t.Errorf("expected 5 jobs run, got %d", count.Load())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPool_DropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())

	block := make(chan struct{})
	started := make(chan struct{})
	p.Schedule("blocker", func(ctx context.Context) {
		close(started)
		<-block
	})
	<-started

	if !p.Schedule("queued", func(ctx context.Context) {}) {
		t.Fatal("expected second job to fit in the queue")
	}
	if p.Schedule("overflow", func(ctx context.Context) {}) {
		t.Error("expected third job to be dropped")
	}

	_, dropped, _ := p.Stats()
	if dropped != 1 {
		t.Errorf("expected 1 dropped job, got %d", dropped)
	}

	close(block)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPool_ScheduleAfterShutdown(t *testing.T) {
	p := NewPool(1, 4, zerolog.Nop())
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if p.Schedule("late", func(ctx context.Context) {}) {
		t.Error("expected schedule after shutdown to fail")
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, 4, zerolog.Nop())

	done := make(chan struct{})
	p.Schedule("panics", func(ctx context.Context) { panic("boom") })
	p.Schedule("after", func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	p.Shutdown(context.Background())
}

func TestPool_ShutdownTimeoutCancelsJobs(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())

	cancelled := make(chan struct{})
	started := make(chan struct{})
	p.Schedule("slow", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Error("expected shutdown to report the deadline")
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job context was not cancelled")
	}
}

func TestInline(t *testing.T) {
	ran := false
	if !(Inline{}).Schedule("x", func(ctx context.Context) { ran = true }) {
		t.Fatal("inline schedule returned false")
	}
	if !ran {
		t.Error("expected job to run synchronously")
	}
}
