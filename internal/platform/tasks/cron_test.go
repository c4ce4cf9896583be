package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/locker"
)

func TestCron_RunOnceTakesLock(t *testing.T) {
	l := locker.NewLocalLocker()
	c := NewCron(l, time.Minute, zerolog.Nop())

	runs := 0
	if !c.RunOnce(context.Background(), "sweep", func(context.Context) error { runs++; return nil }) {
		t.Fatal("expected job to run")
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}

	// The lock is released after the run.
	if _, ok, _ := l.TryLock(context.Background(), "job:sweep", time.Minute); !ok {
		t.Error("expected lock to be released after run")
	}
}

func TestCron_RunOnceSkipsWhenLocked(t *testing.T) {
	l := locker.NewLocalLocker()
	if _, ok, _ := l.TryLock(context.Background(), "job:sweep", time.Minute); !ok {
		t.Fatal("setup: lock not acquired")
	}
	c := NewCron(l, time.Minute, zerolog.Nop())

	ran := c.RunOnce(context.Background(), "sweep", func(context.Context) error {
		t.Error("job must not run while another instance holds the lock")
		return nil
	})
	if ran {
		t.Error("expected RunOnce to report false")
	}
}

func TestCron_RunOnceJobError(t *testing.T) {
	c := NewCron(locker.NewLocalLocker(), time.Minute, zerolog.Nop())
	if !c.RunOnce(context.Background(), "fail", func(context.Context) error { return errors.New("boom") }) {
		t.Error("a failing job still counts as run")
	}
}

func TestCron_AddInvalidSpec(t *testing.T) {
	c := NewCron(locker.NewLocalLocker(), time.Minute, zerolog.Nop())
	if err := c.Add("bad", "not a spec", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := c.Add("ok", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	c.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)
}
