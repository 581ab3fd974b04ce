package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/cron"
	"github.com/knothq/gated/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. This avoids fixed time.Sleep calls that cause flaky
// tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gated.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduler_FiresDueJob(t *testing.T) {
	store := openTestStore(t)
	eventBus := bus.New()
	ctx := context.Background()

	wakeSub := eventBus.Subscribe(bus.TopicWake)
	defer eventBus.Unsubscribe(wakeSub)

	// A job with next_run_at in the past fires on the first tick.
	past := time.Now().Add(-5 * time.Minute).UTC()
	job, err := store.AddCronJob(ctx, "morning", "*/5 * * * *", "good morning", true, &past)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Bus:      eventBus,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case ev := <-wakeSub.Ch():
		wake, ok := ev.Payload.(bus.WakeEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if wake.Text != "good morning" {
			t.Fatalf("wake text = %q", wake.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for wake event")
	}

	// The run is logged and the schedule advanced.
	waitFor(t, 3*time.Second, func() bool {
		runs, err := store.ListCronRuns(ctx, job.ID, 10)
		return err == nil && len(runs) >= 1 && runs[0].Status == "ok"
	})
	updated, err := store.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next_run_at not advanced: %v", updated.NextRunAt)
	}
}

func TestScheduler_SkipsDisabledJob(t *testing.T) {
	store := openTestStore(t)
	eventBus := bus.New()
	ctx := context.Background()

	wakeSub := eventBus.Subscribe(bus.TopicWake)
	defer eventBus.Unsubscribe(wakeSub)

	past := time.Now().Add(-5 * time.Minute).UTC()
	if _, err := store.AddCronJob(ctx, "off", "* * * * *", "", false, &past); err != nil {
		t.Fatalf("add job: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Bus:      eventBus,
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case <-wakeSub.Ch():
		t.Fatal("disabled job fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 7, 59, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 8 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := cron.ValidateSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if err := cron.ValidateSchedule("not a cron"); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	// 6-field (with seconds) expressions are not part of the accepted
	// format.
	if err := cron.ValidateSchedule("0 0 8 * * *"); err == nil {
		t.Fatal("6-field schedule accepted")
	}
}
