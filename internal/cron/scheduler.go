// Package cron provides a periodic scheduler that fires due cron jobs by
// publishing wake events on the bus and logging each run in the store.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30s if zero
}

// Scheduler periodically queries the store for due cron jobs and fires
// each one.
type Scheduler struct {
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due jobs and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueCronJobs(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due jobs", "error", err)
		return
	}
	for _, job := range due {
		s.Fire(ctx, job, now)
	}
}

// Fire runs one job: logs the run, advances the schedule, and publishes
// the wake event carrying the job's message. Also used by cron.run for
// manual triggers.
func (s *Scheduler) Fire(ctx context.Context, job persistence.CronJob, now time.Time) {
	next, err := NextRunTime(job.Schedule, now)
	var nextPtr *time.Time
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"job_id", job.ID,
			"schedule", job.Schedule,
			"error", err,
		)
	} else {
		nextPtr = &next
	}

	runID, err := s.store.BeginCronRun(ctx, job.ID, nextPtr)
	if err != nil {
		s.logger.Error("cron: failed to log run", "job_id", job.ID, "error", err)
		return
	}

	status, errMsg := "ok", ""
	if s.bus != nil {
		s.bus.Publish(bus.TopicWake, bus.WakeEvent{
			Mode:   "now",
			Reason: "cron:" + job.Name,
			Text:   job.Message,
		})
		s.bus.Publish(bus.TopicCronFired, bus.CronFiredEvent{
			JobID:  job.ID,
			Name:   job.Name,
			Status: status,
		})
	}

	if err := s.store.FinishCronRun(ctx, runID, status, errMsg); err != nil {
		s.logger.Error("cron: failed to finish run", "job_id", job.ID, "error", err)
		return
	}

	s.logger.Info("cron: job fired",
		"job_id", job.ID,
		"job_name", job.Name,
		"run_id", runID,
		"next_run_at", nextPtr,
	)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateSchedule reports whether the expression parses.
func ValidateSchedule(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	return err
}
