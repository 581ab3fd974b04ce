package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CronJob is one persisted schedule.
type CronJob struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Message   string     `json:"message,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// CronRun is one execution log entry.
type CronRun struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"jobId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// CronJobPatch carries mutable fields; nil means unchanged.
type CronJobPatch struct {
	Name     *string
	Schedule *string
	Message  *string
	Enabled  *bool
}

// AddCronJob persists a new schedule and returns it.
func (s *Store) AddCronJob(ctx context.Context, name, schedule, message string, enabled bool, nextRun *time.Time) (CronJob, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_jobs (id, name, schedule, message, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, name, schedule, message, boolToInt(enabled), nextRun)
		if err != nil {
			return fmt.Errorf("insert cron job: %w", err)
		}
		return nil
	})
	if err != nil {
		return CronJob{}, err
	}
	return s.GetCronJob(ctx, id)
}

// UpdateCronJob applies the non-nil fields of patch.
func (s *Store) UpdateCronJob(ctx context.Context, id string, patch CronJobPatch, nextRun *time.Time) (CronJob, error) {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Schedule != nil {
		sets = append(sets, "schedule = ?")
		args = append(args, *patch.Schedule)
	}
	if patch.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *patch.Message)
	}
	if patch.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*patch.Enabled))
	}
	if nextRun != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *nextRun)
	}
	args = append(args, id)

	query := "UPDATE cron_jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?;"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return CronJob{}, fmt.Errorf("update cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return CronJob{}, fmt.Errorf("update cron job %s: %w", id, sql.ErrNoRows)
	}
	return s.GetCronJob(ctx, id)
}

// RemoveCronJob deletes the job and its run log.
func (s *Store) RemoveCronJob(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cron_runs WHERE job_id = ?;`, id); err != nil {
			return fmt.Errorf("delete cron runs: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete cron job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete cron job %s: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

// GetCronJob returns one job by id.
func (s *Store) GetCronJob(ctx context.Context, id string) (CronJob, error) {
	var job CronJob
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, schedule, message, enabled, last_run_at, next_run_at, created_at, updated_at
		FROM cron_jobs WHERE id = ?;
	`, id).Scan(&job.ID, &job.Name, &job.Schedule, &job.Message, &enabled, &job.LastRunAt, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return CronJob{}, fmt.Errorf("get cron job %s: %w", id, err)
	}
	job.Enabled = enabled != 0
	return job, nil
}

// ListCronJobs returns all jobs ordered by creation.
func (s *Store) ListCronJobs(ctx context.Context) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, message, enabled, last_run_at, next_run_at, created_at, updated_at
		FROM cron_jobs ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		var job CronJob
		var enabled int
		if err := rows.Scan(&job.ID, &job.Name, &job.Schedule, &job.Message, &enabled, &job.LastRunAt, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		job.Enabled = enabled != 0
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cron job rows: %w", err)
	}
	return out, nil
}

// DueCronJobs returns enabled jobs whose next_run_at is at or before now.
func (s *Store) DueCronJobs(ctx context.Context, now time.Time) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, message, enabled, last_run_at, next_run_at, created_at, updated_at
		FROM cron_jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due cron jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		var job CronJob
		var enabled int
		if err := rows.Scan(&job.ID, &job.Name, &job.Schedule, &job.Message, &enabled, &job.LastRunAt, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan due cron job: %w", err)
		}
		job.Enabled = enabled != 0
		out = append(out, job)
	}
	return out, rows.Err()
}

// BeginCronRun logs a run start and advances the job's schedule bookkeeping.
func (s *Store) BeginCronRun(ctx context.Context, jobID string, nextRun *time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_runs (job_id, status) VALUES (?, 'running');
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("insert cron run: %w", err)
	}
	runID, _ := res.LastInsertId()
	_, err = s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run_at = CURRENT_TIMESTAMP, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, nextRun, jobID)
	if err != nil {
		return runID, fmt.Errorf("advance cron job: %w", err)
	}
	return runID, nil
}

// FinishCronRun records a run outcome.
func (s *Store) FinishCronRun(ctx context.Context, runID int64, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_runs SET finished_at = CURRENT_TIMESTAMP, status = ?, error = ? WHERE id = ?;
	`, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("finish cron run: %w", err)
	}
	return nil
}

// ListCronRuns returns the most recent runs for a job, newest first.
func (s *Store) ListCronRuns(ctx context.Context, jobID string, limit int) ([]CronRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, started_at, finished_at, status, error
		FROM cron_runs WHERE job_id = ?
		ORDER BY id DESC LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cron runs: %w", err)
	}
	defer rows.Close()

	var out []CronRun
	for rows.Next() {
		var run CronRun
		if err := rows.Scan(&run.ID, &run.JobID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.Error); err != nil {
			return nil, fmt.Errorf("scan cron run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
