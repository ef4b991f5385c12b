package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/price-cache/pkg/models"
)

// Batch job rows. A job is inserted already running with its total fixed;
// progress counters only grow, and the status moves exactly once to a
// terminal value via CompleteJob.

// CreateJob inserts a new running job row and returns its id.
func (mc *MySQLClient) CreateJob(ctx context.Context, jobType string, tickersTotal int) (int64, error) {
	res, err := mc.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (job_type, status, tickers_total, started_at)
		VALUES (?, ?, ?, NOW())
	`, jobType, models.JobStatusRunning, tickersTotal)
	if err != nil {
		return 0, fmt.Errorf("failed to create job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}

	return id, nil
}

// UpdateJobProgress persists the processed/failed counters for a job.
func (mc *MySQLClient) UpdateJobProgress(ctx context.Context, jobID int64, processed, failed int) error {
	_, err := mc.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET tickers_processed = ?, tickers_failed = ?
		WHERE id = ?
	`, processed, failed, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// CompleteJob transitions a job to a terminal status.
func (mc *MySQLClient) CompleteJob(ctx context.Context, jobID int64, status, errorSummary string) error {
	_, err := mc.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = ?, completed_at = NOW(), error_summary = ?
		WHERE id = ?
	`, status, errorSummary, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// GetJob returns one job by id, or nil when absent.
func (mc *MySQLClient) GetJob(ctx context.Context, jobID int64) (*models.BatchJob, error) {
	return mc.scanJob(mc.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, tickers_total, tickers_processed,
		       tickers_failed, started_at, completed_at, COALESCE(error_summary, '')
		FROM batch_jobs
		WHERE id = ?
	`, jobID))
}

// GetLatestJob returns the most recently started job, or nil when none exist.
func (mc *MySQLClient) GetLatestJob(ctx context.Context) (*models.BatchJob, error) {
	return mc.scanJob(mc.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, tickers_total, tickers_processed,
		       tickers_failed, started_at, completed_at, COALESCE(error_summary, '')
		FROM batch_jobs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`))
}

// CountJobsByStatus returns job counts grouped by status.
func (mc *MySQLClient) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := mc.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM batch_jobs
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func (mc *MySQLClient) scanJob(row *sql.Row) (*models.BatchJob, error) {
	job := &models.BatchJob{}
	err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Status,
		&job.TickersTotal,
		&job.TickersProcessed,
		&job.TickersFailed,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorSummary,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return job, nil
}
