package models

import "time"

// Batch job lifecycle states. A job is created as running and transitions
// exactly once to one of the terminal states.
const (
	JobStatusPending             = "pending"
	JobStatusRunning             = "running"
	JobStatusCompleted           = "completed"
	JobStatusCompletedWithErrors = "completed_with_errors"
	JobStatusFailed              = "failed"
)

// Job types recorded in batch_jobs.job_type.
const (
	JobTypeUniverseFull = "universe_full"
)

// BatchJob tracks one background cache-population run.
type BatchJob struct {
	ID               int64      `json:"id" db:"id"`
	JobType          string     `json:"job_type" db:"job_type"`
	Status           string     `json:"status" db:"status"`
	TickersTotal     int        `json:"tickers_total" db:"tickers_total"`
	TickersProcessed int        `json:"tickers_processed" db:"tickers_processed"`
	TickersFailed    int        `json:"tickers_failed" db:"tickers_failed"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorSummary     string     `json:"error_summary,omitempty" db:"error_summary"`
}

// IsTerminal reports whether the job has reached a final state.
func (j *BatchJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	}
	return false
}

// Job event types published over messaging.
const (
	JobEventProgress  = "progress"
	JobEventCompleted = "completed"
)

// JobEvent is the message published for job progress and completion.
type JobEvent struct {
	JobID     int64     `json:"job_id"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
