package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists job records. The worker and API services share the SQL
// implementation; tests use an in-memory one.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Claim(ctx context.Context, jobID, workerID string) (*Job, error)
	SetProgress(ctx context.Context, jobID string, progress float64) (bool, error)
	Complete(ctx context.Context, jobID string, result *Result) error
	Fail(ctx context.Context, jobID, errorClass string) error
	Heartbeat(ctx context.Context, jobID string) error
	MarkStalled(ctx context.Context, cutoff time.Time) ([]*Job, error)
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	job_id            TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	state             TEXT NOT NULL,
	progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
	payload           TEXT NOT NULL,
	secret            TEXT NOT NULL DEFAULT '',
	result            TEXT,
	error_class       TEXT NOT NULL DEFAULT '',
	worker_id         TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_state_heartbeat
	ON conversion_jobs (state, last_heartbeat_at);
`

// SQLStore is the PostgreSQL-backed job store
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore creates a SQLStore
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

// EnsureSchema creates the jobs table if it does not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID           string         `db:"job_id"`
	Kind            string         `db:"kind"`
	State           string         `db:"state"`
	Progress        float64        `db:"progress"`
	Payload         string         `db:"payload"`
	Secret          string         `db:"secret"`
	Result          sql.NullString `db:"result"`
	ErrorClass      string         `db:"error_class"`
	WorkerID        string         `db:"worker_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StartedAt       *time.Time     `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	LastHeartbeatAt *time.Time     `db:"last_heartbeat_at"`
}

const jobColumns = `job_id, kind, state, progress, payload, secret, result,
	error_class, worker_id, created_at, updated_at, started_at, completed_at,
	last_heartbeat_at`

func (r *jobRow) toJob() (*Job, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}

	var result *Result
	if r.Result.Valid && r.Result.String != "" {
		result = &Result{}
		if err := json.Unmarshal([]byte(r.Result.String), result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
	}

	return &Job{
		ID:              r.JobID,
		Kind:            Kind(r.Kind),
		State:           State(r.State),
		Progress:        r.Progress,
		Payload:         payload,
		Secret:          r.Secret,
		Result:          result,
		ErrorClass:      r.ErrorClass,
		WorkerID:        r.WorkerID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
	}, nil
}

// Create inserts a new job record
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	query := `
		INSERT INTO conversion_jobs (job_id, kind, state, progress, payload, secret)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Kind), string(job.State), job.Progress, string(payload), job.Secret)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// Get retrieves a job by id
func (s *SQLStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &row, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob()
}

// Claim transitions a job WAITING -> ACTIVE for the given worker using a
// conditional update so concurrent claims cannot both win
func (s *SQLStore) Claim(ctx context.Context, jobID, workerID string) (*Job, error) {
	query := `
		UPDATE conversion_jobs
		SET state = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND state = $4
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(StateActive), workerID, jobID, string(StateWaiting))
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return row.toJob()
}

// SetProgress records progress for an active job and reports whether a row
// was updated. The conditional update keeps the stored value monotonic even
// if writes race; a sample for a job that is no longer active updates
// nothing, so a worker whose job was swept to STALLED cannot revive it.
func (s *SQLStore) SetProgress(ctx context.Context, jobID string, progress float64) (bool, error) {
	query := `
		UPDATE conversion_jobs
		SET progress = $2,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND state = $3
		  AND progress <= $2
	`

	res, err := s.db.ExecContext(ctx, query, jobID, progress, string(StateActive))
	if err != nil {
		return false, fmt.Errorf("failed to update job progress: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// Complete transitions a job to COMPLETED with its result. Terminal states
// are never overwritten.
func (s *SQLStore) Complete(ctx context.Context, jobID string, result *Result) error {
	var encoded sql.NullString
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		encoded = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		UPDATE conversion_jobs
		SET state = $2,
		    progress = 100,
		    result = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND state = $4
	`

	res, err := s.db.ExecContext(ctx, query, jobID, string(StateCompleted), encoded, string(StateActive))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return s.requireTransition(res, jobID)
}

// Fail transitions a job to FAILED with a stable error classification,
// freezing progress at its last reported value
func (s *SQLStore) Fail(ctx context.Context, jobID, errorClass string) error {
	query := `
		UPDATE conversion_jobs
		SET state = $2,
		    error_class = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND state IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query,
		jobID, string(StateFailed), errorClass, string(StateActive), string(StateWaiting))
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	return s.requireTransition(res, jobID)
}

// Heartbeat refreshes the liveness timestamp of an active job
func (s *SQLStore) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE conversion_jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND state = $2
	`

	res, err := s.db.ExecContext(ctx, query, jobID, string(StateActive))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be active)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// MarkStalled transitions every active job whose heartbeat is older than
// cutoff to STALLED and returns the affected jobs
func (s *SQLStore) MarkStalled(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	query := `
		UPDATE conversion_jobs
		SET state = $1,
		    error_class = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE state = $3
		  AND last_heartbeat_at < $4
		RETURNING ` + jobColumns

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(StateStalled), ClassStalled, string(StateActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stalled jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *SQLStore) requireTransition(res sql.Result, jobID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrJobTerminal)
	}

	return nil
}
