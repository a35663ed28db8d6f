package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrRecordNotFound is returned when no layer record matches the id
var ErrRecordNotFound = errors.New("layer record not found")

// Status is the externally visible state of a layer record
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

const layersSchema = `
CREATE TABLE IF NOT EXISTS base_layers (
    id          UUID PRIMARY KEY,
    project_id  UUID        NOT NULL,
    name        TEXT        NOT NULL,
    kind        TEXT        NOT NULL,
    status      TEXT        NOT NULL DEFAULT 'PENDING',
    progress    REAL        NOT NULL DEFAULT 0,
    job_id      TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_base_layers_project_id ON base_layers (project_id);
CREATE INDEX IF NOT EXISTS idx_base_layers_job_id ON base_layers (job_id);
`

// Record mirrors one conversion's status for project listings
type Record struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Name      string    `db:"name"`
	Kind      string    `db:"kind"`
	Status    Status    `db:"status"`
	Progress  float64   `db:"progress"`
	JobID     string    `db:"job_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RecordStore persists layer records in PostgreSQL
type RecordStore struct {
	db *sqlx.DB
}

// NewRecordStore creates a RecordStore on the given database
func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

// EnsureSchema creates the base_layers table if missing
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, layersSchema); err != nil {
		return fmt.Errorf("failed to ensure base_layers schema: %w", err)
	}
	return nil
}

// Create inserts a pending record for a newly submitted conversion
func (s *RecordStore) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO base_layers (id, project_id, name, kind, status, progress, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ProjectID, rec.Name, rec.Kind, StatusPending, 0.0, rec.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to create layer record: %w", err)
	}

	return nil
}

// Get fetches a record by its id
func (s *RecordStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM base_layers WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get layer record: %w", err)
	}

	return &rec, nil
}

// ListByProject returns all layer records of a project, newest first
func (s *RecordStore) ListByProject(ctx context.Context, projectID string) ([]Record, error) {
	var recs []Record
	query := `SELECT * FROM base_layers WHERE project_id = $1 ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &recs, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list layer records: %w", err)
	}

	return recs, nil
}

// Advance applies a lifecycle transition to a record and links the job that
// drives it. Terminal statuses are never overwritten and progress never moves
// backwards: concurrent event delivery may reorder writes.
func (s *RecordStore) Advance(ctx context.Context, recordID, jobID string, status Status, progress float64) error {
	query := `
		UPDATE base_layers
		SET status = $2, progress = GREATEST(progress, $3), job_id = $4, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($5, $6)`

	res, err := s.db.ExecContext(ctx, query,
		recordID, status, progress, jobID, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update layer record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// SetProgress records a progress sample without touching status, so a stale
// sample can never walk a terminal record back to ACTIVE. A record that is
// not active updates nothing; droppable samples are not worth an error.
func (s *RecordStore) SetProgress(ctx context.Context, recordID string, progress float64) error {
	query := `
		UPDATE base_layers
		SET progress = GREATEST(progress, $2), updated_at = NOW()
		WHERE id = $1
		  AND status = $3`

	if _, err := s.db.ExecContext(ctx, query, recordID, progress, StatusActive); err != nil {
		return fmt.Errorf("failed to update layer progress: %w", err)
	}

	return nil
}
