package deferdelete

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mklotz/geoconvert/internal/blobstore"
)

const deletionsSchema = `
CREATE TABLE IF NOT EXISTS deferred_deletions (
    id          BIGSERIAL PRIMARY KEY,
    container   TEXT        NOT NULL,
    key         TEXT        NOT NULL,
    delete_at   TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_deferred_deletions_delete_at
    ON deferred_deletions (delete_at);
`

// Entry is one scheduled blob deletion
type Entry struct {
	ID        int64     `db:"id"`
	Container string    `db:"container"`
	Key       string    `db:"key"`
	DeleteAt  time.Time `db:"delete_at"`
	CreatedAt time.Time `db:"created_at"`
}

// Ref returns the blob reference the entry points at
func (e Entry) Ref() blobstore.Ref {
	return blobstore.Ref{Container: e.Container, Key: e.Key}
}

// SQLStore persists deletion schedules in PostgreSQL
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a SQLStore on the given database
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema creates the deferred_deletions table if missing
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, deletionsSchema); err != nil {
		return fmt.Errorf("failed to ensure deferred_deletions schema: %w", err)
	}
	return nil
}

// Schedule records that the blob should be deleted once the TTL elapses
func (s *SQLStore) Schedule(ctx context.Context, ref blobstore.Ref, deleteAt time.Time) error {
	query := `
		INSERT INTO deferred_deletions (container, key, delete_at)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, ref.Container, ref.Key, deleteAt); err != nil {
		return fmt.Errorf("failed to schedule deletion of %s: %w", ref, err)
	}

	return nil
}

// ClaimDue removes and returns up to limit entries whose delete time has
// passed. Claiming deletes the rows so a crashed sweep at worst leaves the
// blob alone until an operator re-arms it, never double-frees a row across
// concurrent sweepers.
func (s *SQLStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	query := `
		DELETE FROM deferred_deletions
		WHERE id IN (
			SELECT id FROM deferred_deletions
			WHERE delete_at <= $1
			ORDER BY delete_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, container, key, delete_at, created_at`

	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to claim due deletions: %w", err)
	}

	return entries, nil
}
