package deferdelete

import (
	"context"
	"log/slog"
	"time"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/config"
)

// Store is the schedule persistence the scheduler runs against
type Store interface {
	Schedule(ctx context.Context, ref blobstore.Ref, deleteAt time.Time) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
}

// Deleter removes blobs. Deletion of an already-removed blob must succeed.
type Deleter interface {
	Delete(ctx context.Context, ref blobstore.Ref) error
}

// Scheduler arms deferred deletions for staged uploads and sweeps due
// entries in the background. Staged inputs are deleted by the pipelines on
// completion; the scheduler is the safety net for jobs that never ran or
// crashed before cleanup.
type Scheduler struct {
	store    Store
	deleter  Deleter
	ttl      time.Duration
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler with the configured TTL and sweep cadence
func NewScheduler(store Store, deleter Deleter, cfg *config.CleanupConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		deleter:  deleter,
		ttl:      cfg.StagingTTL,
		interval: cfg.SweepInterval,
		batch:    cfg.BatchSize,
		logger:   logger,
	}
}

// DeleteLater schedules the blob for deletion after the staging TTL
func (s *Scheduler) DeleteLater(ctx context.Context, ref blobstore.Ref) error {
	deleteAt := time.Now().Add(s.ttl)

	if err := s.store.Schedule(ctx, ref, deleteAt); err != nil {
		return err
	}

	s.logger.Debug("Blob deletion scheduled",
		slog.String("blob", ref.String()),
		slog.Time("delete_at", deleteAt),
	)
	return nil
}

// Run sweeps due deletions until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Deletion sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("staging_ttl", s.ttl),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Deletion sweeper stopped")
			return
		case <-ticker.C:
			if err := s.ProcessDue(ctx); err != nil {
				s.logger.Error("Deletion sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ProcessDue runs one sweep: claim due entries and delete their blobs
func (s *Scheduler) ProcessDue(ctx context.Context) error {
	entries, err := s.store.ClaimDue(ctx, time.Now(), s.batch)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := s.deleter.Delete(ctx, entry.Ref()); err != nil {
			s.logger.Error("Failed to delete expired blob",
				slog.String("blob", entry.Ref().String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Info("Expired blob deleted",
			slog.String("blob", entry.Ref().String()),
			slog.Time("scheduled_at", entry.CreatedAt),
		)
	}

	return nil
}
