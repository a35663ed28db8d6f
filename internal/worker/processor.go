package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/pipeline"
)

// processJob claims the job and runs its conversion pipeline to a terminal
// state. The returned error only steers the message acknowledgment; the
// job's own outcome is recorded on the job row before this returns.
func (s *Service) processJob(ctx context.Context, workerName, jobID string) error {
	job, err := s.queue.Activate(ctx, jobID, workerName)
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobAlreadyClaimed) {
			s.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", jobID),
				slog.String("worker_name", workerName),
			)
			return fmt.Errorf("job %s: %w", jobID, err)
		}
		if errors.Is(err, jobqueue.ErrJobNotFound) || errors.Is(err, jobqueue.ErrJobTerminal) {
			return fmt.Errorf("job %s: %w", jobID, err)
		}
		// database error, likely transient
		return NewRetryableError(fmt.Errorf("failed to claim job %s: %w", jobID, err))
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("worker_name", workerName),
	)

	heartbeatDone := make(chan struct{})
	go s.sendHeartbeat(ctx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	if job.Payload.ThreadCount == 0 {
		job.Payload.ThreadCount = s.threadCountFor(job.Kind)
	}

	scratch := filepath.Join(s.cfg.ScratchDir, job.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		s.fail(ctx, job, jobqueue.ClassConversionFailed, err)
		return fmt.Errorf("failed to create scratch for job %s: %w", job.ID, err)
	}

	pl, result, err := s.build(job, scratch, s.deps)
	if err != nil {
		s.fail(ctx, job, jobqueue.ClassConversionFailed, err)
		return fmt.Errorf("failed to build pipeline for job %s: %w", job.ID, err)
	}

	execErr := pl.Execute(ctx, func(progress float64) {
		if err := s.queue.UpdateProgress(ctx, job, progress); err != nil {
			s.logger.Warn("Failed to record job progress",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	})
	if execErr != nil {
		s.fail(ctx, job, pipeline.Classify(execErr), execErr)
		// conversions are not retried; the failure is on the record
		return fmt.Errorf("job %s conversion failed: %w", job.ID, execErr)
	}

	if err := s.queue.Complete(ctx, job, result); err != nil {
		s.logger.Error("Failed to mark job completed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return NewRetryableError(fmt.Errorf("failed to complete job %s: %w", job.ID, err))
	}

	s.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("output", result.OutputContainer+"/"+result.OutputKey),
	)
	return nil
}

// fail records the terminal failure; the sweep covers us if even this write
// cannot reach the database
func (s *Service) fail(ctx context.Context, job *jobqueue.Job, class string, cause error) {
	s.logger.Error("Job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("class", class),
		slog.String("error", cause.Error()),
	)

	if err := s.queue.Fail(ctx, job, class); err != nil {
		s.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// threadCountFor returns the configured tool parallelism for a kind
func (s *Service) threadCountFor(kind jobqueue.Kind) int {
	if kc, ok := s.cfg.Kinds[string(kind)]; ok && kc.ThreadCount > 0 {
		return kc.ThreadCount
	}
	return 1
}

// sendHeartbeat refreshes the job's heartbeat until the job settles
func (s *Service) sendHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.queue.Heartbeat(ctx, jobID); err != nil {
				s.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
