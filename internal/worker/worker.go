package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mklotz/geoconvert/internal/config"
	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/pipeline"
	"github.com/mklotz/geoconvert/shared/rabbitmq"
)

// Queue is the job queue surface the worker drives
type Queue interface {
	Activate(ctx context.Context, jobID, workerID string) (*jobqueue.Job, error)
	UpdateProgress(ctx context.Context, job *jobqueue.Job, value float64) error
	Complete(ctx context.Context, job *jobqueue.Job, result *jobqueue.Result) error
	Fail(ctx context.Context, job *jobqueue.Job, errorClass string) error
	Heartbeat(ctx context.Context, jobID string) error
	SweepStalled(ctx context.Context, cutoff time.Time) (int, error)
}

// BuildFunc assembles the conversion pipeline for a claimed job
type BuildFunc func(job *jobqueue.Job, scratch string, deps pipeline.Deps) (*pipeline.Pipeline, *jobqueue.Result, error)

// Config holds worker service configuration
type Config struct {
	Logger       *slog.Logger
	Queue        Queue
	RabbitClient *rabbitmq.Client
	Deps         pipeline.Deps
	Worker       *config.WorkerConfig
	Build        BuildFunc
}

// Service consumes dispatch messages and runs conversion pipelines. Each
// conversion kind gets its own consumer and worker pool so a burst of heavy
// jobs of one kind cannot starve the others.
type Service struct {
	logger       *slog.Logger
	queue        Queue
	rabbitClient *rabbitmq.Client
	deps         pipeline.Deps
	cfg          *config.WorkerConfig
	build        BuildFunc
	workerID     string
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// NewService creates a worker service
func NewService(cfg *Config) *Service {
	build := cfg.Build
	if build == nil {
		build = pipeline.Build
	}

	return &Service{
		logger:       cfg.Logger,
		queue:        cfg.Queue,
		rabbitClient: cfg.RabbitClient,
		deps:         cfg.Deps,
		cfg:          cfg.Worker,
		build:        build,
		workerID:     "worker-" + uuid.New().String()[:8],
		stopChan:     make(chan struct{}),
	}
}

// Start begins consuming all conversion kinds and runs until ctx is canceled
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting worker service",
		slog.String("worker_id", s.workerID),
		slog.String("scratch_dir", s.cfg.ScratchDir),
	)

	for _, kind := range jobqueue.Kinds() {
		if err := s.startKind(ctx, kind); err != nil {
			return fmt.Errorf("failed to start consumer for %s: %w", kind, err)
		}
	}

	s.wg.Add(1)
	go s.stalledSweepLoop(ctx)

	<-ctx.Done()
	s.logger.Info("Worker service context canceled, stopping...")
	return nil
}

// Stop waits for in-flight jobs to finish, up to the shutdown timeout
func (s *Service) Stop() {
	s.logger.Info("Stopping worker service...")
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Worker service stopped")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("Worker service shutdown timed out with jobs in flight",
			slog.Duration("timeout", s.cfg.ShutdownTimeout),
		)
	}
}

// concurrencyFor returns the configured pool size for a kind
func (s *Service) concurrencyFor(kind jobqueue.Kind) int {
	if kc, ok := s.cfg.Kinds[string(kind)]; ok && kc.Concurrency > 0 {
		return kc.Concurrency
	}
	return 1
}

// stalledSweepLoop periodically marks jobs with expired heartbeats. Every
// worker runs the sweep; the conditional update makes concurrent sweeps safe.
func (s *Service) stalledSweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StalledSweepInterval)
	defer ticker.Stop()

	s.logger.Info("Stalled job sweeper started",
		slog.Duration("interval", s.cfg.StalledSweepInterval),
		slog.Duration("stalled_after", s.cfg.StalledInterval),
	)

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.StalledInterval)
			count, err := s.queue.SweepStalled(ctx, cutoff)
			if err != nil {
				s.logger.Error("Stalled job sweep failed", slog.String("error", err.Error()))
				continue
			}
			if count > 0 {
				s.logger.Warn("Stalled jobs marked", slog.Int("count", count))
			}
		}
	}
}
