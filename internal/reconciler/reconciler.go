package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// Updater applies status changes to layer records
type Updater interface {
	Advance(ctx context.Context, recordID, jobID string, status Status, progress float64) error
	SetProgress(ctx context.Context, recordID string, progress float64) error
}

// Reconciler mirrors job lifecycle events into layer records so project
// listings can show conversion state without touching the queue
type Reconciler struct {
	broker     *jobqueue.Broker
	store      Updater
	logger     *slog.Logger
	retryDelay time.Duration
}

// New creates a Reconciler on the given event broker and record store
func New(broker *jobqueue.Broker, store Updater, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		broker:     broker,
		store:      store,
		logger:     logger,
		retryDelay: 200 * time.Millisecond,
	}
}

// Run consumes events until the context is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Status reconciler started")

	events := r.broker.Subscribe(ctx, "")
	for event := range events {
		r.apply(ctx, event)
	}

	r.logger.Info("Status reconciler stopped")
}

func (r *Reconciler) apply(ctx context.Context, event jobqueue.Event) {
	// jobs submitted outside a project carry no record to mirror
	if event.CorrelationID == "" {
		return
	}

	// Progress samples only move the progress column. Status stays whatever
	// the lifecycle events made it, so a late sample from a worker whose job
	// was already swept cannot reactivate a terminal record.
	if event.Type == jobqueue.EventProgress {
		if err := r.store.SetProgress(ctx, event.CorrelationID, event.Progress); err != nil {
			r.logger.Warn("Failed to mirror progress sample",
				slog.String("job_id", event.JobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	status, progress := translate(event)

	// The record insert and the job dispatch are separate writes; an active
	// event can race the insert. Retry briefly before giving up.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = r.store.Advance(ctx, event.CorrelationID, event.JobID, status, progress)
		if !errors.Is(err, ErrRecordNotFound) {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryDelay):
		}
	}

	if err != nil {
		r.logger.Error("Failed to reconcile layer record",
			slog.String("job_id", event.JobID),
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("Layer record reconciled",
		slog.String("job_id", event.JobID),
		slog.String("status", string(status)),
		slog.Float64("progress", progress),
	)
}

// translate maps a lifecycle event to the record status and progress floor.
// Failed and stalled jobs keep the progress they reached; the store's
// monotonic guard preserves the last reported value when we pass it through.
func translate(event jobqueue.Event) (Status, float64) {
	switch event.Type {
	case jobqueue.EventActive:
		return StatusActive, 0
	case jobqueue.EventCompleted:
		return StatusCompleted, 100
	default:
		return StatusFailed, event.Progress
	}
}
