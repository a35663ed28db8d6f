package jobqueue

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultProgressWindow is the minimum interval between persisted progress
// writes for a single job. Stage callbacks can fire far more often; the
// coalescer keeps the backend write rate bounded.
const DefaultProgressWindow = 2 * time.Second

// Publisher dispatches job messages to the queue transport
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Queue is the typed conversion job queue: durable records in the store,
// dispatch over the publisher, lifecycle events on the broker
type Queue struct {
	store  Store
	pub    Publisher
	broker *Broker
	logger *slog.Logger
	window time.Duration

	mu        sync.Mutex
	throttles map[string]*Coalescer
}

// Option configures a Queue
type Option func(*Queue)

// WithProgressWindow overrides the progress coalescing window
func WithProgressWindow(window time.Duration) Option {
	return func(q *Queue) { q.window = window }
}

// New creates a Queue
func New(store Store, pub Publisher, broker *Broker, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		pub:       pub,
		broker:    broker,
		logger:    logger,
		window:    DefaultProgressWindow,
		throttles: make(map[string]*Coalescer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates a WAITING job and dispatches it to the kind's queue. The
// returned job carries the secret, when one was requested; it is never
// exposed again through any read path other than secret verification.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload Payload, opts SubmitOptions) (*Job, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}

	job := &Job{
		ID:      uuid.New().String(),
		Kind:    kind,
		State:   StateWaiting,
		Payload: payload,
	}

	if opts.WithSecret {
		secret, err := newSecret()
		if err != nil {
			return nil, err
		}
		job.Secret = secret
	}

	if err := q.store.Create(ctx, job); err != nil {
		return nil, err
	}

	body, err := json.Marshal(DispatchMessage{JobID: job.ID, Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	if err := q.pub.Publish(ctx, kind.RoutingKey(), body, "application/json"); err != nil {
		// The job row stays WAITING; the stalled path never reaps it because
		// it was never claimed, so surface the dispatch failure to the caller.
		return nil, fmt.Errorf("failed to dispatch job %s: %w", job.ID, err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
	)

	return job, nil
}

// Get retrieves a job by id
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.store.Get(ctx, jobID)
}

// Activate claims a WAITING job for a worker and emits the active event
func (q *Queue) Activate(ctx context.Context, jobID, workerID string) (*Job, error) {
	job, err := q.store.Claim(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}

	q.broker.Publish(Event{
		Type:          EventActive,
		JobID:         job.ID,
		CorrelationID: job.Payload.RecordID,
		Kind:          job.Kind,
	})

	return job, nil
}

// UpdateProgress records a progress sample for an active job. Values are
// clamped to [0,100] and coalesced per job: within the window only the most
// recent sample is retained, so bursts of stage callbacks do not translate
// into unbounded store writes.
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, value float64) error {
	value = clampProgress(value)

	emit, ok := q.throttleFor(job.ID).Offer(value)
	if !ok {
		return nil
	}

	return q.writeProgress(ctx, job, emit)
}

// Complete transitions a job to COMPLETED and emits the completed event
func (q *Queue) Complete(ctx context.Context, job *Job, result *Result) error {
	if err := q.store.Complete(ctx, job.ID, result); err != nil {
		return err
	}
	q.dropThrottle(job.ID)

	q.broker.Publish(Event{
		Type:          EventCompleted,
		JobID:         job.ID,
		CorrelationID: job.Payload.RecordID,
		Kind:          job.Kind,
		Progress:      100,
	})

	q.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
	)

	return nil
}

// Fail transitions a job to FAILED with a stable classification. Any progress
// sample still held by the throttle is written first so the frozen value is
// the last one actually reported.
func (q *Queue) Fail(ctx context.Context, job *Job, errorClass string) error {
	if pending, ok := q.throttleFor(job.ID).Flush(); ok {
		if err := q.writeProgress(ctx, job, pending); err != nil {
			q.logger.Warn("Failed to write final progress before failing job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
	q.dropThrottle(job.ID)

	if err := q.store.Fail(ctx, job.ID, errorClass); err != nil {
		return err
	}

	q.broker.Publish(Event{
		Type:          EventFailed,
		JobID:         job.ID,
		CorrelationID: job.Payload.RecordID,
		Kind:          job.Kind,
		Progress:      job.Progress,
		ErrorClass:    errorClass,
	})

	q.logger.Info("Job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("error_class", errorClass),
	)

	return nil
}

// Heartbeat refreshes the liveness timestamp of an active job
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	return q.store.Heartbeat(ctx, jobID)
}

// SweepStalled marks active jobs without a recent heartbeat as STALLED and
// emits a stalled event for each. Downstream consumers treat stalled exactly
// like failed.
func (q *Queue) SweepStalled(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := q.store.MarkStalled(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		q.dropThrottle(job.ID)
		q.broker.Publish(Event{
			Type:          EventStalled,
			JobID:         job.ID,
			CorrelationID: job.Payload.RecordID,
			Kind:          job.Kind,
			Progress:      job.Progress,
			ErrorClass:    ClassStalled,
		})

		q.logger.Warn("Job stalled - no heartbeat within interval",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.String("worker_id", job.WorkerID),
		)
	}

	return len(jobs), nil
}

// Events returns the broker carrying this queue's lifecycle events
func (q *Queue) Events() *Broker {
	return q.broker
}

func (q *Queue) writeProgress(ctx context.Context, job *Job, value float64) error {
	updated, err := q.store.SetProgress(ctx, job.ID, value)
	if err != nil {
		return err
	}
	if !updated {
		// The job left ACTIVE under us, e.g. the stalled sweep reaped it
		// while the worker was still running. The sample is stale; emitting
		// it would walk a terminal record back.
		q.logger.Debug("Dropped progress sample for inactive job",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	q.broker.Publish(Event{
		Type:          EventProgress,
		JobID:         job.ID,
		CorrelationID: job.Payload.RecordID,
		Kind:          job.Kind,
		Progress:      value,
	})

	return nil
}

func (q *Queue) throttleFor(jobID string) *Coalescer {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.throttles[jobID]
	if !ok {
		c = NewCoalescer(q.window, nil)
		q.throttles[jobID] = c
	}
	return c
}

func (q *Queue) dropThrottle(jobID string) {
	q.mu.Lock()
	delete(q.throttles, jobID)
	q.mu.Unlock()
}

func clampProgress(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

// newSecret returns a cryptographically random token
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate job secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifySecret reports whether the presented secret matches the job's. Jobs
// created without a secret always verify. The comparison is constant time
// and callers must map a mismatch to ErrJobNotFound, indistinguishable from
// an unknown job id.
func VerifySecret(job *Job, secret string) bool {
	if job.Secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(job.Secret), []byte(secret)) == 1
}
