package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/jobqueue"
)

var (
	// ErrJobNotReady is returned when a result is requested before the job
	// completed
	ErrJobNotReady = errors.New("job has not completed")

	// ErrNotCollectable is returned when a multi-file result is asked to be
	// copied into a project container
	ErrNotCollectable = errors.New("only project-model results can be collected into a project container")
)

// JobSource fetches job records
type JobSource interface {
	Get(ctx context.Context, jobID string) (*jobqueue.Job, error)
}

// ResultBlobs issues read URLs for result blobs and copies them into project
// containers
type ResultBlobs interface {
	PresignGet(ctx context.Context, ref blobstore.Ref) (string, time.Time, error)
	Copy(ctx context.Context, src, dst blobstore.Ref) error
}

// JobStatus is the externally visible view of a job. Failed jobs expose the
// error class only; internal error details stay in the logs.
type JobStatus struct {
	JobID      string         `json:"job_id"`
	Kind       jobqueue.Kind  `json:"kind"`
	State      jobqueue.State `json:"state"`
	Progress   float64        `json:"progress"`
	ErrorClass string         `json:"error_class,omitempty"`
}

// ResultAccess is a time-boxed link to a completed job's output
type ResultAccess struct {
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Container   string    `json:"container"`
	Key         string    `json:"key"`
	ModelMatrix []float64 `json:"model_matrix,omitempty"`
}

// Gate mediates access to job status and results. Every read requires the
// job's secret; a wrong secret is answered exactly like an unknown job id so
// the endpoint cannot be used to enumerate jobs.
type Gate struct {
	jobs   JobSource
	blobs  ResultBlobs
	cache  *StatusCache
	logger *slog.Logger
}

// New creates a Gate. cache may be nil to disable status caching.
func New(jobs JobSource, blobs ResultBlobs, cache *StatusCache, logger *slog.Logger) *Gate {
	return &Gate{jobs: jobs, blobs: blobs, cache: cache, logger: logger}
}

// Status returns the job's visible status. Terminal statuses are served from
// the cache when present; the secret is verified on hits and misses alike.
func (g *Gate) Status(ctx context.Context, jobID, secret string) (*JobStatus, error) {
	if status, jobSecret, ok := g.fromCache(ctx, jobID); ok {
		if !secretMatches(jobSecret, secret) {
			return nil, jobqueue.ErrJobNotFound
		}
		return status, nil
	}

	job, err := g.authorize(ctx, jobID, secret)
	if err != nil {
		return nil, err
	}

	// A stalled job reads as failed: callers see one terminal failure state,
	// with the error class carrying the cause.
	state := job.State
	if state == jobqueue.StateStalled {
		state = jobqueue.StateFailed
	}

	status := &JobStatus{
		JobID:      job.ID,
		Kind:       job.Kind,
		State:      state,
		Progress:   job.Progress,
		ErrorClass: job.ErrorClass,
	}

	if g.cache != nil && job.State.Terminal() {
		g.cache.Put(ctx, status, job.Secret)
	}

	return status, nil
}

// ResultURL returns a presigned link to the completed job's output. When
// projectID is set the output blob is first copied into the project's own
// container and the link points at the copy, so it outlives the staging blob.
func (g *Gate) ResultURL(ctx context.Context, jobID, secret, projectID string) (*ResultAccess, error) {
	job, err := g.authorize(ctx, jobID, secret)
	if err != nil {
		return nil, err
	}

	if job.State != jobqueue.StateCompleted || job.Result == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotReady)
	}

	ref := blobstore.Ref{Container: job.Result.OutputContainer, Key: job.Result.OutputKey}

	if projectID != "" {
		if job.Kind != jobqueue.KindProjectModel {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotCollectable)
		}
		dst := blobstore.Ref{Container: "project-" + projectID, Key: job.Result.OutputKey}
		if err := g.blobs.Copy(ctx, ref, dst); err != nil {
			return nil, fmt.Errorf("failed to collect result of job %s: %w", jobID, err)
		}
		ref = dst
	}

	url, expires, err := g.blobs.PresignGet(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to presign result of job %s: %w", jobID, err)
	}

	return &ResultAccess{
		URL:         url,
		ExpiresAt:   expires,
		Container:   ref.Container,
		Key:         ref.Key,
		ModelMatrix: job.Result.ModelMatrix,
	}, nil
}

// authorize fetches the job and checks the secret
func (g *Gate) authorize(ctx context.Context, jobID, secret string) (*jobqueue.Job, error) {
	job, err := g.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !jobqueue.VerifySecret(job, secret) {
		return nil, jobqueue.ErrJobNotFound
	}

	return job, nil
}

func (g *Gate) fromCache(ctx context.Context, jobID string) (*JobStatus, string, bool) {
	if g.cache == nil {
		return nil, "", false
	}

	status, secret, err := g.cache.Get(ctx, jobID)
	if err != nil {
		g.logger.Warn("Status cache lookup failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, "", false
	}
	if status == nil {
		return nil, "", false
	}

	return status, secret, true
}

// secretMatches mirrors the job secret rules: jobs without a secret verify
// against anything, otherwise the comparison is constant time
func secretMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
