package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/gate"
	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/reconciler"
)

// StagingContainer is where direct client uploads land before conversion
const StagingContainer = "uploads"

// Submitter enqueues conversion jobs
type Submitter interface {
	Enqueue(ctx context.Context, kind jobqueue.Kind, payload jobqueue.Payload, opts jobqueue.SubmitOptions) (*jobqueue.Job, error)
}

// AccessGate serves status and result reads
type AccessGate interface {
	Status(ctx context.Context, jobID, secret string) (*gate.JobStatus, error)
	ResultURL(ctx context.Context, jobID, secret, projectID string) (*gate.ResultAccess, error)
}

// Uploader allocates staging blobs for direct upload
type Uploader interface {
	NewKey(ctx context.Context, container string) (blobstore.Ref, error)
	PresignPut(ctx context.Context, ref blobstore.Ref) (string, time.Time, error)
}

// RecordStore maintains the layer catalog
type RecordStore interface {
	Create(ctx context.Context, rec *reconciler.Record) error
	ListByProject(ctx context.Context, projectID string) ([]reconciler.Record, error)
}

// DeletionArmer schedules staged inputs for deletion
type DeletionArmer interface {
	DeleteLater(ctx context.Context, ref blobstore.Ref) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Queue    Submitter
	Gate     AccessGate
	Uploads  Uploader
	Records  RecordStore
	Deferred DeletionArmer
}

// ConversionHandler handles conversion-related HTTP requests
type ConversionHandler struct {
	logger   *slog.Logger
	queue    Submitter
	gate     AccessGate
	uploads  Uploader
	records  RecordStore
	deferred DeletionArmer
}

// NewConversionHandler creates a ConversionHandler
func NewConversionHandler(deps *Dependencies) *ConversionHandler {
	return &ConversionHandler{
		logger:   deps.Logger,
		queue:    deps.Queue,
		gate:     deps.Gate,
		uploads:  deps.Uploads,
		records:  deps.Records,
		deferred: deps.Deferred,
	}
}
