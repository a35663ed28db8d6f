package jobqueue

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found. Callers that
	// verify secrets must return this same error for a bad secret so job
	// existence does not leak.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's
	// not in WAITING state
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in WAITING state")

	// ErrJobTerminal is returned when attempting to transition a job that is
	// already Completed, Failed or Stalled
	ErrJobTerminal = errors.New("job already in a terminal state")

	// ErrInvalidKind is returned for an unknown conversion kind
	ErrInvalidKind = errors.New("unknown conversion kind")
)

// Stable error classifications stored on failed jobs and surfaced to clients.
// Raw tool output never leaves the worker; only one of these strings does.
const (
	ClassFetchFailed      = "fetch_failed"
	ClassPreprocessFailed = "preprocess_failed"
	ClassTransformFailed  = "transform_failed"
	ClassUploadFailed     = "upload_failed"
	ClassConversionFailed = "conversion_failed"
	ClassStalled          = "stalled"
)
