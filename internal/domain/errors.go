package domain

import (
	"context"
	"errors"
)

// Domain errors.
var (
	// ErrVideoNotFound is returned when a video cannot be found.
	ErrVideoNotFound = errors.New("video not found")

	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when admission is genuinely
	// ambiguous, not when idempotently no-op-ing an active job.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrActiveJobExists is returned by job creation when the video
	// already has a pending or processing job. Callers resolve it by
	// fetching the existing job.
	ErrActiveJobExists = errors.New("video already has an active job")

	// ErrDuplicateSlug is returned when a video slug is already taken.
	ErrDuplicateSlug = errors.New("video slug already exists")

	// ErrQueueClosed is returned by queue operations after shutdown.
	ErrQueueClosed = errors.New("job queue closed")

	// ErrVideoTerminal is returned when submitting a job for a video
	// that is already ready or failed.
	ErrVideoTerminal = errors.New("video is in a terminal state")
)

// ErrorKind classifies a job failure for the retry policy.
type ErrorKind string

const (
	// ErrTransient covers engine timeouts, resource exhaustion and
	// network failures. Retryable.
	ErrTransient ErrorKind = "transient"

	// ErrPermanent covers corrupt or unsupported source media. Not
	// retryable; surfaced to the uploader.
	ErrPermanent ErrorKind = "permanent"

	// ErrCancelled covers cooperative cancellation (shutdown or an
	// explicit user cancel).
	ErrCancelled ErrorKind = "cancelled"

	// ErrStore covers record store failures. The scheduler retries
	// the write itself rather than the job.
	ErrStore ErrorKind = "store"
)

// JobError wraps an error with its retry classification.
type JobError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *JobError {
	return &JobError{Kind: ErrTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) *JobError {
	return &JobError{Kind: ErrPermanent, Op: op, Err: err}
}

// Cancelled wraps err as a cooperative cancellation.
func Cancelled(op string, err error) *JobError {
	return &JobError{Kind: ErrCancelled, Op: op, Err: err}
}

// StoreFailure wraps err as a record store failure.
func StoreFailure(op string, err error) *JobError {
	return &JobError{Kind: ErrStore, Op: op, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are
// treated as transient so an engine bug never strands a job without a
// retry decision.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return ErrTransient
}
