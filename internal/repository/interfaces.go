package repository

import (
	"context"
	"time"

	"github.com/clipforge/transcodeq/internal/domain"
)

// JobStore is the durable record store for transcode jobs. The
// scheduler persists every job state transition through it.
//
// Single-row conditional updates (CompareAndSetStatus, Claim,
// MarkRetry) must be atomic: when the expected prior status does not
// match, they report ok=false and change nothing.
type JobStore interface {
	// CreateJob persists a new pending job. When the video already has
	// a pending or processing job, even one created concurrently, it
	// returns domain.ErrActiveJobExists and persists nothing.
	CreateJob(ctx context.Context, job *domain.TranscodeJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id domain.JobID) (*domain.TranscodeJob, error)

	// GetActiveJobByVideo returns the video's pending or processing
	// job, or domain.ErrJobNotFound when none exists.
	GetActiveJobByVideo(ctx context.Context, videoID domain.VideoID) (*domain.TranscodeJob, error)

	// CompareAndSetStatus transitions id from expected to next.
	CompareAndSetStatus(ctx context.Context, id domain.JobID, expected, next domain.JobStatus) (bool, error)

	// Claim atomically moves a pending job to processing and counts
	// the attempt. Returns the claimed job, or ok=false when another
	// worker already owns it.
	Claim(ctx context.Context, id domain.JobID) (*domain.TranscodeJob, bool, error)

	// UpdateProgress records transcode progress for a processing job.
	UpdateProgress(ctx context.Context, id domain.JobID, percent int) error

	// SetCompleted finalizes a processing job, recording the produced
	// artifacts on the job row so reconciliation can replay them.
	SetCompleted(ctx context.Context, id domain.JobID, assets domain.AssetSet) error

	// SetFailed finalizes a non-terminal job with a classified error.
	// Reports ok=false when the job had already reached a terminal
	// status, so callers do not act on a finished job.
	SetFailed(ctx context.Context, id domain.JobID, kind domain.ErrorKind, msg string) (bool, error)

	// MarkRetry returns a processing job to pending for another
	// attempt, resetting progress and clearing any recorded error.
	MarkRetry(ctx context.Context, id domain.JobID) (bool, error)

	// ListByStatus returns jobs in the given status ordered by
	// creation time.
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.TranscodeJob, error)

	// ResetStale returns processing jobs whose updatedAt is older
	// than the liveness threshold back to pending. Used by crash
	// recovery; returns the IDs that were reset.
	ResetStale(ctx context.Context, olderThan time.Duration) ([]domain.JobID, error)

	// Stats returns job counts by status.
	Stats(ctx context.Context) (*QueueStats, error)
}

// VideoStore is the durable record store for videos. The orchestrator
// owns the processing/ready/failed transitions.
type VideoStore interface {
	// CreateVideo persists a draft video.
	CreateVideo(ctx context.Context, video *domain.Video) error

	// GetVideo retrieves a video by ID.
	GetVideo(ctx context.Context, id domain.VideoID) (*domain.Video, error)

	// CompareAndSetStatus transitions id from expected to next.
	CompareAndSetStatus(ctx context.Context, id domain.VideoID, expected, next domain.VideoStatus) (bool, error)

	// SetReadyWithAssets writes the derived asset fields and the
	// ready status in one update.
	SetReadyWithAssets(ctx context.Context, id domain.VideoID, assets domain.AssetSet) error

	// SetFailed marks the video failed.
	SetFailed(ctx context.Context, id domain.VideoID) error

	// DeleteVideo removes a video record.
	DeleteVideo(ctx context.Context, id domain.VideoID) error
}

// QueueStats contains job counts by status.
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}
