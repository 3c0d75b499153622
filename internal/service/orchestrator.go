package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/transcodeq/internal/config"
	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/queue"
	"github.com/clipforge/transcodeq/internal/repository"
	"github.com/clipforge/transcodeq/internal/scheduler"
)

// Orchestrator is the job orchestration entry point: it registers
// videos, admits transcode jobs, and answers status queries.
type Orchestrator struct {
	jobs      repository.JobStore
	videos    repository.VideoStore
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	workerCfg config.WorkerConfig
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	jobs repository.JobStore,
	videos repository.VideoStore,
	q *queue.Queue,
	sched *scheduler.Scheduler,
	workerCfg config.WorkerConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:      jobs,
		videos:    videos,
		queue:     q,
		scheduler: sched,
		workerCfg: workerCfg,
		logger:    logger,
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// CreateVideoRequest registers an uploaded video.
type CreateVideoRequest struct {
	Slug       string
	SourcePath string
}

// VideoResponse describes a video and its published assets.
type VideoResponse struct {
	VideoID   domain.VideoID
	Slug      string
	Status    domain.VideoStatus
	Assets    domain.AssetSet
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubmitResponse is returned after admitting a transcode job.
type SubmitResponse struct {
	JobID   domain.JobID
	VideoID domain.VideoID
	Status  domain.JobStatus
	Message string
}

// JobStatusResponse contains the current state of a transcode job.
type JobStatusResponse struct {
	JobID     domain.JobID
	VideoID   domain.VideoID
	Status    domain.JobStatus
	Progress  int
	Attempts  int
	ErrorKind string
	Error     string
	Assets    domain.AssetSet
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatsResponse aggregates job counts and queue depth.
type StatsResponse struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Queued     int
}

// CreateVideo registers a draft video awaiting transcode.
func (o *Orchestrator) CreateVideo(ctx context.Context, req CreateVideoRequest) (*VideoResponse, error) {
	if !slugPattern.MatchString(req.Slug) {
		return nil, fmt.Errorf("invalid slug %q", req.Slug)
	}
	if req.SourcePath == "" {
		return nil, fmt.Errorf("source path is required")
	}

	id := domain.VideoID("vid_" + uuid.New().String()[:8])
	video := domain.NewVideo(id, req.Slug, req.SourcePath)
	if err := o.videos.CreateVideo(ctx, video); err != nil {
		return nil, err
	}

	o.logger.Info("video registered", "video_id", id, "slug", req.Slug)
	return videoResponse(video), nil
}

// GetVideo returns a video and its assets.
func (o *Orchestrator) GetVideo(ctx context.Context, id domain.VideoID) (*VideoResponse, error) {
	video, err := o.videos.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	return videoResponse(video), nil
}

// DeleteVideo removes a video record. The active job, if any, is
// cancelled first.
func (o *Orchestrator) DeleteVideo(ctx context.Context, id domain.VideoID) error {
	if job, err := o.jobs.GetActiveJobByVideo(ctx, id); err == nil {
		if err := o.CancelJob(ctx, job.ID); err != nil {
			o.logger.Warn("could not cancel job for deleted video", "job_id", job.ID, "error", err)
		}
	}
	return o.videos.DeleteVideo(ctx, id)
}

// SubmitJob admits a transcode job for a video. Submission is
// idempotent: while the video already has an active job, that job is
// returned instead of creating a second one.
func (o *Orchestrator) SubmitJob(ctx context.Context, videoID domain.VideoID) (*SubmitResponse, error) {
	video, err := o.videos.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.Status == domain.VideoStatusReady || video.Status == domain.VideoStatusFailed {
		return nil, domain.ErrVideoTerminal
	}

	if existing, err := o.jobs.GetActiveJobByVideo(ctx, videoID); err == nil {
		return o.resubmit(existing), nil
	}

	jobID := domain.JobID("job_" + uuid.New().String()[:8])
	job := domain.NewTranscodeJob(jobID, videoID, o.workerCfg.MaxRetries)
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrActiveJobExists) {
			// A concurrent submit won the insert; return its job.
			existing, lookupErr := o.jobs.GetActiveJobByVideo(ctx, videoID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return o.resubmit(existing), nil
		}
		return nil, err
	}
	if _, err := o.queue.Enqueue(jobID, queue.DefaultPriority); err != nil {
		return nil, err
	}

	o.logger.Info("job admitted", "job_id", jobID, "video_id", videoID)
	return &SubmitResponse{
		JobID:   jobID,
		VideoID: videoID,
		Status:  job.Status,
		Message: "transcode queued",
	}, nil
}

// resubmit answers an idempotent re-submission with the video's
// existing active job. Re-admission is a no-op while the job is queued
// or running.
func (o *Orchestrator) resubmit(existing *domain.TranscodeJob) *SubmitResponse {
	o.queue.Enqueue(existing.ID, queue.DefaultPriority)
	return &SubmitResponse{
		JobID:   existing.ID,
		VideoID: existing.VideoID,
		Status:  existing.Status,
		Message: "transcode already in progress",
	}
}

// GetJobStatus returns the current state of a job.
func (o *Orchestrator) GetJobStatus(ctx context.Context, id domain.JobID) (*JobStatusResponse, error) {
	job, err := o.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobStatusResponse{
		JobID:     job.ID,
		VideoID:   job.VideoID,
		Status:    job.Status,
		Progress:  job.Progress,
		Attempts:  job.Attempts,
		ErrorKind: job.ErrorKind,
		Error:     job.Error,
		Assets:    job.Assets,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

// CancelJob cancels a job. Cancelling a terminal job is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, id domain.JobID) error {
	job, err := o.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	handled, err := o.scheduler.CancelJob(ctx, id)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	// Pending in the store but not admitted in this process; finalize
	// directly so it is not picked up by a later sweep.
	ok, err := o.jobs.SetFailed(ctx, id, domain.ErrCancelled, "cancelled")
	if err != nil {
		return err
	}
	if !ok {
		// Finished between the status check and here. Leave the video
		// alone so a published result is not flipped to failed.
		return nil
	}
	if err := o.videos.SetFailed(ctx, job.VideoID); err != nil {
		o.logger.Warn("could not mark video failed", "video_id", job.VideoID, "error", err)
	}
	o.logger.Info("job cancelled", "job_id", id)
	return nil
}

// Stats reports job counts by status plus current queue depth.
func (o *Orchestrator) Stats(ctx context.Context) (*StatsResponse, error) {
	stats, err := o.jobs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
		Queued:     o.queue.Len(),
	}, nil
}

func videoResponse(v *domain.Video) *VideoResponse {
	return &VideoResponse{
		VideoID:   v.ID,
		Slug:      v.Slug,
		Status:    v.Status,
		Assets:    v.Assets,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
}
