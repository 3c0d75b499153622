// Package scheduler owns the worker pool: it claims admitted jobs,
// runs attempts through the runner, applies the retry policy, and
// keeps job and video records consistent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/transcodeq/internal/config"
	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/queue"
	"github.com/clipforge/transcodeq/internal/repository"
	"github.com/clipforge/transcodeq/internal/runner"
)

// Scheduler coordinates a fixed pool of transcode workers over the
// admission queue.
type Scheduler struct {
	cfg    config.WorkerConfig
	jobs   repository.JobStore
	videos repository.VideoStore
	queue  *queue.Queue
	runner *runner.Runner
	logger *slog.Logger

	mu            sync.Mutex
	inFlight      map[domain.JobID]context.CancelFunc
	userCancelled map[domain.JobID]bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. Start must be called before jobs are
// processed.
func New(cfg config.WorkerConfig, jobs repository.JobStore, videos repository.VideoStore, q *queue.Queue, r *runner.Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		jobs:          jobs,
		videos:        videos,
		queue:         q,
		runner:        r,
		logger:        logger,
		inFlight:      make(map[domain.JobID]context.CancelFunc),
		userCancelled: make(map[domain.JobID]bool),
	}
}

// Start runs crash recovery, then launches the worker pool and the
// reconciliation loop. Workers run until Shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	count := s.cfg.WorkerCount()
	s.logger.Info("starting workers", "count", count)
	for i := 0; i < count; i++ {
		s.wg.Add(1)
		go s.workerLoop(s.baseCtx, i)
	}

	s.wg.Add(1)
	go s.reconcileLoop(s.baseCtx)
	return nil
}

// Shutdown stops admission, cancels in-flight attempts and waits for
// the workers, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.queue.Close()
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// recover resets processing jobs orphaned by a crash and rebuilds the
// queue from the store. Safe to run repeatedly: admission is
// idempotent and only stale jobs are reset.
func (s *Scheduler) recover(ctx context.Context) error {
	reset, err := s.jobs.ResetStale(ctx, s.cfg.LivenessThreshold)
	if err != nil {
		return fmt.Errorf("reset stale jobs: %w", err)
	}
	for _, id := range reset {
		s.logger.Warn("recovered orphaned job", "job_id", id)
	}

	pending, err := s.jobs.ListByStatus(ctx, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if _, err := s.queue.Enqueue(job.ID, queue.DefaultPriority); err != nil {
			return fmt.Errorf("readmit job %s: %w", job.ID, err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("readmitted pending jobs", "count", len(pending))
	}
	return nil
}

func (s *Scheduler) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With("worker", id)

	for {
		jobID, ok := s.queue.Dequeue(ctx)
		if !ok {
			return
		}
		s.process(ctx, log, jobID)
	}
}

// process runs one claimed attempt to a terminal decision: completed,
// failed, or requeued for retry.
func (s *Scheduler) process(ctx context.Context, log *slog.Logger, jobID domain.JobID) {
	job, ok, err := s.jobs.Claim(ctx, jobID)
	if err != nil {
		log.Error("claim failed", "job_id", jobID, "error", err)
		s.queue.Release(jobID)
		return
	}
	if !ok {
		// Already claimed elsewhere or finished; nothing to run.
		s.queue.Release(jobID)
		return
	}
	log = log.With("job_id", job.ID, "video_id", job.VideoID, "attempt", job.Attempts)

	video, err := s.videos.GetVideo(ctx, job.VideoID)
	if err != nil {
		log.Error("video lookup failed", "error", err)
		s.finalizeFailure(ctx, log, job, domain.ErrPermanent, "video record missing")
		return
	}
	if _, err := s.videos.CompareAndSetStatus(ctx, video.ID, domain.VideoStatusDraft, domain.VideoStatusProcessing); err != nil {
		log.Warn("could not mark video processing", "error", err)
	}

	jobCtx, cancelJob := context.WithTimeout(ctx, s.cfg.JobTimeout)
	s.track(job.ID, cancelJob)
	assets, runErr := s.runner.Run(jobCtx, job, video, func(percent int) {
		if err := s.jobs.UpdateProgress(ctx, job.ID, percent); err != nil {
			log.Warn("progress update failed", "percent", percent, "error", err)
		}
	})
	wasCancelled := s.untrack(job.ID)
	cancelJob()

	if runErr == nil {
		s.finalizeSuccess(ctx, log, job, assets)
		return
	}

	kind := domain.KindOf(runErr)
	if kind == domain.ErrCancelled {
		switch {
		case wasCancelled:
			log.Info("job cancelled by request")
			s.finalizeFailure(ctx, log, job, domain.ErrCancelled, runErr.Error())
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			// Attempt timed out; the retry policy treats it like any
			// other transient failure.
			s.handleTransient(ctx, log, job, "attempt timed out")
		default:
			// Shutdown. Hand the job back so the next start resumes it.
			log.Info("attempt interrupted by shutdown")
			if _, err := s.jobs.MarkRetry(context.Background(), job.ID); err != nil {
				log.Error("could not return job to pending", "error", err)
			}
			s.queue.Release(job.ID)
		}
		return
	}

	if kind == domain.ErrPermanent {
		log.Warn("attempt failed permanently", "error", runErr)
		s.finalizeFailure(ctx, log, job, domain.ErrPermanent, runErr.Error())
		return
	}

	log.Warn("attempt failed", "kind", kind, "error", runErr)
	s.handleTransient(ctx, log, job, runErr.Error())
}

// handleTransient either schedules another attempt or, with the retry
// budget exhausted, finalizes the failure.
func (s *Scheduler) handleTransient(ctx context.Context, log *slog.Logger, job *domain.TranscodeJob, msg string) {
	if !job.CanRetry() {
		log.Warn("retry budget exhausted", "attempts", job.Attempts)
		s.finalizeFailure(ctx, log, job, domain.ErrTransient, msg)
		return
	}

	if err := s.withStoreRetry(ctx, func() error {
		_, err := s.jobs.MarkRetry(ctx, job.ID)
		return err
	}); err != nil {
		log.Error("could not mark job for retry", "error", err)
		s.finalizeFailure(ctx, log, job, domain.ErrStore, "store failure while scheduling retry")
		return
	}

	delay := s.backoff(job.Attempts)
	log.Info("retrying", "delay", delay)

	// Wait out the backoff off the worker slot so one flapping job
	// cannot idle the pool while healthy jobs queue behind it.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
			if _, ok := s.queue.Requeue(job.ID); !ok {
				s.queue.Release(job.ID)
			}
		case <-ctx.Done():
			// Shutdown while waiting; the job is already pending in
			// the store and will be readmitted by the next recovery
			// pass.
			s.queue.Release(job.ID)
		}
	}()
}

// backoff returns the delay before retry attempt n (1-based), doubling
// from the base and capped at the configured maximum.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	if delay > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return delay
}

func (s *Scheduler) finalizeSuccess(ctx context.Context, log *slog.Logger, job *domain.TranscodeJob, assets domain.AssetSet) {
	if err := s.withStoreRetry(ctx, func() error {
		return s.jobs.SetCompleted(ctx, job.ID, assets)
	}); err != nil {
		// The artifacts exist; reconciliation cannot replay them
		// without the job row, so this is the one place a result can
		// be lost. Leave the job processing for the liveness sweep.
		log.Error("could not record completion", "error", err)
		s.queue.Release(job.ID)
		return
	}

	if err := s.withStoreRetry(ctx, func() error {
		return s.videos.SetReadyWithAssets(ctx, job.VideoID, assets)
	}); err != nil {
		// Job row carries the assets; the reconciliation loop will
		// bring the video to ready.
		log.Error("could not publish video, reconciliation will retry", "error", err)
	}

	log.Info("job completed", "duration_s", assets.Duration)
	s.queue.Release(job.ID)
}

func (s *Scheduler) finalizeFailure(ctx context.Context, log *slog.Logger, job *domain.TranscodeJob, kind domain.ErrorKind, msg string) {
	applied := false
	if err := s.withStoreRetry(ctx, func() error {
		ok, err := s.jobs.SetFailed(ctx, job.ID, kind, msg)
		applied = ok
		return err
	}); err != nil {
		log.Error("could not record failure", "error", err)
	}
	if applied {
		if err := s.withStoreRetry(ctx, func() error {
			return s.videos.SetFailed(ctx, job.VideoID)
		}); err != nil {
			log.Error("could not mark video failed", "error", err)
		}
		log.Info("job failed", "kind", kind)
	}
	s.queue.Release(job.ID)
}

// withStoreRetry retries a record store write a bounded number of
// times. Store outages are short; job-level retry stays separate.
func (s *Scheduler) withStoreRetry(ctx context.Context, fn func() error) error {
	var err error
	attempts := s.cfg.StoreRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-time.After(s.cfg.StoreRetryDelay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

func (s *Scheduler) track(id domain.JobID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inFlight[id] = cancel
	s.mu.Unlock()
}

// untrack removes the job from the in-flight set and reports whether
// it was cancelled by request.
func (s *Scheduler) untrack(id domain.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	cancelled := s.userCancelled[id]
	delete(s.userCancelled, id)
	return cancelled
}

// CancelJob cancels a waiting or in-flight job. Returns false when
// the job is not active in this process.
func (s *Scheduler) CancelJob(ctx context.Context, id domain.JobID) (bool, error) {
	if s.queue.Remove(id) {
		ok, err := s.jobs.SetFailed(ctx, id, domain.ErrCancelled, "cancelled before start")
		if err != nil {
			s.logger.Warn("could not record cancellation", "job_id", id, "error", err)
		}
		if ok {
			if job, err := s.jobs.GetJob(ctx, id); err == nil {
				if err := s.videos.SetFailed(ctx, job.VideoID); err != nil {
					s.logger.Warn("could not mark video failed", "video_id", job.VideoID, "error", err)
				}
			}
		}
		s.queue.Release(id)
		return true, nil
	}

	s.mu.Lock()
	cancel, ok := s.inFlight[id]
	if ok {
		s.userCancelled[id] = true
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	cancel()
	return true, nil
}

// reconcileLoop periodically repairs drift between job and video
// records and readmits pending jobs that fell out of the queue.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}

// Reconcile performs one repair pass. Exposed so recovery and tests
// can run it synchronously.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	completed, err := s.jobs.ListByStatus(ctx, domain.JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("list completed jobs: %w", err)
	}
	for _, job := range completed {
		video, err := s.videos.GetVideo(ctx, job.VideoID)
		if err != nil {
			continue
		}
		if video.Status != domain.VideoStatusReady && !job.Assets.Empty() {
			s.logger.Info("reconciling completed job to video", "job_id", job.ID, "video_id", video.ID)
			if err := s.videos.SetReadyWithAssets(ctx, video.ID, job.Assets); err != nil {
				s.logger.Warn("reconcile publish failed", "video_id", video.ID, "error", err)
			}
		}
	}

	failed, err := s.jobs.ListByStatus(ctx, domain.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("list failed jobs: %w", err)
	}
	for _, job := range failed {
		video, err := s.videos.GetVideo(ctx, job.VideoID)
		if err != nil {
			continue
		}
		if video.Status == domain.VideoStatusProcessing {
			s.logger.Info("reconciling failed job to video", "job_id", job.ID, "video_id", video.ID)
			if err := s.videos.SetFailed(ctx, video.ID); err != nil {
				s.logger.Warn("reconcile video failure failed", "video_id", video.ID, "error", err)
			}
		}
	}

	pending, err := s.jobs.ListByStatus(ctx, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if _, err := s.queue.Enqueue(job.ID, queue.DefaultPriority); err != nil {
			if errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			return fmt.Errorf("readmit job %s: %w", job.ID, err)
		}
	}
	return nil
}
