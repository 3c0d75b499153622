package repository

import (
	"context"
	"sync"
	"time"

	"github.com/clipforge/transcodeq/internal/domain"
)

// MemoryJobStore implements JobStore with in-memory maps. Used by
// tests and as a no-persistence deployment mode.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[domain.JobID]*domain.TranscodeJob
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[domain.JobID]*domain.TranscodeJob),
	}
}

func copyJob(j *domain.TranscodeJob) *domain.TranscodeJob {
	c := *j
	return &c
}

// CreateJob persists a new pending job. The single-writer lock also
// enforces that a video never holds two live jobs.
func (s *MemoryJobStore) CreateJob(ctx context.Context, job *domain.TranscodeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrDuplicateJob
	}
	for _, existing := range s.jobs {
		if existing.VideoID == job.VideoID && existing.Active() {
			return domain.ErrActiveJobExists
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID.
func (s *MemoryJobStore) GetJob(ctx context.Context, id domain.JobID) (*domain.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job), nil
}

// GetActiveJobByVideo returns the video's pending or processing job.
func (s *MemoryJobStore) GetActiveJobByVideo(ctx context.Context, videoID domain.VideoID) (*domain.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.VideoID == videoID && job.Active() {
			return copyJob(job), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

// CompareAndSetStatus transitions id from expected to next.
func (s *MemoryJobStore) CompareAndSetStatus(ctx context.Context, id domain.JobID, expected, next domain.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status != expected {
		return false, nil
	}
	job.Status = next
	job.UpdatedAt = time.Now()
	return true, nil
}

// Claim atomically moves a pending job to processing.
func (s *MemoryJobStore) Claim(ctx context.Context, id domain.JobID) (*domain.TranscodeJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, false, nil
	}
	job.Status = domain.JobStatusProcessing
	job.Attempts++
	job.UpdatedAt = time.Now()
	return copyJob(job), true, nil
}

// UpdateProgress records transcode progress for a processing job.
// Regressions are ignored so persisted progress stays monotonic.
func (s *MemoryJobStore) UpdateProgress(ctx context.Context, id domain.JobID, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil
	}
	if percent > job.Progress {
		job.Progress = percent
	}
	job.UpdatedAt = time.Now()
	return nil
}

// SetCompleted finalizes a processing job with its artifacts.
func (s *MemoryJobStore) SetCompleted(ctx context.Context, id domain.JobID, assets domain.AssetSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.Assets = assets
	job.UpdatedAt = time.Now()
	return nil
}

// SetFailed finalizes a non-terminal job with a classified error.
func (s *MemoryJobStore) SetFailed(ctx context.Context, id domain.JobID, kind domain.ErrorKind, msg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = domain.JobStatusFailed
	job.ErrorKind = string(kind)
	job.Error = msg
	job.UpdatedAt = time.Now()
	return true, nil
}

// MarkRetry returns a processing job to pending for another attempt.
func (s *MemoryJobStore) MarkRetry(ctx context.Context, id domain.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	job.Status = domain.JobStatusPending
	job.Progress = 0
	job.ErrorKind = ""
	job.Error = ""
	job.UpdatedAt = time.Now()
	return true, nil
}

// ListByStatus returns jobs in the given status ordered by creation time.
func (s *MemoryJobStore) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TranscodeJob
	for _, job := range s.jobs {
		if job.Status == status {
			result = append(result, copyJob(job))
		}
	}

	// Oldest first
	for i := 0; i < len(result)-1; i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.Before(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}

	return result, nil
}

// ResetStale returns stale processing jobs back to pending.
func (s *MemoryJobStore) ResetStale(ctx context.Context, olderThan time.Duration) ([]domain.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var reset []domain.JobID
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			job.Status = domain.JobStatusPending
			job.Progress = 0
			job.UpdatedAt = time.Now()
			reset = append(reset, job.ID)
		}
	}
	return reset, nil
}

// Stats returns job counts by status.
func (s *MemoryJobStore) Stats(ctx context.Context) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &QueueStats{}
	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// MemoryVideoStore implements VideoStore with in-memory maps.
type MemoryVideoStore struct {
	mu     sync.RWMutex
	videos map[domain.VideoID]*domain.Video
	slugs  map[string]domain.VideoID
}

// NewMemoryVideoStore creates an empty in-memory video store.
func NewMemoryVideoStore() *MemoryVideoStore {
	return &MemoryVideoStore{
		videos: make(map[domain.VideoID]*domain.Video),
		slugs:  make(map[string]domain.VideoID),
	}
}

func copyVideo(v *domain.Video) *domain.Video {
	c := *v
	return &c
}

// CreateVideo persists a draft video.
func (s *MemoryVideoStore) CreateVideo(ctx context.Context, video *domain.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slugs[video.Slug]; ok {
		return domain.ErrDuplicateSlug
	}
	s.videos[video.ID] = copyVideo(video)
	s.slugs[video.Slug] = video.ID
	return nil
}

// GetVideo retrieves a video by ID.
func (s *MemoryVideoStore) GetVideo(ctx context.Context, id domain.VideoID) (*domain.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.videos[id]
	if !ok {
		return nil, domain.ErrVideoNotFound
	}
	return copyVideo(video), nil
}

// CompareAndSetStatus transitions id from expected to next.
func (s *MemoryVideoStore) CompareAndSetStatus(ctx context.Context, id domain.VideoID, expected, next domain.VideoStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.videos[id]
	if !ok {
		return false, domain.ErrVideoNotFound
	}
	if video.Status != expected {
		return false, nil
	}
	video.Status = next
	video.UpdatedAt = time.Now()
	return true, nil
}

// SetReadyWithAssets writes asset fields and the ready status together.
func (s *MemoryVideoStore) SetReadyWithAssets(ctx context.Context, id domain.VideoID, assets domain.AssetSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.videos[id]
	if !ok {
		return domain.ErrVideoNotFound
	}
	video.Status = domain.VideoStatusReady
	video.Assets = assets
	video.UpdatedAt = time.Now()
	return nil
}

// SetFailed marks the video failed.
func (s *MemoryVideoStore) SetFailed(ctx context.Context, id domain.VideoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.videos[id]
	if !ok {
		return domain.ErrVideoNotFound
	}
	video.Status = domain.VideoStatusFailed
	video.UpdatedAt = time.Now()
	return nil
}

// DeleteVideo removes a video record.
func (s *MemoryVideoStore) DeleteVideo(ctx context.Context, id domain.VideoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.videos[id]
	if !ok {
		return domain.ErrVideoNotFound
	}
	delete(s.videos, id)
	delete(s.slugs, video.Slug)
	return nil
}

var (
	_ JobStore   = (*MemoryJobStore)(nil)
	_ VideoStore = (*MemoryVideoStore)(nil)
)
