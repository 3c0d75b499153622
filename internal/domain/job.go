package domain

import (
	"time"
)

// JobID is a unique identifier for a transcode job.
type JobID string

// String returns the string representation of the JobID.
func (id JobID) String() string {
	return string(id)
}

// JobStatus represents the current state of a transcode job.
//
// Valid transitions: pending -> processing (claimed by a worker),
// processing -> completed, processing -> failed, and
// processing -> pending (transient failure with retries remaining).
// completed and failed are terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are valid.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// TranscodeJob represents one logical unit of attempts to transcode a
// video. A retried attempt reuses the same job record: attempts is
// incremented and progress reset when the job goes back to pending.
type TranscodeJob struct {
	ID         JobID
	VideoID    VideoID
	Status     JobStatus
	Progress   int // 0-100, non-decreasing while processing
	Attempts   int // completed run attempts (successful claim + run)
	MaxRetries int
	ErrorKind  string // taxonomy kind, empty unless failed
	Error      string // human-readable, empty unless failed
	Assets     AssetSet
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewTranscodeJob creates a pending job for a video.
func NewTranscodeJob(id JobID, videoID VideoID, maxRetries int) *TranscodeJob {
	now := time.Now()
	return &TranscodeJob{
		ID:         id,
		VideoID:    videoID,
		Status:     JobStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Active reports whether the job still holds the video's single
// active-job slot.
func (j *TranscodeJob) Active() bool {
	return !j.Status.Terminal()
}

// CanRetry reports whether another attempt is allowed after a
// transient failure.
func (j *TranscodeJob) CanRetry() bool {
	return j.Attempts <= j.MaxRetries
}
