package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/clipforge/transcodeq/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the sqlite database shared by the job and video stores.
type Store struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs pending
// migrations. Pass ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads but only one writer
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SQLiteJobStore implements JobStore on sqlite.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore creates a job store over the shared database.
func NewSQLiteJobStore(store *Store) *SQLiteJobStore {
	return &SQLiteJobStore{db: store.db}
}

const jobColumns = `id, video_id, status, progress, attempts, max_retries,
	error_kind, error_message, video_url, hls_path, sprite_url, vtt_path,
	thumbnail_url, duration, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.TranscodeJob, error) {
	var j domain.TranscodeJob
	err := row.Scan(
		&j.ID, &j.VideoID, &j.Status, &j.Progress, &j.Attempts, &j.MaxRetries,
		&j.ErrorKind, &j.Error, &j.Assets.VideoURL, &j.Assets.HLSPath,
		&j.Assets.SpriteURL, &j.Assets.VTTPath, &j.Assets.ThumbnailURL,
		&j.Assets.Duration, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob persists a new pending job. The partial unique index on
// live jobs makes the insert the serialization point for concurrent
// submissions against the same video.
func (s *SQLiteJobStore) CreateJob(ctx context.Context, job *domain.TranscodeJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcode_jobs (id, video_id, status, progress, attempts, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.VideoID, job.Status, job.Progress, job.Attempts,
		job.MaxRetries, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if msg := err.Error(); strings.Contains(msg, "UNIQUE constraint") {
			if strings.Contains(msg, "video_id") || strings.Contains(msg, "idx_jobs_one_active") {
				return domain.ErrActiveJobExists
			}
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteJobStore) GetJob(ctx context.Context, id domain.JobID) (*domain.TranscodeJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetActiveJobByVideo returns the video's pending or processing job.
func (s *SQLiteJobStore) GetActiveJobByVideo(ctx context.Context, videoID domain.VideoID) (*domain.TranscodeJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs
		 WHERE video_id = ? AND status IN (?, ?)
		 ORDER BY created_at LIMIT 1`,
		videoID, domain.JobStatusPending, domain.JobStatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

// CompareAndSetStatus transitions id from expected to next. Zero rows
// affected means the expected status no longer holds.
func (s *SQLiteJobStore) CompareAndSetStatus(ctx context.Context, id domain.JobID, expected, next domain.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		next, time.Now(), id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas job status: %w", err)
	}
	return n == 1, nil
}

// Claim atomically moves a pending job to processing.
func (s *SQLiteJobStore) Claim(ctx context.Context, id domain.JobID) (*domain.TranscodeJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+jobColumns,
		domain.JobStatusProcessing, time.Now(), id, domain.JobStatusPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// UpdateProgress records transcode progress for a processing job.
// MAX keeps the persisted value monotonic.
func (s *SQLiteJobStore) UpdateProgress(ctx context.Context, id domain.JobID, percent int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		percent, time.Now(), id, domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetCompleted finalizes a processing job with its artifacts.
func (s *SQLiteJobStore) SetCompleted(ctx context.Context, id domain.JobID, assets domain.AssetSet) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, progress = 100, video_url = ?, hls_path = ?,
		    sprite_url = ?, vtt_path = ?, thumbnail_url = ?, duration = ?,
		    updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		domain.JobStatusCompleted, assets.VideoURL, assets.HLSPath,
		assets.SpriteURL, assets.VTTPath, assets.ThumbnailURL, assets.Duration,
		time.Now(), id, domain.JobStatusCompleted, domain.JobStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("set job completed: %w", err)
	}
	return nil
}

// SetFailed finalizes a non-terminal job with a classified error. Zero
// rows affected means the job was already terminal.
func (s *SQLiteJobStore) SetFailed(ctx context.Context, id domain.JobID, kind domain.ErrorKind, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, error_kind = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		domain.JobStatusFailed, string(kind), msg, time.Now(),
		id, domain.JobStatusCompleted, domain.JobStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("set job failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set job failed: %w", err)
	}
	return n == 1, nil
}

// MarkRetry returns a processing job to pending for another attempt.
func (s *SQLiteJobStore) MarkRetry(ctx context.Context, id domain.JobID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, progress = 0, error_kind = '', error_message = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.JobStatusPending, time.Now(), id, domain.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("mark retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark retry: %w", err)
	}
	return n == 1, nil
}

// ListByStatus returns jobs in the given status ordered by creation time.
func (s *SQLiteJobStore) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.TranscodeJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.TranscodeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResetStale returns stale processing jobs back to pending.
func (s *SQLiteJobStore) ResetStale(ctx context.Context, olderThan time.Duration) ([]domain.JobID, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, progress = 0, updated_at = ?
		WHERE status = ? AND updated_at < ?
		RETURNING id`,
		domain.JobStatusPending, time.Now(), domain.JobStatusProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("reset stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []domain.JobID
	for rows.Next() {
		var id domain.JobID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns job counts by status.
func (s *SQLiteJobStore) Stats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transcode_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case domain.JobStatusPending:
			stats.Pending = count
		case domain.JobStatusProcessing:
			stats.Processing = count
		case domain.JobStatusCompleted:
			stats.Completed = count
		case domain.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// SQLiteVideoStore implements VideoStore on sqlite.
type SQLiteVideoStore struct {
	db *sql.DB
}

// NewSQLiteVideoStore creates a video store over the shared database.
func NewSQLiteVideoStore(store *Store) *SQLiteVideoStore {
	return &SQLiteVideoStore{db: store.db}
}

const videoColumns = `id, slug, source_path, status, video_url, hls_path,
	sprite_url, vtt_path, thumbnail_url, duration, created_at, updated_at`

func scanVideo(row interface{ Scan(...any) error }) (*domain.Video, error) {
	var v domain.Video
	err := row.Scan(
		&v.ID, &v.Slug, &v.SourcePath, &v.Status, &v.Assets.VideoURL,
		&v.Assets.HLSPath, &v.Assets.SpriteURL, &v.Assets.VTTPath,
		&v.Assets.ThumbnailURL, &v.Assets.Duration, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVideo persists a draft video.
func (s *SQLiteVideoStore) CreateVideo(ctx context.Context, video *domain.Video) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, slug, source_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		video.ID, video.Slug, video.SourcePath, video.Status,
		video.CreatedAt, video.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.ErrDuplicateSlug
		}
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

// GetVideo retrieves a video by ID.
func (s *SQLiteVideoStore) GetVideo(ctx context.Context, id domain.VideoID) (*domain.Video, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	video, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return video, nil
}

// CompareAndSetStatus transitions id from expected to next.
func (s *SQLiteVideoStore) CompareAndSetStatus(ctx context.Context, id domain.VideoID, expected, next domain.VideoStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		next, time.Now(), id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas video status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas video status: %w", err)
	}
	return n == 1, nil
}

// SetReadyWithAssets writes asset fields and the ready status in one
// update.
func (s *SQLiteVideoStore) SetReadyWithAssets(ctx context.Context, id domain.VideoID, assets domain.AssetSet) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE videos
		SET status = ?, video_url = ?, hls_path = ?, sprite_url = ?,
		    vtt_path = ?, thumbnail_url = ?, duration = ?, updated_at = ?
		WHERE id = ?`,
		domain.VideoStatusReady, assets.VideoURL, assets.HLSPath,
		assets.SpriteURL, assets.VTTPath, assets.ThumbnailURL, assets.Duration,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("set video ready: %w", err)
	}
	return nil
}

// SetFailed marks the video failed.
func (s *SQLiteVideoStore) SetFailed(ctx context.Context, id domain.VideoID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, updated_at = ? WHERE id = ?`,
		domain.VideoStatusFailed, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("set video failed: %w", err)
	}
	return nil
}

// DeleteVideo removes a video record.
func (s *SQLiteVideoStore) DeleteVideo(ctx context.Context, id domain.VideoID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if n == 0 {
		return domain.ErrVideoNotFound
	}
	return nil
}

var (
	_ JobStore   = (*SQLiteJobStore)(nil)
	_ VideoStore = (*SQLiteVideoStore)(nil)
)
