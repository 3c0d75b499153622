// Package runner executes one transcode attempt end to end: engine
// run, progress polling, and artifact publication.
package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clipforge/transcodeq/internal/artifact"
	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/engine"
)

// Runner drives the engine for a single job attempt and publishes the
// resulting artifacts.
type Runner struct {
	engine       engine.Engine
	artifacts    artifact.Store
	workDir      string
	pollInterval time.Duration
	progressStep int
	logger       *slog.Logger
}

// New creates a runner. Each attempt works in a per-job subdirectory
// of workDir, removed when the attempt ends.
func New(eng engine.Engine, artifacts artifact.Store, workDir string, pollInterval time.Duration, progressStep int, logger *slog.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if progressStep <= 0 {
		progressStep = 5
	}
	return &Runner{
		engine:       eng,
		artifacts:    artifacts,
		workDir:      workDir,
		pollInterval: pollInterval,
		progressStep: progressStep,
		logger:       logger,
	}
}

// Run performs one attempt for job. onProgress receives percentages,
// throttled to the configured step so the store is not hammered by
// per-poll writes. The returned error is classified; callers decide
// retry via domain.KindOf.
func (r *Runner) Run(ctx context.Context, job *domain.TranscodeJob, video *domain.Video, onProgress func(int)) (domain.AssetSet, error) {
	jobDir := filepath.Join(r.workDir, job.ID.String())
	defer os.RemoveAll(jobDir)

	spec := engine.DefaultOutputSpec(jobDir)
	handle, err := r.engine.Start(ctx, video.SourcePath, spec)
	if err != nil {
		return domain.AssetSet{}, err
	}

	res, err := r.poll(ctx, handle, onProgress)
	if err != nil {
		return domain.AssetSet{}, err
	}

	assets, err := r.artifacts.Publish(ctx, video.Slug, res)
	if err != nil {
		return domain.AssetSet{}, err
	}
	onProgress(100)
	return assets, nil
}

// poll waits for the engine run to finish, forwarding progress.
func (r *Runner) poll(ctx context.Context, handle engine.Handle, onProgress func(int)) (*engine.Result, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	reported := 0
	for {
		select {
		case <-ctx.Done():
			if err := handle.Cancel(); err != nil {
				r.logger.Warn("engine cancel failed", "error", err)
			}
			return nil, domain.Cancelled("transcode", ctx.Err())
		case <-ticker.C:
			percent, done, err := handle.Poll(ctx)
			if err != nil && !done {
				// The run may still be going on the engine side; stop
				// it so the retry does not race a duplicate run, then
				// let the retry policy decide.
				if cerr := handle.Cancel(); cerr != nil {
					r.logger.Warn("engine cancel failed", "error", cerr)
				}
				return nil, err
			}
			if percent >= reported+r.progressStep && percent < 100 {
				reported = percent
				onProgress(percent)
			}
			if !done {
				continue
			}
			if err != nil {
				return nil, err
			}
			return handle.Result()
		}
	}
}
