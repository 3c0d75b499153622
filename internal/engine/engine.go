// Package engine abstracts the external transcoding engine behind a
// start/poll/cancel capability. Two implementations exist: a local
// ffmpeg subprocess and a remote transcoding service.
package engine

import (
	"context"
	"time"
)

// OutputSpec describes the artifacts one transcode run must produce.
type OutputSpec struct {
	// OutputDir receives all artifacts for the job.
	OutputDir string

	// HLSSegmentSeconds is the target segment length.
	HLSSegmentSeconds int

	// ThumbnailOffset is where in the source the poster frame is taken.
	ThumbnailOffset time.Duration

	// SpriteInterval is the spacing between sprite sheet tiles.
	SpriteInterval time.Duration

	// SpriteColumns is the sprite sheet width in tiles.
	SpriteColumns int
}

// DefaultOutputSpec fills in sensible artifact parameters for dir.
func DefaultOutputSpec(dir string) OutputSpec {
	return OutputSpec{
		OutputDir:         dir,
		HLSSegmentSeconds: 6,
		ThumbnailOffset:   3 * time.Second,
		SpriteInterval:    10 * time.Second,
		SpriteColumns:     10,
	}
}

// Result holds the artifact locations produced by a successful run.
// Paths are local to the engine's output directory; the artifact store
// publishes them afterwards.
type Result struct {
	HLSPath       string
	ThumbnailPath string
	SpritePath    string
	VTTPath       string
	// Duration of the source media in seconds.
	Duration int
}

// Handle tracks one in-flight transcode.
type Handle interface {
	// Poll reports current progress. done=true means the run reached
	// a terminal outcome; err then carries the classified failure, if
	// any.
	Poll(ctx context.Context) (percent int, done bool, err error)

	// Cancel terminates the underlying engine run promptly. Safe to
	// call more than once.
	Cancel() error

	// Result returns the artifacts of a successful run. Only valid
	// after Poll reported done with a nil error.
	Result() (*Result, error)
}

// Engine starts transcode runs.
type Engine interface {
	Start(ctx context.Context, sourcePath string, spec OutputSpec) (Handle, error)
}
