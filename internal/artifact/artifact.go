// Package artifact publishes transcode outputs to durable storage and
// maps them to the URLs recorded on the video.
package artifact

import (
	"context"

	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/engine"
)

// Store publishes the artifacts of one finished transcode. Publish is
// atomic from the reader's point of view: either the full asset set
// becomes visible under the slug or nothing does.
type Store interface {
	Publish(ctx context.Context, slug string, res *engine.Result) (domain.AssetSet, error)
}
