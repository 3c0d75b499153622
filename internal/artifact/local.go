package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/engine"
)

// LocalStore publishes artifacts to a directory served as static
// files. Each video gets a subdirectory named after its slug.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates a store rooted at dir. Published assets are
// addressed under baseURL.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Publish copies the engine's output directory into a staging
// directory and renames it into place, so readers never observe a
// partial asset set.
func (s *LocalStore) Publish(ctx context.Context, slug string, res *engine.Result) (domain.AssetSet, error) {
	srcDir := filepath.Dir(res.HLSPath)
	staging := filepath.Join(s.dir, "."+slug+".staging")
	final := filepath.Join(s.dir, slug)

	if err := os.RemoveAll(staging); err != nil {
		return domain.AssetSet{}, domain.Transient("clear staging dir", err)
	}
	if err := copyTree(ctx, srcDir, staging); err != nil {
		os.RemoveAll(staging)
		return domain.AssetSet{}, domain.Transient("stage artifacts", err)
	}

	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return domain.AssetSet{}, domain.Transient("replace artifacts", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return domain.AssetSet{}, domain.Transient("publish artifacts", err)
	}

	return s.assetSet(slug, res), nil
}

func (s *LocalStore) assetSet(slug string, res *engine.Result) domain.AssetSet {
	url := func(enginePath string) string {
		return s.baseURL + "/" + slug + "/" + filepath.Base(enginePath)
	}
	hls := url(res.HLSPath)
	return domain.AssetSet{
		VideoURL:     hls,
		HLSPath:      hls,
		ThumbnailURL: url(res.ThumbnailPath),
		SpriteURL:    url(res.SpritePath),
		VTTPath:      url(res.VTTPath),
		Duration:     res.Duration,
	}
}

// copyTree copies the regular files of src into dst. Engine output
// directories are flat, so nested directories are not carried over.
func copyTree(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var _ Store = (*LocalStore)(nil)
