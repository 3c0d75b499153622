package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/engine"
)

// S3Store publishes artifacts to an S3 bucket under
// <prefix>/<slug>/<file>.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	region string
}

// NewS3Store creates a store backed by the given bucket. Credentials
// come from the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		region: region,
	}, nil
}

// Publish uploads every file from the engine's output directory. The
// asset set only refers to uploaded objects, so a failed upload leaves
// the video without published assets rather than with broken links.
func (s *S3Store) Publish(ctx context.Context, slug string, res *engine.Result) (domain.AssetSet, error) {
	srcDir := filepath.Dir(res.HLSPath)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return domain.AssetSet{}, domain.Transient("read artifacts dir", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := s.upload(ctx, slug, filepath.Join(srcDir, entry.Name())); err != nil {
			return domain.AssetSet{}, err
		}
	}

	return s.assetSet(slug, res), nil
}

func (s *S3Store) upload(ctx context.Context, slug, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return domain.Transient("open artifact", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return domain.Transient("stat artifact", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(slug, filepath.Base(path))),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentTypeFor(path)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.Cancelled("upload artifact", ctx.Err())
		}
		return domain.Transient("upload artifact", err)
	}
	return nil
}

func (s *S3Store) key(slug, name string) string {
	if s.prefix == "" {
		return slug + "/" + name
	}
	return s.prefix + "/" + slug + "/" + name
}

func (s *S3Store) objectURL(slug, name string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, s.key(slug, name))
}

func (s *S3Store) assetSet(slug string, res *engine.Result) domain.AssetSet {
	hls := s.objectURL(slug, filepath.Base(res.HLSPath))
	return domain.AssetSet{
		VideoURL:     hls,
		HLSPath:      hls,
		ThumbnailURL: s.objectURL(slug, filepath.Base(res.ThumbnailPath)),
		SpriteURL:    s.objectURL(slug, filepath.Base(res.SpritePath)),
		VTTPath:      s.objectURL(slug, filepath.Base(res.VTTPath)),
		Duration:     res.Duration,
	}
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".vtt":
		return "text/vtt"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

var _ Store = (*S3Store)(nil)
