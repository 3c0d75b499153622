package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/transcodeq/internal/domain"
)

// Sprite tiles are scaled to a fixed 16:9 cell so the VTT cue
// geometry is known without probing the sheet.
const (
	spriteTileWidth  = 160
	spriteTileHeight = 90
)

// FFmpegEngine runs transcodes as local ffmpeg subprocesses.
type FFmpegEngine struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegEngine creates a local engine, locating ffmpeg and ffprobe
// in PATH when explicit paths are not configured.
func NewFFmpegEngine(ffmpegPath, ffprobePath string) (*FFmpegEngine, error) {
	if ffmpegPath == "" {
		p, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
		ffmpegPath = p
	}
	if ffprobePath == "" {
		p, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
		}
		ffprobePath = p
	}
	return &FFmpegEngine{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}, nil
}

// Start probes the source and launches the transcode pipeline in the
// background. The returned handle reports progress and the terminal
// outcome.
func (e *FFmpegEngine) Start(ctx context.Context, sourcePath string, spec OutputSpec) (Handle, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, domain.Permanent("stat source", err)
	}
	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		return nil, domain.Transient("create output dir", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &ffmpegHandle{cancel: cancel}
	go h.run(runCtx, e, sourcePath, spec)
	return h, nil
}

type ffmpegHandle struct {
	mu      sync.Mutex
	percent int
	done    bool
	err     error
	result  *Result
	cancel  context.CancelFunc
}

func (h *ffmpegHandle) Poll(ctx context.Context) (int, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.percent, h.done, h.err
}

func (h *ffmpegHandle) Cancel() error {
	h.cancel()
	return nil
}

func (h *ffmpegHandle) Result() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		return nil, errors.New("transcode still running")
	}
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

func (h *ffmpegHandle) setProgress(percent int) {
	h.mu.Lock()
	if percent > h.percent {
		h.percent = percent
	}
	h.mu.Unlock()
}

func (h *ffmpegHandle) finish(result *Result, err error) {
	h.mu.Lock()
	h.done = true
	h.result = result
	h.err = err
	if err == nil {
		h.percent = 100
	}
	h.mu.Unlock()
}

// run executes the full pipeline: HLS rendition (weighted 0-90 of the
// progress scale), poster thumbnail (95), sprite sheet + VTT (100).
func (h *ffmpegHandle) run(ctx context.Context, e *FFmpegEngine, sourcePath string, spec OutputSpec) {
	defer h.cancel()

	duration, err := e.probeDuration(ctx, sourcePath)
	if err != nil {
		h.finish(nil, err)
		return
	}

	hlsPath, err := e.transcodeHLS(ctx, sourcePath, spec, duration, h.setProgress)
	if err != nil {
		h.finish(nil, err)
		return
	}
	h.setProgress(90)

	thumbPath, err := e.thumbnail(ctx, sourcePath, spec, duration)
	if err != nil {
		h.finish(nil, err)
		return
	}
	h.setProgress(95)

	spritePath, vttPath, err := e.sprite(ctx, sourcePath, spec, duration)
	if err != nil {
		h.finish(nil, err)
		return
	}

	h.finish(&Result{
		HLSPath:       hlsPath,
		ThumbnailPath: thumbPath,
		SpritePath:    spritePath,
		VTTPath:       vttPath,
		Duration:      int(math.Round(duration)),
	}, nil)
}

// probeDuration asks ffprobe for the source duration in seconds.
func (e *FFmpegEngine) probeDuration(ctx context.Context, sourcePath string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		sourcePath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return 0, classifyFFmpegError("ffprobe", err, stderr.String(), ctx)
	}

	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &parsed); err != nil {
		return 0, domain.Permanent("ffprobe", fmt.Errorf("parse output: %w", err))
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || duration <= 0 {
		return 0, domain.Permanent("ffprobe", fmt.Errorf("source has no usable duration %q", parsed.Format.Duration))
	}
	return duration, nil
}

// transcodeHLS produces the HLS rendition, reporting progress scaled
// to 0-90 from ffmpeg's -progress output.
func (e *FFmpegEngine) transcodeHLS(ctx context.Context, sourcePath string, spec OutputSpec, duration float64, onProgress func(int)) (string, error) {
	hlsPath := filepath.Join(spec.OutputDir, "master.m3u8")
	segments := filepath.Join(spec.OutputDir, "segment_%04d.ts")

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-hide_banner", "-y",
		"-i", sourcePath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(spec.HLSSegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segments,
		"-progress", "pipe:1",
		"-nostats",
		hlsPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", domain.Transient("ffmpeg", err)
	}
	if err := cmd.Start(); err != nil {
		return "", domain.Transient("ffmpeg", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if pct, ok := parseProgressLine(scanner.Text(), duration); ok {
			onProgress(pct * 90 / 100)
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", classifyFFmpegError("ffmpeg", err, stderr.String(), ctx)
	}
	return hlsPath, nil
}

// parseProgressLine extracts a 0-100 percentage from one key=value
// line of ffmpeg -progress output.
func parseProgressLine(line string, duration float64) (int, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || key != "out_time_us" {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	pct := int(float64(us) / 1e6 / duration * 100)
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// thumbnail extracts a poster frame.
func (e *FFmpegEngine) thumbnail(ctx context.Context, sourcePath string, spec OutputSpec, duration float64) (string, error) {
	offset := spec.ThumbnailOffset.Seconds()
	if offset >= duration {
		offset = 0
	}

	thumbPath := filepath.Join(spec.OutputDir, "thumb.jpg")
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-hide_banner", "-y",
		"-ss", strconv.FormatFloat(offset, 'f', 1, 64),
		"-i", sourcePath,
		"-frames:v", "1",
		"-q:v", "3",
		thumbPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", classifyFFmpegError("ffmpeg thumbnail", err, stderr.String(), ctx)
	}
	return thumbPath, nil
}

// sprite renders the seek-preview sprite sheet and its WebVTT index.
func (e *FFmpegEngine) sprite(ctx context.Context, sourcePath string, spec OutputSpec, duration float64) (string, string, error) {
	interval := spec.SpriteInterval.Seconds()
	if interval <= 0 {
		interval = 10
	}
	cols := spec.SpriteColumns
	if cols <= 0 {
		cols = 10
	}

	tiles := int(math.Ceil(duration / interval))
	if tiles < 1 {
		tiles = 1
	}
	rows := (tiles + cols - 1) / cols

	spritePath := filepath.Join(spec.OutputDir, "sprite.jpg")
	vf := fmt.Sprintf("fps=1/%g,scale=%d:%d,tile=%dx%d",
		interval, spriteTileWidth, spriteTileHeight, cols, rows)

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-hide_banner", "-y",
		"-i", sourcePath,
		"-vf", vf,
		"-frames:v", "1",
		"-q:v", "4",
		spritePath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", "", classifyFFmpegError("ffmpeg sprite", err, stderr.String(), ctx)
	}

	vttPath := filepath.Join(spec.OutputDir, "sprite.vtt")
	if err := writeSpriteVTT(vttPath, filepath.Base(spritePath), duration, interval, cols); err != nil {
		return "", "", domain.Transient("write sprite vtt", err)
	}
	return spritePath, vttPath, nil
}

// writeSpriteVTT emits one cue per sprite tile with its xywh region.
func writeSpriteVTT(path, spriteName string, duration, interval float64, cols int) error {
	var b strings.Builder
	b.WriteString("WEBVTT\n")

	tiles := int(math.Ceil(duration / interval))
	for i := 0; i < tiles; i++ {
		start := float64(i) * interval
		end := start + interval
		if end > duration {
			end = duration
		}
		x := (i % cols) * spriteTileWidth
		y := (i / cols) * spriteTileHeight
		fmt.Fprintf(&b, "\n%s --> %s\n%s#xywh=%d,%d,%d,%d\n",
			vttTimestamp(start), vttTimestamp(end),
			spriteName, x, y, spriteTileWidth, spriteTileHeight)
	}

	return os.WriteFile(path, []byte(b.String()), 0644)
}

func vttTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := d.Seconds() - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}

// Stderr signatures of unrecoverable input problems. Everything else
// is assumed transient (OOM, disk, signals).
var permanentSignatures = []string{
	"Invalid data found when processing input",
	"moov atom not found",
	"could not find codec parameters",
	"Decoder not found",
	"Unknown format",
	"Conversion failed",
}

func classifyFFmpegError(op string, err error, stderr string, ctx context.Context) error {
	if ctx.Err() != nil {
		return domain.Cancelled(op, ctx.Err())
	}
	for _, sig := range permanentSignatures {
		if strings.Contains(stderr, sig) {
			return domain.Permanent(op, fmt.Errorf("%w: %s", err, lastStderrLine(stderr)))
		}
	}
	if stderr != "" {
		return domain.Transient(op, fmt.Errorf("%w: %s", err, lastStderrLine(stderr)))
	}
	return domain.Transient(op, err)
}

func lastStderrLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ Engine = (*FFmpegEngine)(nil)
