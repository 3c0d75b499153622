package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clipforge/transcodeq/internal/domain"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		duration float64
		want     int
		ok       bool
	}{
		{"halfway", "out_time_us=60000000", 120, 50, true},
		{"start", "out_time_us=0", 120, 0, true},
		{"overshoot clamps", "out_time_us=130000000", 120, 100, true},
		{"other key", "frame=250", 120, 0, false},
		{"speed key", "speed=2.5x", 120, 0, false},
		{"garbage value", "out_time_us=abc", 120, 0, false},
		{"negative value", "out_time_us=-5", 120, 0, false},
		{"whitespace", "  out_time_us=30000000  ", 120, 25, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseProgressLine(tt.line, tt.duration)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseProgressLine(%q) = (%d, %v), want (%d, %v)", tt.line, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClassifyFFmpegError(t *testing.T) {
	exitErr := errors.New("exit status 1")

	tests := []struct {
		name   string
		stderr string
		want   domain.ErrorKind
	}{
		{"corrupt input", "x\nInvalid data found when processing input", domain.ErrPermanent},
		{"truncated mp4", "[mov] moov atom not found", domain.ErrPermanent},
		{"no codec params", "could not find codec parameters for stream 0", domain.ErrPermanent},
		{"unknown container", "Unknown format is not supported", domain.ErrPermanent},
		{"resource failure", "Cannot allocate memory", domain.ErrTransient},
		{"empty stderr", "", domain.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyFFmpegError("ffmpeg", exitErr, tt.stderr, context.Background())
			if got := domain.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyFFmpegError_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled run is classified as cancellation even when stderr
	// happens to contain a permanent signature.
	err := classifyFFmpegError("ffmpeg", errors.New("signal: killed"), "Invalid data found when processing input", ctx)
	if got := domain.KindOf(err); got != domain.ErrCancelled {
		t.Errorf("kind = %s, want cancelled", got)
	}
}

func TestWriteSpriteVTT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprite.vtt")

	// 35s at 10s intervals over 3 columns: 4 tiles, second row starts
	// at tile index 3.
	if err := writeSpriteVTT(path, "sprite.jpg", 35, 10, 3); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "WEBVTT\n") {
		t.Error("missing WEBVTT header")
	}
	if got := strings.Count(content, "#xywh="); got != 4 {
		t.Errorf("cue count = %d, want 4", got)
	}
	if !strings.Contains(content, "00:00:00.000 --> 00:00:10.000") {
		t.Error("missing first cue timing")
	}
	// Final cue is clipped to the source duration.
	if !strings.Contains(content, "00:00:30.000 --> 00:00:35.000") {
		t.Error("missing clipped final cue timing")
	}
	if !strings.Contains(content, "sprite.jpg#xywh=0,0,160,90") {
		t.Error("missing first tile region")
	}
	// Fourth tile wraps to the second row.
	if !strings.Contains(content, "sprite.jpg#xywh=0,90,160,90") {
		t.Error("missing wrapped tile region")
	}
}

func TestVTTTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00.000"},
		{65.5, "00:01:05.500"},
		{3723.25, "01:02:03.250"},
	}

	for _, tt := range tests {
		if got := vttTimestamp(tt.seconds); got != tt.want {
			t.Errorf("vttTimestamp(%g) = %s, want %s", tt.seconds, got, tt.want)
		}
	}
}

func TestFFmpegEngine_StartMissingSource(t *testing.T) {
	e := &FFmpegEngine{ffmpegPath: "/bin/false", ffprobePath: "/bin/false"}

	_, err := e.Start(context.Background(), "/nonexistent/video.mp4", DefaultOutputSpec(t.TempDir()))
	if err == nil {
		t.Fatal("Start should fail for a missing source")
	}
	if got := domain.KindOf(err); got != domain.ErrPermanent {
		t.Errorf("kind = %s, want permanent", got)
	}
}
