package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/clipforge/transcodeq/internal/domain"
)

// RemoteEngine drives a transcoding farm over HTTP. Transport-level
// retries are handled by the client; job-level retries stay with the
// scheduler's policy.
type RemoteEngine struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRemoteEngine creates a client for the transcoding service at
// baseURL.
func NewRemoteEngine(baseURL, token string) *RemoteEngine {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	return &RemoteEngine{
		baseURL:    baseURL,
		token:      token,
		httpClient: retryClient.StandardClient(),
	}
}

type remoteStartRequest struct {
	SourcePath        string `json:"source_path"`
	OutputDir         string `json:"output_dir"`
	HLSSegmentSeconds int    `json:"hls_segment_seconds"`
	ThumbnailOffsetMS int64  `json:"thumbnail_offset_ms"`
	SpriteIntervalMS  int64  `json:"sprite_interval_ms"`
	SpriteColumns     int    `json:"sprite_columns"`
}

type remoteJobState struct {
	ID      string `json:"id"`
	State   string `json:"state"` // running | completed | failed
	Percent int    `json:"percent"`
	Error   string `json:"error,omitempty"`
	// Input errors are the caller's fault and never retried.
	InputError bool          `json:"input_error,omitempty"`
	Result     *remoteResult `json:"result,omitempty"`
}

type remoteResult struct {
	HLSPath       string `json:"hls_path"`
	ThumbnailPath string `json:"thumbnail_path"`
	SpritePath    string `json:"sprite_path"`
	VTTPath       string `json:"vtt_path"`
	Duration      int    `json:"duration_seconds"`
}

// Start submits a transcode to the remote service.
func (e *RemoteEngine) Start(ctx context.Context, sourcePath string, spec OutputSpec) (Handle, error) {
	req := remoteStartRequest{
		SourcePath:        sourcePath,
		OutputDir:         spec.OutputDir,
		HLSSegmentSeconds: spec.HLSSegmentSeconds,
		ThumbnailOffsetMS: spec.ThumbnailOffset.Milliseconds(),
		SpriteIntervalMS:  spec.SpriteInterval.Milliseconds(),
		SpriteColumns:     spec.SpriteColumns,
	}

	var state remoteJobState
	if err := e.doRequest(ctx, http.MethodPost, "/v1/transcodes", req, &state); err != nil {
		return nil, err
	}
	if state.ID == "" {
		return nil, domain.Transient("remote start", fmt.Errorf("service returned no job id"))
	}

	return &remoteHandle{engine: e, remoteID: state.ID}, nil
}

type remoteHandle struct {
	engine   *RemoteEngine
	remoteID string

	mu        sync.Mutex
	cancelled bool
	result    *remoteResult
}

func (h *remoteHandle) Poll(ctx context.Context) (int, bool, error) {
	var state remoteJobState
	err := h.engine.doRequest(ctx, http.MethodGet, "/v1/transcodes/"+h.remoteID, nil, &state)
	if err != nil {
		return 0, false, err
	}

	switch state.State {
	case "completed":
		h.mu.Lock()
		h.result = state.Result
		h.mu.Unlock()
		return 100, true, nil
	case "failed":
		err := fmt.Errorf("remote transcode failed: %s", state.Error)
		if state.InputError {
			return state.Percent, true, domain.Permanent("remote poll", err)
		}
		return state.Percent, true, domain.Transient("remote poll", err)
	default:
		return state.Percent, false, nil
	}
}

func (h *remoteHandle) Cancel() error {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.engine.doRequest(ctx, http.MethodDelete, "/v1/transcodes/"+h.remoteID, nil, nil)
}

func (h *remoteHandle) Result() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		return nil, fmt.Errorf("remote transcode has no result")
	}
	return &Result{
		HLSPath:       h.result.HLSPath,
		ThumbnailPath: h.result.ThumbnailPath,
		SpritePath:    h.result.SpritePath,
		VTTPath:       h.result.VTTPath,
		Duration:      h.result.Duration,
	}, nil
}

// doRequest performs one JSON round trip, classifying failures:
// network errors and 5xx are transient, 4xx permanent.
func (e *RemoteEngine) doRequest(ctx context.Context, method, path string, payload, response any) error {
	var body io.Reader
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return domain.Permanent("remote request", fmt.Errorf("marshal payload: %w", err))
		}
		body = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return domain.Permanent("remote request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Cancelled("remote request", ctx.Err())
		}
		return domain.Transient("remote request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return domain.Transient("remote request", fmt.Errorf("service returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return domain.Permanent("remote request", fmt.Errorf("service returned status %d", resp.StatusCode))
	}

	if response != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return domain.Transient("remote request", fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

var _ Engine = (*RemoteEngine)(nil)
