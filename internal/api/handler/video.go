package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/service"
)

// VideoHandler handles video-related HTTP requests.
type VideoHandler struct {
	orch   *service.Orchestrator
	logger *slog.Logger
}

// NewVideoHandler creates a new video handler.
func NewVideoHandler(orch *service.Orchestrator, logger *slog.Logger) *VideoHandler {
	return &VideoHandler{
		orch:   orch,
		logger: logger,
	}
}

// CreateRequest is the JSON request body for video registration.
type CreateRequest struct {
	Slug       string `json:"slug"`
	SourcePath string `json:"source_path"`
}

// AssetsResponse describes published playback assets.
type AssetsResponse struct {
	VideoURL     string `json:"video_url,omitempty"`
	HLSPath      string `json:"hls_path,omitempty"`
	SpriteURL    string `json:"sprite_url,omitempty"`
	VTTPath      string `json:"vtt_path,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Duration     int    `json:"duration_seconds,omitempty"`
}

// VideoResponse represents a video in API responses.
type VideoResponse struct {
	VideoID   string          `json:"video_id"`
	Slug      string          `json:"slug"`
	Status    string          `json:"status"`
	Assets    *AssetsResponse `json:"assets,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SubmitResponse is the JSON response after admitting a transcode.
type SubmitResponse struct {
	JobID   string `json:"job_id"`
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Create handles POST /api/v1/videos
func (h *VideoHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.orch.CreateVideo(r.Context(), service.CreateVideoRequest{
		Slug:       req.Slug,
		SourcePath: req.SourcePath,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateSlug) {
			writeError(w, http.StatusConflict, "slug already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, videoJSON(resp))
}

// Get handles GET /api/v1/videos/{videoID}
func (h *VideoHandler) Get(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	if videoID == "" {
		writeError(w, http.StatusBadRequest, "missing video ID")
		return
	}

	resp, err := h.orch.GetVideo(r.Context(), domain.VideoID(videoID))
	if err != nil {
		if errors.Is(err, domain.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		h.logger.Error("get video failed", "video_id", videoID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get video")
		return
	}

	writeJSON(w, http.StatusOK, videoJSON(resp))
}

// Delete handles DELETE /api/v1/videos/{videoID}
func (h *VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	if videoID == "" {
		writeError(w, http.StatusBadRequest, "missing video ID")
		return
	}

	if err := h.orch.DeleteVideo(r.Context(), domain.VideoID(videoID)); err != nil {
		if errors.Is(err, domain.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		h.logger.Error("delete video failed", "video_id", videoID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete video")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Submit handles POST /api/v1/videos/{videoID}/transcode
func (h *VideoHandler) Submit(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	if videoID == "" {
		writeError(w, http.StatusBadRequest, "missing video ID")
		return
	}

	resp, err := h.orch.SubmitJob(r.Context(), domain.VideoID(videoID))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrVideoNotFound):
			writeError(w, http.StatusNotFound, "video not found")
		case errors.Is(err, domain.ErrVideoTerminal):
			writeError(w, http.StatusConflict, "video already transcoded")
		default:
			h.logger.Error("submit failed", "video_id", videoID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to admit transcode job")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:   string(resp.JobID),
		VideoID: string(resp.VideoID),
		Status:  string(resp.Status),
		Message: resp.Message,
	})
}

func videoJSON(v *service.VideoResponse) VideoResponse {
	resp := VideoResponse{
		VideoID:   string(v.VideoID),
		Slug:      v.Slug,
		Status:    string(v.Status),
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
	if !v.Assets.Empty() {
		resp.Assets = &AssetsResponse{
			VideoURL:     v.Assets.VideoURL,
			HLSPath:      v.Assets.HLSPath,
			SpriteURL:    v.Assets.SpriteURL,
			VTTPath:      v.Assets.VTTPath,
			ThumbnailURL: v.Assets.ThumbnailURL,
			Duration:     v.Assets.Duration,
		}
	}
	return resp
}
