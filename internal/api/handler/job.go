package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/transcodeq/internal/domain"
	"github.com/clipforge/transcodeq/internal/service"
)

// JobHandler handles transcode job HTTP requests.
type JobHandler struct {
	orch   *service.Orchestrator
	logger *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(orch *service.Orchestrator, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		orch:   orch,
		logger: logger,
	}
}

// JobResponse represents a transcode job in API responses.
type JobResponse struct {
	JobID     string          `json:"job_id"`
	VideoID   string          `json:"video_id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Attempts  int             `json:"attempts"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Assets    *AssetsResponse `json:"assets,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Get handles GET /api/v1/jobs/{jobID}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	status, err := h.orch.GetJobStatus(r.Context(), domain.JobID(jobID))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	resp := JobResponse{
		JobID:     string(status.JobID),
		VideoID:   string(status.VideoID),
		Status:    string(status.Status),
		Progress:  status.Progress,
		Attempts:  status.Attempts,
		ErrorKind: status.ErrorKind,
		Error:     status.Error,
		CreatedAt: status.CreatedAt,
		UpdatedAt: status.UpdatedAt,
	}
	if !status.Assets.Empty() {
		resp.Assets = &AssetsResponse{
			VideoURL:     status.Assets.VideoURL,
			HLSPath:      status.Assets.HLSPath,
			SpriteURL:    status.Assets.SpriteURL,
			VTTPath:      status.Assets.VTTPath,
			ThumbnailURL: status.Assets.ThumbnailURL,
			Duration:     status.Assets.Duration,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /api/v1/jobs/{jobID}
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	if err := h.orch.CancelJob(r.Context(), domain.JobID(jobID)); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("cancel failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
