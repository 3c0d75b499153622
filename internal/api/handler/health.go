package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/clipforge/transcodeq/internal/service"
)

var startTime = time.Now()

// HealthHandler handles health check and stats endpoints.
type HealthHandler struct {
	orch *service.Orchestrator
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(orch *service.Orchestrator) *HealthHandler {
	return &HealthHandler{
		orch: orch,
	}
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    string     `json:"status"`
	Timestamp string     `json:"timestamp"`
	Jobs      *JobCounts `json:"jobs,omitempty"`
}

// JobCounts contains job counts by status.
type JobCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Queued     int `json:"queued"`
}

// Live handles GET /health - liveness probe.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready - readiness probe. Fails when the record
// store is unreachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.orch.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "error",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Jobs: &JobCounts{
			Pending:    stats.Pending,
			Processing: stats.Processing,
			Completed:  stats.Completed,
			Failed:     stats.Failed,
			Queued:     stats.Queued,
		},
	})
}

// SystemStats contains system resource statistics.
type SystemStats struct {
	Uptime        int64      `json:"uptime_seconds"`
	UptimeHuman   string     `json:"uptime_human"`
	MemAllocMB    int64      `json:"mem_alloc_mb"`
	MemSysMB      int64      `json:"mem_sys_mb"`
	RAMUsedPct    float64    `json:"ram_used_pct"`
	CPUUsedPct    float64    `json:"cpu_used_pct"`
	NumGoroutines int        `json:"num_goroutines"`
	NumCPU        int        `json:"num_cpu"`
	Jobs          *JobCounts `json:"jobs,omitempty"`
}

// Stats handles GET /api/v1/stats - system and queue statistics.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime)
	stats := SystemStats{
		Uptime:        int64(uptime.Seconds()),
		UptimeHuman:   formatUptime(uptime),
		MemAllocMB:    int64(m.Alloc / 1024 / 1024),
		MemSysMB:      int64(m.Sys / 1024 / 1024),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
	}

	if v, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		stats.RAMUsedPct = v.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(pct) > 0 {
		stats.CPUUsedPct = pct[0]
	}

	if jobs, err := h.orch.Stats(r.Context()); err == nil {
		stats.Jobs = &JobCounts{
			Pending:    jobs.Pending,
			Processing: jobs.Processing,
			Completed:  jobs.Completed,
			Failed:     jobs.Failed,
			Queued:     jobs.Queued,
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
