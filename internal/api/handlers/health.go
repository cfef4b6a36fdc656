// This file implements health check and version endpoints.
package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/sharescan/internal/browse"
	"github.com/anstrom/sharescan/internal/worker"
)

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusAlive     = "alive"
	checkOK         = "ok"
	checkNotRunning = "not running"
	checkPending    = "pending"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// StatsSource reports local worker statistics.
type StatsSource interface {
	GetStats() worker.Stats
}

// MetricsSource reports the state of the metrics exporter.
// metrics.PrometheusMetrics satisfies it.
type MetricsSource interface {
	GetUptime() time.Duration
	GetLastUpdate() time.Time
}

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	build     BuildInfo
	worker    StatsSource
	jobs      *JobStore
	browse    *browse.Manager
	metrics   MetricsSource
	startTime time.Time
}

// NewHealthHandler creates a new health handler. worker may be nil.
func NewHealthHandler(build BuildInfo, w StatsSource, jobs *JobStore, manager *browse.Manager) *HealthHandler {
	return &HealthHandler{
		build:     build,
		worker:    w,
		jobs:      jobs,
		browse:    manager,
		startTime: time.Now(),
	}
}

// SetMetrics adds the exporter to health checks and takes uptime from it.
func (h *HealthHandler) SetMetrics(m MetricsSource) {
	h.metrics = m
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status         string            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	Uptime         string            `json:"uptime"`
	Checks         map[string]string `json:"checks"`
	ActiveJobs     int               `json:"active_jobs"`
	BrowseSessions int               `json:"browse_sessions"`
	Worker         *worker.Stats     `json:"worker,omitempty"`
	MetricsUpdated *time.Time        `json:"metrics_updated,omitempty"`
	Goroutines     int               `json:"goroutines"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	BuildInfo
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness reports that the process is serving.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    StatusAlive,
		Timestamp: time.Now().UTC(),
		Uptime:    h.uptime(),
	})
}

// Health reports the state of the worker and the browse manager.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Uptime:     h.uptime(),
		Checks:     map[string]string{},
		ActiveJobs: h.jobs.Active(),
		Goroutines: runtime.NumGoroutine(),
	}

	if h.worker != nil {
		stats := h.worker.GetStats()
		resp.Worker = &stats
		resp.Checks["worker"] = checkOK
	} else {
		resp.Checks["worker"] = checkNotRunning
		resp.Status = StatusDegraded
	}

	if h.browse != nil {
		resp.BrowseSessions = len(h.browse.List())
		resp.Checks["browse"] = checkOK
	} else {
		resp.Checks["browse"] = checkNotRunning
	}

	if h.metrics != nil {
		resp.Checks["metrics"] = checkPending
		if last := h.metrics.GetLastUpdate(); !last.IsZero() {
			last = last.UTC()
			resp.MetricsUpdated = &last
			resp.Checks["metrics"] = checkOK
		}
	}

	status := http.StatusOK
	if resp.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// Version returns build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		BuildInfo: h.build,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *HealthHandler) uptime() string {
	up := time.Since(h.startTime)
	if h.metrics != nil {
		up = h.metrics.GetUptime()
	}
	return up.Round(time.Second).String()
}
