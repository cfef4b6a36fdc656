// This file implements the REST scan endpoints: start, list, fetch and
// cancel.
package handlers

import (
	"context"
	"net/http"

	"github.com/anstrom/sharescan/internal/api/middleware"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/worker"
)

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	worker worker.Worker
	jobs   *JobStore
	logger *logging.Logger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(w worker.Worker, jobs *JobStore, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		worker: w,
		jobs:   jobs,
		logger: logger.WithFields("handler", "scan"),
	}
}

// ScanListResponse is the body of GET /scans.
type ScanListResponse struct {
	Scans []JobView `json:"scans"`
	Total int       `json:"total"`
}

// ListScans returns running and recently finished jobs.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	scans := h.jobs.List()
	writeJSON(w, r, http.StatusOK, ScanListResponse{Scans: scans, Total: len(scans)})
}

// StartScan starts a job in the background and returns at once. Progress is
// visible through GetScan.
func (h *ScanHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req scanning.ScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	// The job outlives the request.
	handle, err := h.worker.Start(context.Background(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	tracked := h.jobs.Track(req, handle)
	go h.jobs.Consume(tracked, nil)

	h.logger.Info("Scan started",
		"request_id", middleware.GetRequestID(r),
		"job_id", handle.JobID(),
		"range", req.Range)
	writeJSON(w, r, http.StatusAccepted, tracked.snapshot())
}

// GetScan returns one job with the results gathered so far.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	view, err := h.jobs.Get(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// CancelScan requests cancellation and returns without waiting for the job
// to stop.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	view, err := h.jobs.Cancel(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Scan cancel requested", "request_id", middleware.GetRequestID(r), "job_id", id)
	writeJSON(w, r, http.StatusAccepted, view)
}
