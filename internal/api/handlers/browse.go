// This file implements the browse session endpoints: open and close a
// share, list directories and search the share index.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/anstrom/sharescan/internal/api/middleware"
	"github.com/anstrom/sharescan/internal/browse"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/index"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/smbclient"
)

// BrowseHandler handles browse session endpoints.
type BrowseHandler struct {
	manager *browse.Manager
	logger  *logging.Logger
}

// NewBrowseHandler creates a new browse handler.
func NewBrowseHandler(manager *browse.Manager, logger *logging.Logger) *BrowseHandler {
	return &BrowseHandler{
		manager: manager,
		logger:  logger.WithFields("handler", "browse"),
	}
}

// ListingResponse is the body of a directory listing.
type ListingResponse struct {
	SessionID string            `json:"session_id"`
	Path      string            `json:"path"`
	Entries   []smbclient.Entry `json:"entries"`
}

// SearchResponse is the body of a search. Entries is set only when Status
// is ready.
type SearchResponse struct {
	SessionID string        `json:"session_id"`
	Keyword   string        `json:"keyword"`
	Status    index.Status  `json:"status"`
	Entries   []index.Entry `json:"entries,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// OpenSession connects to a share and returns the new session.
func (h *BrowseHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req browse.OpenRequest
	if err := parseJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	s, err := h.manager.Open(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Browse session opened",
		"request_id", middleware.GetRequestID(r),
		"session_id", s.ID,
		"host", s.Host,
		"share", s.Share)
	writeJSON(w, r, http.StatusCreated, s.Info())
}

// ListSessions returns the open sessions.
func (h *BrowseHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"sessions": h.manager.List()})
}

// GetSession describes one session.
func (h *BrowseHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, s.Info())
}

// CloseSession disconnects a session and drops its index.
func (h *BrowseHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.manager.Close(id); err != nil && errors.IsCode(err, errors.CodeSessionNotFound) {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDirectory lists ?path= in the session's share.
func (h *BrowseHandler) ListDirectory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	dir := browse.CleanPath(r.URL.Query().Get("path"))
	entries, err := s.ListDirectory(r.Context(), dir)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ListingResponse{SessionID: s.ID, Path: dir, Entries: entries})
}

// Search looks up ?q= in the session's index. With ?wait=true it blocks
// until the index is built; otherwise it answers 202 while building.
func (h *BrowseHandler) Search(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	keyword := r.URL.Query().Get("q")
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	resp := SearchResponse{SessionID: s.ID, Keyword: keyword}

	if wait {
		entries, err := s.Search(r.Context(), keyword)
		if err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
		resp.Status = index.StatusReady
		resp.Entries = entries
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	result := s.TrySearch(keyword)
	resp.Status = result.Status
	switch result.Status {
	case index.StatusReady:
		resp.Entries = result.Entries
		writeJSON(w, r, http.StatusOK, resp)
	case index.StatusBuilding:
		setRetryAfter(w, result.Err)
		writeJSON(w, r, http.StatusAccepted, resp)
	case index.StatusBuildFailed:
		resp.Error = result.Err.Error()
		setRetryAfter(w, result.Err)
		writeJSON(w, r, http.StatusBadGateway, resp)
	default:
		writeDomainError(w, r, h.logger, result.Err)
	}
}

func (h *BrowseHandler) session(w http.ResponseWriter, r *http.Request) (*browse.Session, bool) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return nil, false
	}
	s, err := h.manager.Get(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return nil, false
	}
	return s, true
}
