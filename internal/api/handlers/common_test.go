package handlers

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"session not found", errors.ErrSessionNotFound("s1"), http.StatusNotFound, ""},
		{"index building", errors.ErrIndexBuilding("s1"), http.StatusServiceUnavailable, retryAfter},
		{"index build failed", errors.ErrIndexBuildFailed("s1", "docs", stderrors.New("reset")), http.StatusBadGateway, retryAfter},
		{"auth failed", errors.ErrAuthFailed("10.0.0.1", nil), http.StatusForbidden, ""},
		{"uncoded", stderrors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/browse/s1/search", nil)
			writeDomainError(rec, req, logging.NewNop(), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
