package api

import (
	"net/http"

	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/storage"
)

// handleFailureSummary handles GET /api/analytics/failures
func (s *Server) handleFailureSummary(w http.ResponseWriter, r *http.Request) {
	if s.services.Analytics == nil {
		respondServiceError(w, r, apperrors.NewServiceUnavailableError("analytics"))
		return
	}

	counts, err := s.services.Analytics.FailureCounts(r.Context(), userFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if counts == nil {
		counts = []storage.PhaseFailureCount{}
	}

	var total uint64
	for _, c := range counts {
		total += c.Count
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"failures": counts,
		"total":    total,
	})
}
