package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/video-batcher/internal/job"
)

type sceneEditRequest struct {
	VisualPrompt *string `json:"visualPrompt" validate:"omitempty,min=1,max=4000"`
	Script       *string `json:"script" validate:"omitempty,max=2000"`
}

func (r *sceneEditRequest) edit() *job.SceneEdit {
	if r == nil || (r.VisualPrompt == nil && r.Script == nil) {
		return nil
	}
	return &job.SceneEdit{VisualPrompt: r.VisualPrompt, Script: r.Script}
}

type stitchRequest struct {
	TrimSeconds float64 `json:"trimSeconds" validate:"gte=0"`
}

// handleGetJob handles GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.services.Batches.GetJob(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobResponse(j))
}

// handleExtendJob handles POST /api/jobs/{id}/extend
func (s *Server) handleExtendJob(w http.ResponseWriter, r *http.Request) {
	req, ok := parseOptionalEdit(w, r)
	if !ok {
		return
	}
	j, err := s.services.Orchestrator.RunExtensionPhase(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"], req.edit())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, newJobResponse(j))
}

// handleRetryJob handles POST /api/jobs/{id}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	req, ok := parseOptionalEdit(w, r)
	if !ok {
		return
	}
	j, err := s.services.Orchestrator.RetryFailedPhase(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"], req.edit())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, newJobResponse(j))
}

// handleStitchJob handles POST /api/jobs/{id}/stitch
func (s *Server) handleStitchJob(w http.ResponseWriter, r *http.Request) {
	var req stitchRequest
	if r.ContentLength != 0 {
		if err := parseJSONBody(r, &req); err != nil {
			respondServiceError(w, r, err)
			return
		}
	}
	j, err := s.services.Stitching.RequestStitch(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"], req.TrimSeconds)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobResponse(j))
}

// parseOptionalEdit reads a scene edit; an empty body means no edit
func parseOptionalEdit(w http.ResponseWriter, r *http.Request) (*sceneEditRequest, bool) {
	if r.ContentLength == 0 {
		return nil, true
	}
	var req sceneEditRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return nil, false
	}
	return &req, true
}
