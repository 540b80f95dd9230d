package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/video-batcher/internal/job"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/types"
)

type createBatchRequest struct {
	BaseConfig   baseConfigRequest `json:"baseConfig"`
	Variables    []variableRequest `json:"variables" validate:"max=16,dive"`
	TestRunLimit int               `json:"testRunLimit" validate:"gte=0"`
}

type baseConfigRequest struct {
	AvatarName     string  `json:"avatarName"`
	Industry       string  `json:"industry"`
	City           string  `json:"city"`
	StoryIdea      string  `json:"storyIdea" validate:"max=4000"`
	Model          string  `json:"model" validate:"required"`
	AspectRatio    string  `json:"aspectRatio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	NumberOfScenes int     `json:"numberOfScenes" validate:"required,gte=1"`
	ImageURL       *string `json:"imageUrl" validate:"omitempty,url"`
}

type variableRequest struct {
	Name   string   `json:"name" validate:"required"`
	Label  string   `json:"label"`
	Values []string `json:"values" validate:"max=100"`
}

// jobResponse carries the derived overall status next to the stored job
type jobResponse struct {
	*models.GenerationJob
	OverallStatus types.OverallStatus `json:"overallStatus"`
}

func newJobResponse(j *models.GenerationJob) jobResponse {
	return jobResponse{GenerationJob: j, OverallStatus: j.OverallStatus()}
}

// handleCreateBatch handles POST /api/batches
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	variables := make([]models.Variable, len(req.Variables))
	for i, v := range req.Variables {
		variables[i] = models.Variable{Name: v.Name, Label: v.Label, Values: v.Values}
	}
	aspect := req.BaseConfig.AspectRatio
	if aspect == "" {
		aspect = "9:16"
	}

	batch, err := s.services.Batches.CreateBatch(r.Context(), &job.CreateBatchInput{
		UserID: userFromContext(r.Context()),
		BaseConfig: models.BaseConfig{
			AvatarName:     req.BaseConfig.AvatarName,
			Industry:       req.BaseConfig.Industry,
			City:           req.BaseConfig.City,
			StoryIdea:      req.BaseConfig.StoryIdea,
			Model:          req.BaseConfig.Model,
			AspectRatio:    aspect,
			NumberOfScenes: req.BaseConfig.NumberOfScenes,
			ImageURL:       req.BaseConfig.ImageURL,
		},
		Variables:    variables,
		TestRunLimit: req.TestRunLimit,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, batch)
}

// handleGetBatch handles GET /api/batches/{id}
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.services.Batches.GetBatch(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// handleResumeBatch handles POST /api/batches/{id}/resume
func (s *Server) handleResumeBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.services.Batches.ResumeBatch(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, batch)
}

// handleListBatchJobs handles GET /api/batches/{id}/jobs
func (s *Server) handleListBatchJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.services.Batches.ListBatchJobs(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = newJobResponse(j)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"total": len(out),
	})
}
