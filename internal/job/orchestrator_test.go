package job

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/types"
)

func strPtr(s string) *string { return &s }

func TestBuildJobConfig(t *testing.T) {
	image := "https://img.test/a.png"
	base := models.BaseConfig{
		Industry:       "Roofing",
		City:           "Houston",
		StoryIdea:      "Why {city} trusts its {industry} crews",
		Model:          "veo-3",
		AspectRatio:    "9:16",
		NumberOfScenes: 3,
		ImageURL:       &image,
	}

	cfg := BuildJobConfig(base, models.Combination{"city": "Dallas"}, "Alex")

	assert.Equal(t, "Alex", cfg.AvatarName)
	assert.Equal(t, "Roofing", cfg.Industry)
	assert.Equal(t, "Dallas", cfg.City)
	assert.Equal(t, "Why Dallas trusts its {industry} crews", cfg.StoryIdea)
	assert.Equal(t, image, cfg.ImageURL)
	assert.Equal(t, 3, cfg.NumberOfScenes)
	assert.False(t, cfg.TextOnly())
}

func TestBuildJobConfig_Overrides(t *testing.T) {
	base := models.BaseConfig{AvatarName: "Sam", Industry: "Roofing", NumberOfScenes: 1}

	cfg := BuildJobConfig(base, models.Combination{"avatarName": "Jo", "industry": "Plumbing", "city": " "}, "Alex")

	assert.Equal(t, "Jo", cfg.AvatarName)
	assert.Equal(t, "Plumbing", cfg.Industry)
	assert.Equal(t, "", cfg.City, "blank override keeps the base value")
	assert.Equal(t, types.TextOnlyImage, cfg.ImageURL)
	assert.True(t, cfg.TextOnly())
}

func TestCreateJobs_OnePerCombination(t *testing.T) {
	p := newPipeline(nil)
	batch := &models.Batch{
		ID:         uuid.NewString(),
		UserID:     "user-1",
		BaseConfig: models.BaseConfig{Industry: "Roofing", Model: "veo-3", NumberOfScenes: 2},
	}
	combos := []models.Combination{{"city": "Austin"}, {"city": "Dallas"}}

	created, failed := p.orch.CreateJobs(context.Background(), batch, combos)

	require.Len(t, created, 2)
	assert.Zero(t, failed)

	jobs, err := p.jobs.ListByBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for i, j := range jobs {
		assert.Equal(t, "Alex", j.Config.AvatarName)
		assert.Equal(t, "Roofing", j.Config.Industry)
		assert.Equal(t, combos[i]["city"], j.Config.City)
		assert.Equal(t, types.PhaseStatusPending, j.Initial.Status)
		assert.Equal(t, 1, j.CurrentScene)
		require.NotNil(t, j.CombinationIndex)
		assert.Equal(t, i, *j.CombinationIndex)
	}

	// a second pass creates nothing
	created, failed = p.orch.CreateJobs(context.Background(), batch, combos)
	assert.Empty(t, created)
	assert.Zero(t, failed)
}

func TestRunInitialPhase_SubmitsFirstScene(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	p := newPipeline(map[string]int64{"user-1": 10}, job)

	got, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)
	require.NoError(t, err)

	assert.Equal(t, types.PhaseStatusGenerating, got.Initial.Status)
	require.NotNil(t, got.Initial.TaskID)
	assert.Equal(t, "task-1", *got.Initial.TaskID)
	require.NotNil(t, got.Initial.ReservationID)
	assert.Equal(t, types.VideoJobPending, p.ledger.status(*got.Initial.ReservationID))
	assert.Equal(t, int64(2), p.ledger.held("user-1"))
	assert.Len(t, got.ScenePrompts, 2)

	req := p.renderer.lastRequest()
	assert.Contains(t, req.Prompt, "scene 1 of Roofing in Austin")
	assert.Empty(t, req.ImageURL, "text-only jobs send no image")
	assert.Equal(t, 8, req.DurationSeconds)
	assert.Equal(t, "https://hooks.test/render", req.CallbackURL)

	stored := p.jobs.stored("job-1")
	assert.Equal(t, types.PhaseStatusGenerating, stored.Initial.Status)
}

func TestRunInitialPhase_InsufficientCredits(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	p := newPipeline(map[string]int64{"user-1": 1}, job)

	got, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)

	var credErr *apperrors.InsufficientCreditsError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, int64(1), credErr.Shortfall)
	require.NotNil(t, got)
	assert.Equal(t, types.PhaseStatusFailed, got.Initial.Status)
	require.NotNil(t, got.Initial.ErrorCode)
	assert.Equal(t, "INSUFFICIENT_CREDITS", *got.Initial.ErrorCode)
	assert.Zero(t, p.renderer.submissions(), "nothing is submitted without credits")
}

func TestRunInitialPhase_PromptFailure(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	p := newPipeline(map[string]int64{"user-1": 10}, job)
	p.prompts.err = apperrors.NewProviderError(types.ProviderRateLimited, http.StatusTooManyRequests, "slow down", nil)

	got, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)
	require.Error(t, err)

	assert.Equal(t, types.PhaseStatusFailed, got.Initial.Status)
	assert.Equal(t, string(types.ProviderRateLimited), *got.Initial.ErrorCode)
	assert.Zero(t, p.ledger.held("user-1"))
}

func TestRunInitialPhase_SubmitFailureReleasesCredits(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	p := newPipeline(map[string]int64{"user-1": 10}, job)
	p.renderer.errs = []error{apperrors.NewProviderError(types.ProviderInvalidParams, http.StatusBadRequest, "bad prompt", nil)}

	got, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)
	require.Error(t, err)

	assert.Equal(t, types.PhaseStatusFailed, got.Initial.Status)
	assert.Equal(t, string(types.ProviderInvalidParams), *got.Initial.ErrorCode)
	assert.Zero(t, p.ledger.held("user-1"))
	assert.Equal(t, int64(10), p.ledger.balance("user-1"))
}

func TestRunInitialPhase_PacerCancelledLeavesPending(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	p := newPipeline(map[string]int64{"user-1": 10}, job)
	p.orch.pacer = nopPacer{err: ratelimit.ErrContextCancelled}

	_, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)
	require.ErrorIs(t, err, ratelimit.ErrContextCancelled)

	assert.Zero(t, p.ledger.held("user-1"))
	assert.Equal(t, types.PhaseStatusPending, p.jobs.stored("job-1").Initial.Status)
}

func TestRunInitialPhase_NotPending(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	job.Initial.MarkGenerating("task-9", job.CreatedAt)
	p := newPipeline(map[string]int64{"user-1": 10}, job)

	_, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)
	assert.Equal(t, http.StatusConflict, apperrors.GetHTTPStatusCode(err))
}

func TestRetryFailedPhase_WithEditedPrompt(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	job.ScenePrompts = []models.ScenePrompt{
		{SceneNumber: 1, VisualPrompt: "original opening"},
		{SceneNumber: 2, VisualPrompt: "original close"},
	}
	job.Initial.Fail(string(types.ProviderInvalidParams), "rejected", "Edit the prompt.")
	p := newPipeline(map[string]int64{"user-1": 10}, job)

	got, err := p.orch.RetryFailedPhase(context.Background(), "user-1", "job-1", &SceneEdit{VisualPrompt: strPtr("edited opening")})
	require.NoError(t, err)

	assert.Equal(t, types.PhaseStatusGenerating, got.Initial.Status)
	assert.Nil(t, got.Initial.Error)
	assert.Nil(t, got.Initial.ErrorCode)

	stored := p.jobs.stored("job-1")
	assert.Equal(t, "edited opening", stored.ScenePrompts[0].VisualPrompt)
	assert.Equal(t, "original close", stored.ScenePrompts[1].VisualPrompt)
	assert.Contains(t, p.renderer.lastRequest().Prompt, "edited opening")
	assert.Zero(t, p.prompts.calls, "stored prompts are reused")
}

func TestRetryFailedPhase_EditAppliedAfterPromptGeneration(t *testing.T) {
	job := newTestJob("job-1", "user-1", 2)
	job.Initial.Fail(string(types.ProviderAPIError), "prompt generator down", "")
	p := newPipeline(map[string]int64{"user-1": 10}, job)

	_, err := p.orch.RetryFailedPhase(context.Background(), "user-1", "job-1", &SceneEdit{Script: strPtr("Call us today")})
	require.NoError(t, err)

	assert.Equal(t, 1, p.prompts.calls)
	stored := p.jobs.stored("job-1")
	assert.Equal(t, "Call us today", stored.ScenePrompts[0].Script)
}

func TestRetryFailedPhase_Errors(t *testing.T) {
	healthy := newTestJob("job-ok", "user-1", 2)
	stitchFailed := newTestJob("job-final", "user-1", 2)
	stitchFailed.Final.Fail("STITCH_UPLOAD_FAILED", "upload failed", "")
	p := newPipeline(map[string]int64{"user-1": 10}, healthy, stitchFailed)

	_, err := p.orch.RetryFailedPhase(context.Background(), "user-1", "job-ok", nil)
	assert.Equal(t, http.StatusConflict, apperrors.GetHTTPStatusCode(err))

	_, err = p.orch.RetryFailedPhase(context.Background(), "user-1", "job-final", nil)
	assert.Equal(t, http.StatusConflict, apperrors.GetHTTPStatusCode(err))

	_, err = p.orch.RetryFailedPhase(context.Background(), "someone-else", "job-ok", nil)
	assert.Equal(t, http.StatusNotFound, apperrors.GetHTTPStatusCode(err))

	_, err = p.orch.RetryFailedPhase(context.Background(), "user-1", "missing", nil)
	assert.Equal(t, http.StatusNotFound, apperrors.GetHTTPStatusCode(err))
}

func completedInitial(id string, scenes int) *models.GenerationJob {
	job := newTestJob(id, "user-1", scenes)
	for i := 1; i <= scenes; i++ {
		job.ScenePrompts = append(job.ScenePrompts, models.ScenePrompt{SceneNumber: i, VisualPrompt: "scene prompt"})
	}
	job.Initial.Status = types.PhaseStatusCompleted
	job.VideoSegments = []models.VideoSegment{{URL: "https://cdn.test/seg0.mp4", DurationMs: 8000, Type: types.SegmentInitial}}
	return job
}

func TestRunExtensionPhase_ContinuesFromLastSegment(t *testing.T) {
	p := newPipeline(map[string]int64{"user-1": 10}, completedInitial("job-1", 3))

	got, err := p.orch.RunExtensionPhase(context.Background(), "user-1", "job-1", &SceneEdit{Script: strPtr("Second line")})
	require.NoError(t, err)

	assert.Equal(t, types.PhaseStatusGenerating, got.Extended.Status)
	assert.Equal(t, 1, got.CurrentScene, "scene advances when the render lands")
	req := p.renderer.lastRequest()
	assert.Equal(t, "https://cdn.test/seg0.mp4", req.SourceVideoURL)
	assert.Contains(t, req.Prompt, "Continue seamlessly")
	assert.Contains(t, req.Prompt, `"Second line"`)
}

func TestRunExtensionPhase_Preconditions(t *testing.T) {
	notReady := newTestJob("job-new", "user-1", 3)
	inFlight := completedInitial("job-busy", 3)
	inFlight.Extended.MarkGenerating("task-x", inFlight.CreatedAt)
	done := completedInitial("job-done", 2)
	done.CurrentScene = 2
	p := newPipeline(map[string]int64{"user-1": 10}, notReady, inFlight, done)

	_, err := p.orch.RunExtensionPhase(context.Background(), "user-1", "job-new", nil)
	assert.Equal(t, http.StatusConflict, apperrors.GetHTTPStatusCode(err))

	_, err = p.orch.RunExtensionPhase(context.Background(), "user-1", "job-busy", nil)
	assert.Equal(t, http.StatusConflict, apperrors.GetHTTPStatusCode(err))

	_, err = p.orch.RunExtensionPhase(context.Background(), "user-1", "job-done", nil)
	var valErr *apperrors.ValidationError
	assert.True(t, errors.As(err, &valErr))

	assert.Zero(t, p.renderer.submissions())
}

func TestDescribeFailure(t *testing.T) {
	code, _, action := describeFailure(apperrors.NewProviderError(types.ProviderCreditExhausted, http.StatusPaymentRequired, "quota", nil))
	assert.Equal(t, string(types.ProviderCreditExhausted), code)
	assert.NotEmpty(t, action)

	code, _, _ = describeFailure(apperrors.NewValidationError("prompt", "too long"))
	assert.Equal(t, string(types.ProviderInvalidParams), code)

	code, msg, _ := describeFailure(errBoom)
	assert.Equal(t, string(types.ProviderAPIError), code)
	assert.Equal(t, "boom", msg)
}
