// Package job drives generation jobs through their render phases: creation
// from batch combinations, prompt generation, render submission, provider
// callbacks, retries and timeouts.
package job

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/expander"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/service"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// JobRepository is the generation job persistence the orchestrator needs
type JobRepository interface {
	Create(ctx context.Context, job *models.GenerationJob) (bool, error)
	GetByID(ctx context.Context, id string) (*models.GenerationJob, error)
	Update(ctx context.Context, job *models.GenerationJob) error
	FindByTaskID(ctx context.Context, taskID string) (*models.GenerationJob, error)
	ListByBatch(ctx context.Context, batchID string) ([]*models.GenerationJob, error)
	ListPendingInitialByBatch(ctx context.Context, batchID string) ([]*models.GenerationJob, error)
	ExistsForCombination(ctx context.Context, batchID string, index int) (bool, error)
	ListStaleGenerating(ctx context.Context, cutoff time.Time, limit int) ([]*models.GenerationJob, error)
	ListGenerating(ctx context.Context, limit int) ([]*models.GenerationJob, error)
}

// PromptGenerator writes the scene plan of a job
type PromptGenerator interface {
	GeneratePrompts(ctx context.Context, cfg models.JobConfig) ([]models.ScenePrompt, error)
}

// RenderProvider accepts render submissions
type RenderProvider interface {
	Name() string
	SubmitRender(ctx context.Context, req adapter.RenderRequest) (string, error)
}

// Ledger is the part of the credit ledger the job pipeline uses
type Ledger interface {
	CheckCredits(ctx context.Context, userID string, units float64) (*models.CreditCheck, error)
	Reserve(ctx context.Context, userID, generationID, provider string, phase types.Phase, units float64) (*models.VideoJob, error)
	Charge(ctx context.Context, reservationID string, actualUnits *float64) error
	Refund(ctx context.Context, reservationID string) error
	SegmentUnits(segments int) float64
	SegmentSeconds() int
}

// Pacer spaces render submissions
type Pacer interface {
	Wait(ctx context.Context, priority ratelimit.Priority) error
}

// SceneEdit overrides the stored prompt or script of a scene. Nil fields are kept.
type SceneEdit struct {
	VisualPrompt *string
	Script       *string
}

func (e *SceneEdit) empty() bool {
	return e == nil || (e.VisualPrompt == nil && e.Script == nil)
}

// Orchestrator sequences the phase transitions of generation jobs
type Orchestrator struct {
	jobs          JobRepository
	prompts       PromptGenerator
	renderer      RenderProvider
	ledger        Ledger
	pacer         Pacer
	events        service.EventRecorder
	callbackURL   string
	defaultAvatar string
	now           func() time.Time
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(
	jobs JobRepository,
	prompts PromptGenerator,
	renderer RenderProvider,
	ledger Ledger,
	pacer Pacer,
	events service.EventRecorder,
	cfg *config.OrchestratorConfig,
) *Orchestrator {
	if events == nil {
		events = service.NopEventRecorder{}
	}
	return &Orchestrator{
		jobs:          jobs,
		prompts:       prompts,
		renderer:      renderer,
		ledger:        ledger,
		pacer:         pacer,
		events:        events,
		callbackURL:   cfg.CallbackURL,
		defaultAvatar: cfg.DefaultAvatarName,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// BuildJobConfig snapshots the batch configuration for one combination.
// Avatar name, industry and city come from the combination when it sets them.
func BuildJobConfig(base models.BaseConfig, combo models.Combination, defaultAvatar string) models.JobConfig {
	pick := func(variable, fallback string) string {
		if v, ok := combo[variable]; ok && strings.TrimSpace(v) != "" {
			return v
		}
		return fallback
	}

	avatar := base.AvatarName
	if avatar == "" {
		avatar = defaultAvatar
	}

	imageURL := types.TextOnlyImage
	if base.ImageURL != nil && strings.TrimSpace(*base.ImageURL) != "" {
		imageURL = *base.ImageURL
	}

	return models.JobConfig{
		AvatarName:     pick(models.VariableAvatarName, avatar),
		Industry:       pick(models.VariableIndustry, base.Industry),
		City:           pick(models.VariableCity, base.City),
		StoryIdea:      expander.Substitute(base.StoryIdea, combo),
		ImageURL:       imageURL,
		Model:          base.Model,
		AspectRatio:    base.AspectRatio,
		NumberOfScenes: base.NumberOfScenes,
	}
}

// CreateJobs creates one pending job per combination of the batch that has no job yet.
// Failures are logged and skipped. It returns the IDs of the jobs it created and
// the number of combinations it could not create.
func (o *Orchestrator) CreateJobs(ctx context.Context, batch *models.Batch, combinations []models.Combination) ([]string, int) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"batchId": batch.ID,
		"userId":  batch.UserID,
	})

	created := make([]string, 0, len(combinations))
	failed := 0
	for index, combo := range combinations {
		if ctx.Err() != nil {
			failed += len(combinations) - index
			break
		}

		exists, err := o.jobs.ExistsForCombination(ctx, batch.ID, index)
		if err != nil {
			logger.WithError(err).WithField("combinationIndex", index).Error("Failed to check existing job")
			failed++
			continue
		}
		if exists {
			continue
		}

		job := models.NewGenerationJob(uuid.NewString(), batch.UserID, BuildJobConfig(batch.BaseConfig, combo, o.defaultAvatar))
		batchID, idx := batch.ID, index
		job.BatchID = &batchID
		job.CombinationIndex = &idx
		job.Combination = combo

		inserted, err := o.jobs.Create(ctx, job)
		if err != nil {
			logger.WithError(err).WithField("combinationIndex", index).Error("Failed to create generation job")
			failed++
			continue
		}
		if !inserted {
			continue
		}
		created = append(created, job.ID)
		service.RecordPhase(ctx, o.events, job, types.PhaseInitial)
	}

	logger.WithFields(map[string]interface{}{
		"created": len(created),
		"failed":  failed,
	}).Info("Generation jobs created")
	return created, failed
}

// RunInitialPhase generates the scene plan when the job has none and submits the first scene.
// Failures are stored on the initial phase and returned.
func (o *Orchestrator) RunInitialPhase(ctx context.Context, jobID string, priority ratelimit.Priority) (*models.GenerationJob, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.runInitial(ctx, job, nil, priority)
}

func (o *Orchestrator) runInitial(ctx context.Context, job *models.GenerationJob, edit *SceneEdit, priority ratelimit.Priority) (*models.GenerationJob, error) {
	if job.Initial.Status != types.PhaseStatusPending {
		return nil, apperrors.NewConflictError("initial phase of job " + job.ID + " is " + string(job.Initial.Status))
	}

	logger := jobLogger(ctx, job, types.PhaseInitial)

	if len(job.ScenePrompts) == 0 {
		prompts, err := o.prompts.GeneratePrompts(ctx, job.Config)
		if err != nil {
			logger.WithError(err).Warn("Prompt generation failed")
			return o.failPhase(ctx, job, types.PhaseInitial, err)
		}
		job.ScenePrompts = prompts
	}
	applyEdit(job, 1, edit)

	scene, ok := job.Scene(1)
	if !ok {
		return o.failPhase(ctx, job, types.PhaseInitial,
			apperrors.NewProviderError(types.ProviderAPIError, 0, "job has no prompt for scene 1", nil))
	}

	req := adapter.RenderRequest{
		Model:           job.Config.Model,
		Prompt:          BuildRenderPrompt(*scene),
		DurationSeconds: o.ledger.SegmentSeconds(),
		AspectRatio:     job.Config.AspectRatio,
		CallbackURL:     o.callbackURL,
	}
	if !job.Config.TextOnly() {
		req.ImageURL = job.Config.ImageURL
	}

	return o.submit(ctx, job, types.PhaseInitial, req, priority)
}

// RunExtensionPhase submits the next scene, continuing from the last segment.
// The initial phase must be completed, no extension may be in flight, and scenes must remain.
func (o *Orchestrator) RunExtensionPhase(ctx context.Context, userID, jobID string, edit *SceneEdit) (*models.GenerationJob, error) {
	job, err := o.loadOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return o.runExtension(ctx, job, edit)
}

func (o *Orchestrator) runExtension(ctx context.Context, job *models.GenerationJob, edit *SceneEdit) (*models.GenerationJob, error) {
	if job.Initial.Status != types.PhaseStatusCompleted {
		return nil, apperrors.NewConflictError("job " + job.ID + " cannot be extended before its initial render completes")
	}
	if job.Extended.Status == types.PhaseStatusGenerating {
		return nil, apperrors.NewConflictError("job " + job.ID + " is already rendering an extension")
	}
	if job.Extended.Status == types.PhaseStatusFailed {
		return nil, apperrors.NewConflictError("the last extension of job " + job.ID + " failed; retry it instead")
	}
	if !job.CanExtend() {
		return nil, apperrors.NewValidationError("currentScene", "all scenes of the job have been rendered")
	}

	last, ok := job.LastSegment()
	if !ok || last.URL == "" {
		return nil, apperrors.NewValidationError("videoSegments", "job has no segment to extend from")
	}

	sceneNumber := job.CurrentScene + 1
	applyEdit(job, sceneNumber, edit)
	scene, ok := job.Scene(sceneNumber)
	if !ok {
		return nil, apperrors.NewValidationError("scenePrompts", "job has no prompt for the next scene")
	}

	// a completed extension starts a new cycle for the next scene
	if job.Extended.Status == types.PhaseStatusCompleted {
		job.Extended.Reset()
	}

	req := adapter.RenderRequest{
		Model:           job.Config.Model,
		Prompt:          BuildExtensionPrompt(*scene, job.Config),
		SourceVideoURL:  last.URL,
		DurationSeconds: o.ledger.SegmentSeconds(),
		AspectRatio:     job.Config.AspectRatio,
		CallbackURL:     o.callbackURL,
	}
	return o.submit(ctx, job, types.PhaseExtended, req, ratelimit.PriorityHigh)
}

// RetryFailedPhase resets the failed render phase, the initial phase taking
// precedence, applies the user's edits to its scene and submits it again.
// Phases that are not failed are never touched.
func (o *Orchestrator) RetryFailedPhase(ctx context.Context, userID, jobID string, edit *SceneEdit) (*models.GenerationJob, error) {
	job, err := o.loadOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	var phase types.Phase
	switch {
	case job.Initial.Status == types.PhaseStatusFailed:
		phase = types.PhaseInitial
	case job.Extended.Status == types.PhaseStatusFailed:
		phase = types.PhaseExtended
	case job.Final.Status == types.PhaseStatusFailed:
		return nil, apperrors.NewConflictError("stitching failed for job " + jobID + "; request the stitch again")
	default:
		return nil, apperrors.NewConflictError("job " + jobID + " has no failed phase to retry")
	}

	state := job.PhaseState(phase)
	if state.ReservationID != nil {
		// a failure normally releases the hold already; this covers one that did not
		if err := o.ledger.Refund(ctx, *state.ReservationID); err != nil {
			jobLogger(ctx, job, phase).WithError(err).Warn("Failed to release reservation before retry")
		}
	}
	state.Reset()

	if phase == types.PhaseExtended || len(job.ScenePrompts) > 0 {
		sceneNumber := 1
		if phase == types.PhaseExtended {
			sceneNumber = job.CurrentScene + 1
		}
		applyEdit(job, sceneNumber, edit)
		edit = nil
	}

	if err := o.jobs.Update(ctx, job); err != nil {
		return nil, o.wrapUpdateError(jobID, err)
	}
	service.RecordPhase(ctx, o.events, job, phase)
	jobLogger(ctx, job, phase).Info("Phase reset for retry")

	if phase == types.PhaseInitial {
		return o.runInitial(ctx, job, edit, ratelimit.PriorityHigh)
	}
	return o.runExtension(ctx, job, nil)
}

// submit reserves credits for one segment, waits for the pacer and submits the render.
// The phase is generating on success and failed otherwise.
func (o *Orchestrator) submit(ctx context.Context, job *models.GenerationJob, phase types.Phase, req adapter.RenderRequest, priority ratelimit.Priority) (*models.GenerationJob, error) {
	logger := jobLogger(ctx, job, phase)
	state := job.PhaseState(phase)

	reservation, err := o.ledger.Reserve(ctx, job.UserID, job.ID, o.renderer.Name(), phase, o.ledger.SegmentUnits(1))
	if err != nil {
		logger.WithError(err).Warn("Credit reservation failed")
		return o.failPhase(ctx, job, phase, err)
	}

	if err := o.pacer.Wait(ctx, priority); err != nil {
		o.release(ctx, logger, reservation.ID)
		return nil, err
	}

	taskID, err := o.renderer.SubmitRender(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("Render submission failed")
		o.release(ctx, logger, reservation.ID)
		return o.failPhase(ctx, job, phase, err)
	}

	state.MarkGenerating(taskID, o.now())
	reservationID := reservation.ID
	state.ReservationID = &reservationID
	if err := o.jobs.Update(ctx, job); err != nil {
		// the render is in flight; the callback cannot be matched without the task ID
		logger.WithError(err).WithField("taskId", taskID).Error("Failed to persist submitted render")
		return nil, o.wrapUpdateError(job.ID, err)
	}
	service.RecordPhase(ctx, o.events, job, phase)

	logger.WithFields(map[string]interface{}{
		"taskId":        taskID,
		"reservationId": reservationID,
		"scene":         job.CurrentScene,
	}).Info("Render submitted")
	return job, nil
}

func (o *Orchestrator) release(ctx context.Context, logger *logging.Logger, reservationID string) {
	if err := o.ledger.Refund(ctx, reservationID); err != nil {
		logger.WithError(err).WithField("reservationId", reservationID).Error("Failed to release credit reservation")
	}
}

// failPhase stores cause on phase and returns the updated job with cause.
func (o *Orchestrator) failPhase(ctx context.Context, job *models.GenerationJob, phase types.Phase, cause error) (*models.GenerationJob, error) {
	code, message, action := describeFailure(cause)
	job.PhaseState(phase).Fail(code, message, action)

	if err := o.jobs.Update(ctx, job); err != nil {
		jobLogger(ctx, job, phase).WithError(err).Error("Failed to persist phase failure")
		return nil, o.wrapUpdateError(job.ID, err)
	}
	service.RecordPhase(ctx, o.events, job, phase)
	return job, cause
}

func (o *Orchestrator) loadJob(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("job", jobID)
		}
		return nil, apperrors.NewInfrastructureError("load job", err)
	}
	return job, nil
}

func (o *Orchestrator) loadOwnedJob(ctx context.Context, userID, jobID string) (*models.GenerationJob, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperrors.NewNotFoundError("job", jobID)
	}
	return job, nil
}

func (o *Orchestrator) wrapUpdateError(jobID string, err error) error {
	if errors.Is(err, storage.ErrStaleJob) {
		return apperrors.NewConflictError("job " + jobID + " was modified concurrently")
	}
	return apperrors.NewInfrastructureError("update job", err)
}

// describeFailure maps an error onto the code, message and user action stored on a phase
func describeFailure(err error) (code, message, action string) {
	var provErr *apperrors.ProviderError
	if errors.As(err, &provErr) {
		return string(provErr.Type), provErr.Message, provErr.UserAction
	}

	var credErr *apperrors.InsufficientCreditsError
	if errors.As(err, &credErr) {
		return "INSUFFICIENT_CREDITS", credErr.Error(), "Buy more credits and retry this video."
	}

	var valErr *apperrors.ValidationError
	if errors.As(err, &valErr) {
		info := types.DescribeProviderError(types.ProviderInvalidParams)
		return string(types.ProviderInvalidParams), valErr.Error(), info.UserAction
	}

	info := types.DescribeProviderError(types.ProviderAPIError)
	return string(types.ProviderAPIError), err.Error(), info.UserAction
}

func applyEdit(job *models.GenerationJob, sceneNumber int, edit *SceneEdit) {
	if edit.empty() {
		return
	}
	scene, ok := job.Scene(sceneNumber)
	if !ok {
		return
	}
	if edit.VisualPrompt != nil {
		scene.VisualPrompt = *edit.VisualPrompt
	}
	if edit.Script != nil {
		scene.Script = *edit.Script
	}
}

func jobLogger(ctx context.Context, job *models.GenerationJob, phase types.Phase) *logging.Logger {
	fields := map[string]interface{}{
		"jobId":  job.ID,
		"userId": job.UserID,
		"phase":  phase,
	}
	if job.BatchID != nil {
		fields["batchId"] = *job.BatchID
	}
	return logging.FromContext(ctx).WithFields(fields)
}
