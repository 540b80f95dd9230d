package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/expander"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// BatchRepository is the batch persistence the batch service needs
type BatchRepository interface {
	Create(ctx context.Context, batch *models.Batch) error
	GetByID(ctx context.Context, id string) (*models.Batch, error)
	UpdateProgress(ctx context.Context, batch *models.Batch) error
}

// BatchQueue hands batches to the worker that runs them
type BatchQueue interface {
	Enqueue(ctx context.Context, batchID string) error
}

// Limits applied to every submission
const (
	MaxVariables = 16
	// MaxJobsPerBatch caps a batch when no limit is configured
	MaxJobsPerBatch = 1000
)

// CreateBatchInput is one user submission
type CreateBatchInput struct {
	UserID       string
	BaseConfig   models.BaseConfig
	Variables    []models.Variable
	TestRunLimit int
}

// BatchService creates, resumes and runs batches
type BatchService struct {
	batches      BatchRepository
	jobs         JobRepository
	orchestrator *Orchestrator
	ledger       Ledger
	queue        BatchQueue
	maxScenes    int
	maxJobs      int
	now          func() time.Time
}

// NewBatchService creates a new batch service
func NewBatchService(
	batches BatchRepository,
	jobs JobRepository,
	orchestrator *Orchestrator,
	ledger Ledger,
	queue BatchQueue,
	cfg *config.OrchestratorConfig,
) *BatchService {
	return &BatchService{
		batches:      batches,
		jobs:         jobs,
		orchestrator: orchestrator,
		ledger:       ledger,
		queue:        queue,
		maxScenes:    cfg.MaxScenes,
		maxJobs:      cfg.MaxJobsPerBatch,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ValidateBatchInput rejects submissions that cannot produce any job
func (s *BatchService) ValidateBatchInput(input *CreateBatchInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return apperrors.NewValidationError("userId", "is required")
	}
	base := input.BaseConfig
	if strings.TrimSpace(base.Model) == "" {
		return apperrors.NewValidationError("baseConfig.model", "is required")
	}
	if base.NumberOfScenes < 1 || (s.maxScenes > 0 && base.NumberOfScenes > s.maxScenes) {
		return apperrors.NewValidationError("baseConfig.numberOfScenes",
			fmt.Sprintf("must be between 1 and %d", s.maxScenes))
	}
	if input.TestRunLimit < 0 {
		return apperrors.NewValidationError("testRunLimit", "cannot be negative")
	}

	if len(input.Variables) > MaxVariables {
		return apperrors.NewValidationError("variables",
			fmt.Sprintf("at most %d variables are allowed", MaxVariables))
	}

	seen := make(map[string]bool, len(input.Variables))
	for i, v := range input.Variables {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return apperrors.NewValidationError(fmt.Sprintf("variables[%d].name", i), "is required")
		}
		if seen[name] {
			return apperrors.NewValidationError(fmt.Sprintf("variables[%d].name", i), "duplicate variable "+name)
		}
		seen[name] = true
	}

	limit := s.maxJobs
	if limit <= 0 {
		limit = MaxJobsPerBatch
	}
	if n := expander.Count(input.Variables); n > limit {
		return apperrors.NewValidationError("variables",
			fmt.Sprintf("expands to %d jobs, the limit is %d", n, limit))
	}
	return nil
}

// CreateBatch expands the variables, checks the user can afford the initial
// renders it is about to create, stores the batch with its jobs and queues it.
// With a test-run limit only the first jobs are created.
func (s *BatchService) CreateBatch(ctx context.Context, input *CreateBatchInput) (*models.Batch, error) {
	if err := s.ValidateBatchInput(input); err != nil {
		return nil, err
	}

	combinations := expander.Expand(input.Variables)
	toCreate := combinations
	if input.TestRunLimit > 0 && input.TestRunLimit < len(combinations) {
		toCreate = combinations[:input.TestRunLimit]
	}

	if err := s.preflight(ctx, input.UserID, len(toCreate)); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &models.Batch{
		ID:                uuid.NewString(),
		UserID:            input.UserID,
		BaseConfig:        input.BaseConfig,
		Variables:         input.Variables,
		InputCombinations: combinations,
		Status:            types.BatchStatusProcessing,
		TestRunLimit:      input.TestRunLimit,
		TotalJobs:         len(combinations),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, apperrors.NewInfrastructureError("create batch", err)
	}

	created, failed := s.orchestrator.CreateJobs(ctx, batch, toCreate)
	s.enqueue(ctx, batch)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"batchId":      batch.ID,
		"userId":       batch.UserID,
		"combinations": len(combinations),
		"created":      len(created),
		"failed":       failed,
	}).Info("Batch created")
	return batch, nil
}

// ResumeBatch creates the jobs a paused or partially failed batch is missing and queues it again.
// Existing jobs are matched by combination index, never by count.
func (s *BatchService) ResumeBatch(ctx context.Context, userID, batchID string) (*models.Batch, error) {
	batch, err := s.GetBatch(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != types.BatchStatusPausedForReview && batch.Status != types.BatchStatusFailed {
		return nil, apperrors.NewConflictError("batch " + batchID + " is " + string(batch.Status))
	}

	missing := 0
	for index := range batch.InputCombinations {
		exists, err := s.jobs.ExistsForCombination(ctx, batch.ID, index)
		if err != nil {
			return nil, apperrors.NewInfrastructureError("check batch jobs", err)
		}
		if !exists {
			missing++
		}
	}
	if err := s.preflight(ctx, batch.UserID, missing); err != nil {
		return nil, err
	}

	batch.Status = types.BatchStatusProcessing
	batch.IsPaused = false
	if err := s.batches.UpdateProgress(ctx, batch); err != nil {
		return nil, apperrors.NewInfrastructureError("resume batch", err)
	}

	created, failed := s.orchestrator.CreateJobs(ctx, batch, batch.InputCombinations)
	s.enqueue(ctx, batch)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"batchId": batch.ID,
		"userId":  batch.UserID,
		"created": len(created),
		"failed":  failed,
	}).Info("Batch resumed")
	return batch, nil
}

// RunBatch submits the initial phase of every pending job of the batch, one
// after the other, and stores the counts. A failing job never stops the loop.
func (s *BatchService) RunBatch(ctx context.Context, batchID string) (*models.BatchRunResult, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"batchId": batch.ID,
		"userId":  batch.UserID,
	})

	pending, err := s.jobs.ListPendingInitialByBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	result := &models.BatchRunResult{BatchID: batch.ID}
	for _, job := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.orchestrator.RunInitialPhase(ctx, job.ID, ratelimit.PriorityLow); err != nil {
			if errors.Is(err, ratelimit.ErrContextCancelled) || errors.Is(err, context.Canceled) {
				break
			}
			logger.WithError(err).WithField("jobId", job.ID).Warn("Job failed to start")
			result.Failed++
			continue
		}
		result.Started++
	}

	batch.JobsStarted += result.Started
	batch.JobsFailed += result.Failed

	if ctx.Err() != nil {
		// the queue entry is gone; failed makes the rest reachable through ResumeBatch
		batch.Status = types.BatchStatusFailed
		batch.IsPaused = false
		result.Status = batch.Status
		if err := s.batches.UpdateProgress(context.WithoutCancel(ctx), batch); err != nil {
			logger.WithError(err).Error("Failed to store batch progress")
		}
		logger.WithFields(map[string]interface{}{
			"started": result.Started,
			"failed":  result.Failed,
		}).Warn("Batch run interrupted")
		return result, ctx.Err()
	}

	jobs, err := s.jobs.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	if len(jobs) < len(batch.InputCombinations) {
		batch.Status = types.BatchStatusPausedForReview
		batch.IsPaused = true
	} else {
		batch.Status = types.BatchStatusCompleted
		batch.IsPaused = false
	}
	result.Status = batch.Status

	if err := s.batches.UpdateProgress(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to store batch progress: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"started": result.Started,
		"failed":  result.Failed,
		"status":  result.Status,
	}).Info("Batch run finished")
	return result, nil
}

// FailBatch marks a batch whose run could not finish. It can be resumed.
func (s *BatchService) FailBatch(ctx context.Context, batchID string, cause error) error {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	batch.Status = types.BatchStatusFailed
	batch.IsPaused = false
	if err := s.batches.UpdateProgress(ctx, batch); err != nil {
		return fmt.Errorf("failed to mark batch failed: %w", err)
	}
	logging.FromContext(ctx).WithError(cause).WithField("batchId", batchID).Error("Batch run failed")
	return nil
}

// GetBatch returns a batch owned by userID
func (s *BatchService) GetBatch(ctx context.Context, userID, batchID string) (*models.Batch, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("batch", batchID)
		}
		return nil, apperrors.NewInfrastructureError("load batch", err)
	}
	if batch.UserID != userID {
		return nil, apperrors.NewNotFoundError("batch", batchID)
	}
	return batch, nil
}

// ListBatchJobs returns the jobs of a batch owned by userID in combination order
func (s *BatchService) ListBatchJobs(ctx context.Context, userID, batchID string) ([]*models.GenerationJob, error) {
	if _, err := s.GetBatch(ctx, userID, batchID); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, apperrors.NewInfrastructureError("list batch jobs", err)
	}
	return jobs, nil
}

// GetJob returns a generation job owned by userID
func (s *BatchService) GetJob(ctx context.Context, userID, jobID string) (*models.GenerationJob, error) {
	return s.orchestrator.loadOwnedJob(ctx, userID, jobID)
}

func (s *BatchService) preflight(ctx context.Context, userID string, jobs int) error {
	if jobs == 0 {
		return nil
	}
	check, err := s.ledger.CheckCredits(ctx, userID, s.ledger.SegmentUnits(jobs))
	if err != nil {
		return err
	}
	if !check.HasEnough {
		return &apperrors.InsufficientCreditsError{
			UserID:    userID,
			Required:  check.Required,
			Available: check.Available,
			Shortfall: check.Shortfall,
		}
	}
	return nil
}

func (s *BatchService) enqueue(ctx context.Context, batch *models.Batch) {
	if s.queue == nil {
		return
	}
	err := s.queue.Enqueue(ctx, batch.ID)
	if err == nil {
		return
	}
	logger := logging.FromContext(ctx).WithField("batchId", batch.ID)
	logger.WithError(err).Error("Failed to queue batch")

	// no worker will pick it up, so it must be resumable
	batch.Status = types.BatchStatusFailed
	batch.IsPaused = false
	if uerr := s.batches.UpdateProgress(context.WithoutCancel(ctx), batch); uerr != nil {
		logger.WithError(uerr).Error("Failed to mark unqueued batch failed")
	}
}
