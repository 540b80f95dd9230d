package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/retry"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// Stitch steps reported on failures
const (
	StepDownload = "download"
	StepUpload   = "upload"
	StepCompose  = "compose"
)

const maxParallelUploads = 4

// MediaHost stores segments and composes the final asset from a transform
type MediaHost interface {
	Download(ctx context.Context, sourceURL string) ([]byte, error)
	Upload(ctx context.Context, publicID string, data []byte) (string, error)
	DeliveryURL(transform, baseAssetID string) (string, error)
	Verify(ctx context.Context, assetURL string) error
}

// JobStore loads and saves generation jobs
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.GenerationJob, error)
	Update(ctx context.Context, job *models.GenerationJob) error
}

// StitchingService composes a job's segments into one final video
type StitchingService struct {
	jobs     JobStore
	media    MediaHost
	events   EventRecorder
	minTrim  float64
	maxTrim  float64
	download *retry.RetryConfig
}

// NewStitchingService creates a new stitching service
func NewStitchingService(jobs JobStore, media MediaHost, events EventRecorder, cfg *config.OrchestratorConfig) *StitchingService {
	if events == nil {
		events = NopEventRecorder{}
	}
	download := &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Retryable:    isTemporaryMediaError,
	}
	return &StitchingService{
		jobs:     jobs,
		media:    media,
		events:   events,
		minTrim:  cfg.MinTrimSeconds,
		maxTrim:  cfg.MaxTrimSeconds,
		download: download,
	}
}

// SegmentAssetID is the deterministic media host ID of a job's segment
func SegmentAssetID(generationID string, index int) string {
	return fmt.Sprintf("%s_segment_%d", generationID, index)
}

// BuildSpliceTransform splices every asset after the first onto the base asset.
// A positive trim skips that many seconds at the start of each spliced segment.
func BuildSpliceTransform(assetIDs []string, trimSeconds float64) string {
	if len(assetIDs) < 2 {
		return ""
	}

	parts := make([]string, 0, len(assetIDs)-1)
	for _, id := range assetIDs[1:] {
		layer := "fl_splice,l_video:" + id
		if trimSeconds > 0 {
			layer += ",so_" + strconv.FormatFloat(trimSeconds, 'f', -1, 64)
		}
		parts = append(parts, layer+"/fl_layer_apply")
	}
	return strings.Join(parts, "/")
}

// ValidateTrim accepts zero or a value inside the configured window
func (s *StitchingService) ValidateTrim(trimSeconds float64) error {
	if trimSeconds == 0 {
		return nil
	}
	if trimSeconds < s.minTrim || trimSeconds > s.maxTrim {
		return apperrors.NewValidationError("trimSeconds",
			fmt.Sprintf("must be 0 or between %g and %g seconds", s.minTrim, s.maxTrim))
	}
	return nil
}

// CheckStitchable reports the first reason the job's segments cannot be stitched
func CheckStitchable(job *models.GenerationJob) error {
	if len(job.VideoSegments) < 2 {
		return apperrors.NewValidationError("videoSegments",
			fmt.Sprintf("need at least 2 segments to stitch, job has %d", len(job.VideoSegments)))
	}
	for i, seg := range job.VideoSegments {
		if strings.TrimSpace(seg.URL) == "" {
			return apperrors.NewValidationError(fmt.Sprintf("videoSegments[%d].url", i),
				fmt.Sprintf("segment %d has no source url", i))
		}
	}
	return nil
}

// RequestStitch composes the job's segments into its final video.
// Precondition failures leave the job untouched; any later failure is stored on
// the final phase and returned as an *apperrors.StitchError.
func (s *StitchingService) RequestStitch(ctx context.Context, userID, jobID string, trimSeconds float64) (*models.GenerationJob, error) {
	if err := s.ValidateTrim(trimSeconds); err != nil {
		return nil, err
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("job", jobID)
		}
		return nil, apperrors.NewInfrastructureError("load job", err)
	}
	if job.UserID != userID {
		return nil, apperrors.NewNotFoundError("job", jobID)
	}

	if err := CheckStitchable(job); err != nil {
		return nil, err
	}
	if job.Final.Status == types.PhaseStatusGenerating {
		return nil, apperrors.NewConflictError("a stitch is already in progress for job " + jobID)
	}
	if job.Extended.Status == types.PhaseStatusGenerating {
		return nil, apperrors.NewConflictError("job " + jobID + " is still rendering an extension")
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    job.ID,
		"userId":   job.UserID,
		"segments": len(job.VideoSegments),
		"trim":     trimSeconds,
	})

	now := time.Now().UTC()
	job.Final.Reset()
	// a new stitch replaces the previous final video
	job.FinalVideoURL = nil
	job.IsFinal = false
	job.Final.Status = types.PhaseStatusGenerating
	job.Final.SubmittedAt = &now
	if err := s.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, storage.ErrStaleJob) {
			return nil, apperrors.NewConflictError("job " + jobID + " changed while starting the stitch")
		}
		return nil, apperrors.NewInfrastructureError("start stitch", err)
	}
	RecordPhase(ctx, s.events, job, types.PhaseFinal)

	finalURL, stitchErr := s.compose(ctx, job, trimSeconds)
	if stitchErr != nil {
		logger.WithError(stitchErr).WithField("step", stitchErr.Step).Error("Stitching failed")
		job.Final.Fail("STITCH_"+strings.ToUpper(stitchErr.Step)+"_FAILED", stitchErr.Error(),
			"Retry stitching. If a segment keeps failing, re-render that scene.")
		if err := s.jobs.Update(ctx, job); err != nil {
			logger.WithError(err).Error("Failed to persist stitch failure")
		}
		RecordPhase(ctx, s.events, job, types.PhaseFinal)
		return job, stitchErr
	}

	job.FinalVideoURL = &finalURL
	job.IsFinal = true
	job.Final.Status = types.PhaseStatusCompleted
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, apperrors.NewInfrastructureError("save stitch result", err)
	}
	RecordPhase(ctx, s.events, job, types.PhaseFinal)

	logger.WithField("finalVideoUrl", finalURL).Info("Final video stitched")
	return job, nil
}

func (s *StitchingService) compose(ctx context.Context, job *models.GenerationJob, trimSeconds float64) (string, *apperrors.StitchError) {
	assetIDs := make([]string, len(job.VideoSegments))
	failures := make([]*apperrors.StitchError, len(job.VideoSegments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for i, seg := range job.VideoSegments {
		i, sourceURL := i, seg.URL
		g.Go(func() error {
			assetID, err := s.transfer(gctx, SegmentAssetID(job.ID, i), sourceURL, i)
			if err != nil {
				failures[i] = err
				return err
			}
			assetIDs[i] = assetID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// report the lowest failing segment; later ones may only be cancellations
		for _, f := range failures {
			if f != nil && !errors.Is(f.Cause, context.Canceled) {
				return "", f
			}
		}
		for _, f := range failures {
			if f != nil {
				return "", f
			}
		}
		return "", &apperrors.StitchError{Step: StepUpload, SegmentIndex: -1, Cause: err}
	}

	finalURL, err := s.media.DeliveryURL(BuildSpliceTransform(assetIDs, trimSeconds), assetIDs[0])
	if err != nil {
		return "", &apperrors.StitchError{Step: StepCompose, SegmentIndex: -1, Cause: err}
	}
	if err := s.media.Verify(ctx, finalURL); err != nil {
		return "", &apperrors.StitchError{Step: StepCompose, SegmentIndex: -1, Cause: err}
	}
	return finalURL, nil
}

func (s *StitchingService) transfer(ctx context.Context, publicID, sourceURL string, index int) (string, *apperrors.StitchError) {
	var data []byte
	result := retry.WithExponentialBackoff(ctx, s.download, func(ctx context.Context, attempt int) error {
		var err error
		data, err = s.media.Download(ctx, sourceURL)
		return err
	})
	if err := result.Err(); err != nil {
		return "", &apperrors.StitchError{Step: StepDownload, SegmentIndex: index, Cause: result.LastError}
	}

	assetID, err := s.media.Upload(ctx, publicID, data)
	if err != nil {
		return "", &apperrors.StitchError{Step: StepUpload, SegmentIndex: index, Cause: err}
	}
	return assetID, nil
}

func isTemporaryMediaError(err error) bool {
	var mediaErr *adapter.MediaHostError
	if errors.As(err, &mediaErr) {
		return mediaErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}
