package job

import (
	"context"
	"errors"
	"strings"

	"github.com/video-batcher/internal/adapter"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/service"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

const maxStaleRetries = 3

// RenderCallback is one completion report from the render provider
type RenderCallback struct {
	TaskID     string `json:"taskId" validate:"required"`
	Status     string `json:"status" validate:"required"`
	VideoURL   string `json:"videoUrl,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
}

// CallbackFromStatus converts a polled task status into a callback
func CallbackFromStatus(status *adapter.TaskStatus) RenderCallback {
	return RenderCallback{
		TaskID:     status.TaskID,
		Status:     status.Status,
		VideoURL:   status.VideoURL,
		DurationMs: status.DurationMs,
		Error:      status.Error,
		ErrorType:  status.ErrorType,
	}
}

// Deduper drops redelivered callbacks before the job is loaded
type Deduper interface {
	FirstDelivery(ctx context.Context, taskID, status string) (bool, error)
	Forget(ctx context.Context, taskID, status string) error
}

// CallbackHandler applies provider callbacks to the job waiting on their task.
// Applying the same callback twice has no further effect.
type CallbackHandler struct {
	jobs   JobRepository
	ledger Ledger
	dedupe Deduper
	events service.EventRecorder
}

// NewCallbackHandler creates a new callback handler. dedupe may be nil.
func NewCallbackHandler(jobs JobRepository, ledger Ledger, dedupe Deduper, events service.EventRecorder) *CallbackHandler {
	if events == nil {
		events = service.NopEventRecorder{}
	}
	return &CallbackHandler{jobs: jobs, ledger: ledger, dedupe: dedupe, events: events}
}

// HandleRenderCallback settles the reservation of the matching phase and moves the
// phase to completed or failed. Non-terminal statuses and stale callbacks are ignored.
func (h *CallbackHandler) HandleRenderCallback(ctx context.Context, cb RenderCallback) error {
	cb.TaskID = strings.TrimSpace(cb.TaskID)
	if cb.TaskID == "" {
		return apperrors.NewValidationError("taskId", "is required")
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"taskId": cb.TaskID,
		"status": cb.Status,
	})

	switch cb.Status {
	case adapter.TaskCompleted, adapter.TaskFailed:
	case adapter.TaskQueued, adapter.TaskProcessing:
		logger.Debug("Ignoring non-terminal render status")
		return nil
	default:
		return apperrors.NewValidationError("status", "unknown render status "+cb.Status)
	}

	if h.dedupe != nil {
		first, err := h.dedupe.FirstDelivery(ctx, cb.TaskID, cb.Status)
		if err != nil {
			logger.WithError(err).Warn("Callback dedupe unavailable, relying on stored task id")
		} else if !first {
			logger.Info("Duplicate render callback ignored")
			return nil
		}
	}

	if err := h.apply(ctx, cb, logger); err != nil {
		// let a redelivery try again
		if h.dedupe != nil {
			if ferr := h.dedupe.Forget(ctx, cb.TaskID, cb.Status); ferr != nil {
				logger.WithError(ferr).Warn("Failed to clear callback dedupe marker")
			}
		}
		return err
	}
	return nil
}

func (h *CallbackHandler) apply(ctx context.Context, cb RenderCallback, logger *logging.Logger) error {
	for attempt := 1; attempt <= maxStaleRetries; attempt++ {
		job, err := h.jobs.FindByTaskID(ctx, cb.TaskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.NewNotFoundError("render task", cb.TaskID)
			}
			return apperrors.NewInfrastructureError("find job by task", err)
		}

		phase, ok := job.PhaseForTask(cb.TaskID)
		if !ok {
			logger.WithField("jobId", job.ID).Info("Callback for a task the job is no longer waiting on")
			return nil
		}
		plogger := jobLogger(ctx, job, phase).WithFields(map[string]interface{}{
			"taskId": cb.TaskID,
			"status": cb.Status,
		})
		state := job.PhaseState(phase)

		succeeded := cb.Status == adapter.TaskCompleted && strings.TrimSpace(cb.VideoURL) != ""
		if err := h.settle(ctx, state, succeeded, cb.DurationMs); err != nil {
			return err
		}

		if succeeded {
			completePhase(job, phase, cb, h.ledger.SegmentSeconds())
		} else {
			failRender(state, cb)
		}

		err = h.jobs.Update(ctx, job)
		if errors.Is(err, storage.ErrStaleJob) {
			plogger.WithField("attempt", attempt).Debug("Job changed while applying callback, reloading")
			continue
		}
		if err != nil {
			return apperrors.NewInfrastructureError("apply render callback", err)
		}

		service.RecordPhase(ctx, h.events, job, phase)
		plogger.WithFields(map[string]interface{}{
			"segments":     len(job.VideoSegments),
			"currentScene": job.CurrentScene,
		}).Info("Render callback applied")
		return nil
	}
	return apperrors.NewConflictError("job for task " + cb.TaskID + " kept changing while applying callback")
}

// settle charges or refunds the phase reservation. Both are idempotent, so a
// reload after a stale write settles again safely.
func (h *CallbackHandler) settle(ctx context.Context, state *models.PhaseState, succeeded bool, durationMs int64) error {
	if state.ReservationID == nil {
		return nil
	}
	reservationID := *state.ReservationID

	if !succeeded {
		return h.ledger.Refund(ctx, reservationID)
	}

	var actual *float64
	if durationMs > 0 {
		units := float64(durationMs) / 60000
		actual = &units
	}
	return h.ledger.Charge(ctx, reservationID, actual)
}

func completePhase(job *models.GenerationJob, phase types.Phase, cb RenderCallback, segmentSeconds int) {
	durationMs := cb.DurationMs
	if durationMs <= 0 {
		durationMs = int64(segmentSeconds) * 1000
	}
	segType := types.SegmentInitial
	if phase == types.PhaseExtended {
		segType = types.SegmentExtension
		job.CurrentScene++
	}
	job.VideoSegments = append(job.VideoSegments, models.VideoSegment{
		URL:        cb.VideoURL,
		DurationMs: durationMs,
		Type:       segType,
	})

	state := job.PhaseState(phase)
	state.Status = types.PhaseStatusCompleted
	state.Error = nil
	state.ErrorCode = nil
	state.UserAction = nil
}

func failRender(state *models.PhaseState, cb RenderCallback) {
	typ := types.ProviderErrorType(strings.ToUpper(strings.TrimSpace(cb.ErrorType)))
	info := types.DescribeProviderError(typ)

	message := strings.TrimSpace(cb.Error)
	if message == "" {
		message = info.Message
		if cb.Status == adapter.TaskCompleted {
			message = "render completed without a video url"
		}
	}
	state.Fail(string(info.Type), message, info.UserAction)
}
