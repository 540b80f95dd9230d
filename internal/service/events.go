package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/types"
)

// EventRecorder receives phase transitions for analytics
type EventRecorder interface {
	Record(ctx context.Context, events ...models.PhaseEvent) error
}

// NopEventRecorder drops every event
type NopEventRecorder struct{}

// Record implements EventRecorder
func (NopEventRecorder) Record(ctx context.Context, events ...models.PhaseEvent) error {
	return nil
}

// NewPhaseEvent describes the current state of phase on job
func NewPhaseEvent(job *models.GenerationJob, phase types.Phase) models.PhaseEvent {
	state := job.PhaseState(phase)
	event := models.PhaseEvent{
		EventID:    uuid.NewString(),
		JobID:      job.ID,
		UserID:     job.UserID,
		Phase:      phase,
		Status:     state.Status,
		Scene:      job.CurrentScene,
		OccurredAt: time.Now().UTC(),
	}
	if job.BatchID != nil {
		event.BatchID = *job.BatchID
	}
	if state.ErrorCode != nil {
		event.ErrorCode = *state.ErrorCode
	}
	if state.TaskID != nil {
		event.TaskID = *state.TaskID
	}
	return event
}

// RecordPhase records the state of phase on job. Analytics failures are logged, never returned.
func RecordPhase(ctx context.Context, recorder EventRecorder, job *models.GenerationJob, phase types.Phase) {
	if recorder == nil {
		return
	}
	if err := recorder.Record(ctx, NewPhaseEvent(job, phase)); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"jobId": job.ID,
			"phase": phase,
		}).Warn("Failed to record phase event")
	}
}
