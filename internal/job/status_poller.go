package job

import (
	"context"
	"fmt"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/types"
)

// TaskStatusSource reports provider task status for providers without callbacks
type TaskStatusSource interface {
	GetTaskStatus(ctx context.Context, taskID string) (*adapter.TaskStatus, error)
}

// StatusPoller asks the provider about generating tasks and feeds finished ones to the callback handler
type StatusPoller struct {
	jobs      JobRepository
	source    TaskStatusSource
	handler   *CallbackHandler
	batchSize int
}

// NewStatusPoller creates a new status poller
func NewStatusPoller(jobs JobRepository, source TaskStatusSource, handler *CallbackHandler, batchSize int) *StatusPoller {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &StatusPoller{jobs: jobs, source: source, handler: handler, batchSize: batchSize}
}

// Poll checks one batch of generating tasks and returns how many finished
func (p *StatusPoller) Poll(ctx context.Context) (int, error) {
	jobs, err := p.jobs.ListGenerating(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list generating jobs: %w", err)
	}

	logger := logging.FromContext(ctx)
	finished := 0
	for _, job := range jobs {
		for _, phase := range []types.Phase{types.PhaseInitial, types.PhaseExtended} {
			state := job.PhaseState(phase)
			if state.Status != types.PhaseStatusGenerating || state.TaskID == nil {
				continue
			}
			if ctx.Err() != nil {
				return finished, ctx.Err()
			}

			status, err := p.source.GetTaskStatus(ctx, *state.TaskID)
			if err != nil {
				logger.WithError(err).WithField("taskId", *state.TaskID).Warn("Failed to poll render status")
				continue
			}
			if !status.Terminal() {
				continue
			}
			if err := p.handler.HandleRenderCallback(ctx, CallbackFromStatus(status)); err != nil {
				logger.WithError(err).WithField("taskId", status.TaskID).Error("Failed to apply polled render status")
				continue
			}
			finished++
		}
	}
	return finished, nil
}
