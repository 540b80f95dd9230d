package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/service"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

const sweepBatchSize = 100

// TimeoutSweeper fails phases that waited too long on the provider and releases their credits
type TimeoutSweeper struct {
	jobs    JobRepository
	ledger  Ledger
	events  service.EventRecorder
	timeout time.Duration
	now     func() time.Time
}

// NewTimeoutSweeper creates a sweeper that fails phases generating for longer than timeout
func NewTimeoutSweeper(jobs JobRepository, ledger Ledger, events service.EventRecorder, timeout time.Duration) *TimeoutSweeper {
	if events == nil {
		events = service.NopEventRecorder{}
	}
	return &TimeoutSweeper{
		jobs:    jobs,
		ledger:  ledger,
		events:  events,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep fails every stale phase once and returns how many phases it failed
func (s *TimeoutSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	jobs, err := s.jobs.ListStaleGenerating(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	swept := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}

		phases := s.stalePhases(job, cutoff)
		if len(phases) == 0 {
			continue
		}

		for _, phase := range phases {
			s.expire(ctx, job, phase)
		}

		if err := s.jobs.Update(ctx, job); err != nil {
			if errors.Is(err, storage.ErrStaleJob) {
				// a callback arrived meanwhile; the next sweep re-checks
				continue
			}
			logging.FromContext(ctx).WithError(err).WithField("jobId", job.ID).Error("Failed to persist timed out phases")
			continue
		}

		for _, phase := range phases {
			s.releaseReservation(ctx, job, phase)
			service.RecordPhase(ctx, s.events, job, phase)
			jobLogger(ctx, job, phase).Warn("Phase timed out waiting for the provider")
		}
		swept += len(phases)
	}
	return swept, nil
}

func (s *TimeoutSweeper) stalePhases(job *models.GenerationJob, cutoff time.Time) []types.Phase {
	var phases []types.Phase
	for _, phase := range []types.Phase{types.PhaseInitial, types.PhaseExtended} {
		state := job.PhaseState(phase)
		if state.Status == types.PhaseStatusGenerating && state.SubmittedAt != nil && state.SubmittedAt.Before(cutoff) {
			phases = append(phases, phase)
		}
	}
	if job.Final.Status == types.PhaseStatusGenerating && job.UpdatedAt.Before(cutoff) {
		phases = append(phases, types.PhaseFinal)
	}
	return phases
}

func (s *TimeoutSweeper) expire(ctx context.Context, job *models.GenerationJob, phase types.Phase) {
	state := job.PhaseState(phase)
	if phase == types.PhaseFinal {
		state.Fail("STITCH_TIMEOUT", "stitching did not finish in time", "Retry stitching.")
		return
	}
	info := types.DescribeProviderError(types.ProviderTimeout)
	state.Fail(string(info.Type), info.Message, info.UserAction)
}

func (s *TimeoutSweeper) releaseReservation(ctx context.Context, job *models.GenerationJob, phase types.Phase) {
	state := job.PhaseState(phase)
	if state.ReservationID == nil {
		return
	}
	if err := s.ledger.Refund(ctx, *state.ReservationID); err != nil {
		jobLogger(ctx, job, phase).WithError(err).WithField("reservationId", *state.ReservationID).
			Error("Failed to release reservation of timed out phase")
	}
}
