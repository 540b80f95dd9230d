package job

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-batcher/internal/adapter"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/types"
)

// submittedPipeline returns a pipeline whose job-1 has its initial render in flight as task-1
func submittedPipeline(t *testing.T, scenes int) *pipeline {
	t.Helper()
	p := newPipeline(map[string]int64{"user-1": 10}, newTestJob("job-1", "user-1", scenes))
	_, err := p.orch.RunInitialPhase(context.Background(), "job-1", ratelimit.PriorityLow)
	require.NoError(t, err)
	return p
}

func completed(taskID, url string) RenderCallback {
	return RenderCallback{TaskID: taskID, Status: adapter.TaskCompleted, VideoURL: url, DurationMs: 8000}
}

func TestHandleRenderCallback_CompletesInitial(t *testing.T) {
	p := submittedPipeline(t, 2)
	reservationID := *p.jobs.stored("job-1").Initial.ReservationID

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), completed("task-1", "https://cdn.test/a.mp4")))

	job := p.jobs.stored("job-1")
	assert.Equal(t, types.PhaseStatusCompleted, job.Initial.Status)
	require.Len(t, job.VideoSegments, 1)
	assert.Equal(t, "https://cdn.test/a.mp4", job.VideoSegments[0].URL)
	assert.Equal(t, types.SegmentInitial, job.VideoSegments[0].Type)
	assert.Equal(t, 1, job.CurrentScene)
	assert.Equal(t, types.VideoJobCompleted, p.ledger.status(reservationID))
	assert.Equal(t, int64(8), p.ledger.balance("user-1"))
	assert.Equal(t, types.OverallReady, job.OverallStatus())
}

func TestHandleRenderCallback_Redelivery(t *testing.T) {
	p := submittedPipeline(t, 2)
	cb := completed("task-1", "https://cdn.test/a.mp4")

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), cb))
	updates := p.jobs.updates
	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), cb))

	assert.Equal(t, updates, p.jobs.updates, "duplicate is dropped before the job is touched")
	assert.Len(t, p.jobs.stored("job-1").VideoSegments, 1)
	assert.Equal(t, int64(8), p.ledger.balance("user-1"))
}

func TestHandleRenderCallback_RedeliveryWithoutDeduper(t *testing.T) {
	p := submittedPipeline(t, 2)
	p.handler = NewCallbackHandler(p.jobs, p.ledger, nil, nil)
	cb := completed("task-1", "https://cdn.test/a.mp4")

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), cb))
	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), cb))

	assert.Len(t, p.jobs.stored("job-1").VideoSegments, 1, "the stored task no longer matches a generating phase")
	assert.Equal(t, int64(8), p.ledger.balance("user-1"))
}

func TestHandleRenderCallback_DeduperUnavailable(t *testing.T) {
	p := submittedPipeline(t, 2)
	p.dedupe.err = errBoom

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), completed("task-1", "https://cdn.test/a.mp4")))
	assert.Equal(t, types.PhaseStatusCompleted, p.jobs.stored("job-1").Initial.Status)
}

func TestHandleRenderCallback_FailureRefunds(t *testing.T) {
	p := submittedPipeline(t, 2)
	reservationID := *p.jobs.stored("job-1").Initial.ReservationID

	err := p.handler.HandleRenderCallback(context.Background(), RenderCallback{
		TaskID:    "task-1",
		Status:    adapter.TaskFailed,
		Error:     "content policy",
		ErrorType: "invalid_params",
	})
	require.NoError(t, err)

	job := p.jobs.stored("job-1")
	assert.Equal(t, types.PhaseStatusFailed, job.Initial.Status)
	assert.Equal(t, string(types.ProviderInvalidParams), *job.Initial.ErrorCode)
	assert.Equal(t, "content policy", *job.Initial.Error)
	assert.NotNil(t, job.Initial.UserAction)
	assert.Empty(t, job.VideoSegments)
	assert.Equal(t, types.VideoJobFailed, p.ledger.status(reservationID))
	assert.Equal(t, int64(10), p.ledger.balance("user-1"))
	assert.Zero(t, p.ledger.held("user-1"))
}

func TestHandleRenderCallback_CompletedWithoutURLFails(t *testing.T) {
	p := submittedPipeline(t, 2)

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), RenderCallback{TaskID: "task-1", Status: adapter.TaskCompleted}))

	job := p.jobs.stored("job-1")
	assert.Equal(t, types.PhaseStatusFailed, job.Initial.Status)
	assert.Equal(t, "render completed without a video url", *job.Initial.Error)
	assert.Equal(t, int64(10), p.ledger.balance("user-1"))
}

func TestHandleRenderCallback_ExtensionAdvancesScene(t *testing.T) {
	p := submittedPipeline(t, 3)
	ctx := context.Background()
	require.NoError(t, p.handler.HandleRenderCallback(ctx, completed("task-1", "https://cdn.test/a.mp4")))

	_, err := p.orch.RunExtensionPhase(ctx, "user-1", "job-1", nil)
	require.NoError(t, err)
	require.NoError(t, p.handler.HandleRenderCallback(ctx, completed("task-2", "https://cdn.test/b.mp4")))

	job := p.jobs.stored("job-1")
	assert.Equal(t, 2, job.CurrentScene)
	assert.Equal(t, types.PhaseStatusCompleted, job.Extended.Status)
	require.Len(t, job.VideoSegments, 2)
	assert.Equal(t, types.SegmentExtension, job.VideoSegments[1].Type)

	// next cycle continues from the newest segment
	_, err = p.orch.RunExtensionPhase(ctx, "user-1", "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/b.mp4", p.renderer.lastRequest().SourceVideoURL)
	require.NoError(t, p.handler.HandleRenderCallback(ctx, completed("task-3", "https://cdn.test/c.mp4")))

	job = p.jobs.stored("job-1")
	assert.Equal(t, 3, job.CurrentScene)
	assert.False(t, job.CanExtend())
	assert.Equal(t, int64(4), p.ledger.balance("user-1"))
}

func TestHandleRenderCallback_StaleWriteRetries(t *testing.T) {
	p := submittedPipeline(t, 2)
	p.jobs.staleNext = 1

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), completed("task-1", "https://cdn.test/a.mp4")))

	job := p.jobs.stored("job-1")
	assert.Equal(t, types.PhaseStatusCompleted, job.Initial.Status)
	assert.Len(t, job.VideoSegments, 1)
	assert.Equal(t, int64(8), p.ledger.balance("user-1"), "the reload charges once")
}

func TestHandleRenderCallback_KeepsChangingForgetsMarker(t *testing.T) {
	p := submittedPipeline(t, 2)
	p.jobs.staleNext = maxStaleRetries
	cb := completed("task-1", "https://cdn.test/a.mp4")

	err := p.handler.HandleRenderCallback(context.Background(), cb)
	assert.Equal(t, http.StatusConflict, apperrors.GetHTTPStatusCode(err))

	// the provider's redelivery is applied
	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), cb))
	assert.Equal(t, types.PhaseStatusCompleted, p.jobs.stored("job-1").Initial.Status)
}

func TestHandleRenderCallback_ShortBalanceStillSettles(t *testing.T) {
	p := submittedPipeline(t, 2)
	reservationID := *p.jobs.stored("job-1").Initial.ReservationID
	p.ledger.mu.Lock()
	p.ledger.balances["user-1"] = 1
	p.ledger.mu.Unlock()

	require.NoError(t, p.handler.HandleRenderCallback(context.Background(), completed("task-1", "https://cdn.test/a.mp4")))

	assert.Len(t, p.jobs.stored("job-1").VideoSegments, 1)
	assert.Equal(t, types.VideoJobCompleted, p.ledger.status(reservationID))
	assert.Zero(t, p.ledger.held("user-1"))
	assert.Zero(t, p.ledger.balances["user-1"])
}

func TestHandleRenderCallback_Ignored(t *testing.T) {
	p := submittedPipeline(t, 2)
	ctx := context.Background()

	require.NoError(t, p.handler.HandleRenderCallback(ctx, RenderCallback{TaskID: "task-1", Status: adapter.TaskProcessing}))
	assert.Equal(t, types.PhaseStatusGenerating, p.jobs.stored("job-1").Initial.Status)

	err := p.handler.HandleRenderCallback(ctx, RenderCallback{TaskID: "task-1", Status: "exploded"})
	assert.Equal(t, http.StatusBadRequest, apperrors.GetHTTPStatusCode(err))

	err = p.handler.HandleRenderCallback(ctx, RenderCallback{Status: adapter.TaskCompleted})
	assert.Equal(t, http.StatusBadRequest, apperrors.GetHTTPStatusCode(err))

	err = p.handler.HandleRenderCallback(ctx, completed("task-unknown", "https://cdn.test/x.mp4"))
	assert.Equal(t, http.StatusNotFound, apperrors.GetHTTPStatusCode(err))
}

func TestCallbackFromStatus(t *testing.T) {
	cb := CallbackFromStatus(&adapter.TaskStatus{TaskID: "t", Status: adapter.TaskFailed, Error: "e", ErrorType: "TIMEOUT"})
	assert.Equal(t, RenderCallback{TaskID: "t", Status: adapter.TaskFailed, Error: "e", ErrorType: "TIMEOUT"}, cb)
}
