package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/retry"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

type memJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.GenerationJob
	updates int
}

func newMemJobStore(jobs ...*models.GenerationJob) *memJobStore {
	s := &memJobStore{jobs: map[string]*models.GenerationJob{}}
	for _, j := range jobs {
		s.jobs[j.ID] = cloneJob(j)
	}
	return s
}

func cloneJob(j *models.GenerationJob) *models.GenerationJob {
	cp := *j
	cp.VideoSegments = append([]models.VideoSegment(nil), j.VideoSegments...)
	cp.ScenePrompts = append([]models.ScenePrompt(nil), j.ScenePrompts...)
	return &cp
}

func (s *memJobStore) GetByID(ctx context.Context, id string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("generation job %s: %w", id, storage.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (s *memJobStore) Update(ctx context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok || stored.Version != job.Version {
		return storage.ErrStaleJob
	}
	job.Version++
	s.jobs[job.ID] = cloneJob(job)
	s.updates++
	return nil
}

type fakeMediaHost struct {
	mu          sync.Mutex
	uploads     map[string][]byte
	downloadErr map[string]error
	uploadErr   map[string]error
	verifyErr   error
	downloads   int
	verified    []string
}

func newFakeMediaHost() *fakeMediaHost {
	return &fakeMediaHost{
		uploads:     map[string][]byte{},
		downloadErr: map[string]error{},
		uploadErr:   map[string]error{},
	}
}

func (m *fakeMediaHost) Download(ctx context.Context, sourceURL string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	if err := m.downloadErr[sourceURL]; err != nil {
		return nil, err
	}
	return []byte("video:" + sourceURL), nil
}

func (m *fakeMediaHost) Upload(ctx context.Context, publicID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.uploadErr[publicID]; err != nil {
		return "", err
	}
	m.uploads[publicID] = data
	return publicID, nil
}

func (m *fakeMediaHost) DeliveryURL(transform, baseAssetID string) (string, error) {
	return "https://media.test/video/upload/" + transform + "/" + baseAssetID + ".mp4", nil
}

func (m *fakeMediaHost) Verify(ctx context.Context, assetURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified = append(m.verified, assetURL)
	return m.verifyErr
}

type capturingRecorder struct {
	mu     sync.Mutex
	events []models.PhaseEvent
}

func (r *capturingRecorder) Record(ctx context.Context, events ...models.PhaseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func jobWithSegments(id string, urls ...string) *models.GenerationJob {
	job := models.NewGenerationJob(id, "u1", models.JobConfig{NumberOfScenes: 3, Model: "veo"})
	job.Initial.Status = types.PhaseStatusCompleted
	for i, u := range urls {
		typ := types.SegmentExtension
		if i == 0 {
			typ = types.SegmentInitial
		}
		job.VideoSegments = append(job.VideoSegments, models.VideoSegment{URL: u, DurationMs: 8000, Type: typ})
	}
	if len(urls) > 1 {
		job.Extended.Status = types.PhaseStatusCompleted
		job.CurrentScene = len(urls)
	}
	return job
}

func newTestStitcher(store *memJobStore, media *fakeMediaHost, events EventRecorder) *StitchingService {
	s := NewStitchingService(store, media, events, &config.OrchestratorConfig{MinTrimSeconds: 0.1, MaxTrimSeconds: 5})
	s.download = &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
		Retryable:    isTemporaryMediaError,
	}
	return s
}

func TestBuildSpliceTransform(t *testing.T) {
	ids := []string{"g_segment_0", "g_segment_1", "g_segment_2"}

	assert.Equal(t,
		"fl_splice,l_video:g_segment_1,so_1/fl_layer_apply/fl_splice,l_video:g_segment_2,so_1/fl_layer_apply",
		BuildSpliceTransform(ids, 1))
	assert.Equal(t,
		"fl_splice,l_video:g_segment_1/fl_layer_apply/fl_splice,l_video:g_segment_2/fl_layer_apply",
		BuildSpliceTransform(ids, 0))
	assert.Equal(t, "fl_splice,l_video:g_segment_1,so_0.5/fl_layer_apply", BuildSpliceTransform(ids[:2], 0.5))
	assert.Empty(t, BuildSpliceTransform(ids[:1], 1))
}

func TestProperty_SpliceTransformShape(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("one splice and one offset per non-base segment", prop.ForAll(
		func(n int, trim float64) bool {
			ids := make([]string, n)
			for i := range ids {
				ids[i] = SegmentAssetID("g", i)
			}
			transform := BuildSpliceTransform(ids, trim)
			return strings.Count(transform, "fl_splice") == n-1 &&
				strings.Count(transform, ",so_") == n-1 &&
				strings.Count(transform, "fl_layer_apply") == n-1 &&
				!strings.Contains(transform, "l_video:g_segment_0")
		},
		gen.IntRange(2, 12),
		gen.Float64Range(0.1, 5),
	))

	properties.TestingRun(t)
}

func TestSegmentAssetID(t *testing.T) {
	assert.Equal(t, "gen-1_segment_0", SegmentAssetID("gen-1", 0))
	assert.Equal(t, "gen-1_segment_3", SegmentAssetID("gen-1", 3))
}

func TestStitchingService_RequestStitch(t *testing.T) {
	job := jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4", "https://cdn/c.mp4")
	store := newMemJobStore(job)
	media := newFakeMediaHost()
	events := &capturingRecorder{}
	s := newTestStitcher(store, media, events)

	out, err := s.RequestStitch(context.Background(), "u1", "gen-1", 1)
	require.NoError(t, err)

	assert.True(t, out.IsFinal)
	assert.Equal(t, types.PhaseStatusCompleted, out.Final.Status)
	require.NotNil(t, out.FinalVideoURL)
	assert.Contains(t, *out.FinalVideoURL, "fl_splice,l_video:gen-1_segment_1,so_1/fl_layer_apply")
	assert.True(t, strings.HasSuffix(*out.FinalVideoURL, "/gen-1_segment_0.mp4"))
	assert.Equal(t, []string{*out.FinalVideoURL}, media.verified)
	assert.Len(t, media.uploads, 3)

	stored, _ := store.GetByID(context.Background(), "gen-1")
	assert.True(t, stored.IsFinal)
	assert.Equal(t, types.OverallCompleted, stored.OverallStatus())

	require.Len(t, events.events, 2)
	assert.Equal(t, types.PhaseStatusGenerating, events.events[0].Status)
	assert.Equal(t, types.PhaseStatusCompleted, events.events[1].Status)
}

func TestStitchingService_RepeatedStitchOverwrites(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4"))
	media := newFakeMediaHost()
	s := newTestStitcher(store, media, nil)
	ctx := context.Background()

	_, err := s.RequestStitch(ctx, "u1", "gen-1", 0)
	require.NoError(t, err)
	_, err = s.RequestStitch(ctx, "u1", "gen-1", 0)
	require.NoError(t, err)

	assert.Len(t, media.uploads, 2, "deterministic ids overwrite previous uploads")
}

func TestStitchingService_FailedRestitchClearsPreviousFinal(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4"))
	media := newFakeMediaHost()
	s := newTestStitcher(store, media, nil)
	ctx := context.Background()

	out, err := s.RequestStitch(ctx, "u1", "gen-1", 0)
	require.NoError(t, err)
	require.True(t, out.IsFinal)

	media.verifyErr = &adapter.MediaHostError{Step: "compose", StatusCode: 400, Message: "invalid transformation"}
	_, err = s.RequestStitch(ctx, "u1", "gen-1", 1)
	require.Error(t, err)

	stored, _ := store.GetByID(ctx, "gen-1")
	assert.Equal(t, types.PhaseStatusFailed, stored.Final.Status)
	assert.False(t, stored.IsFinal)
	assert.Nil(t, stored.FinalVideoURL)
}

func TestStitchingService_NeedsTwoSegments(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4"))
	media := newFakeMediaHost()
	s := newTestStitcher(store, media, nil)

	_, err := s.RequestStitch(context.Background(), "u1", "gen-1", 1)

	var valErr *apperrors.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Contains(t, err.Error(), "need at least 2 segments")
	assert.Zero(t, store.updates)
	assert.Zero(t, media.downloads)

	stored, _ := store.GetByID(context.Background(), "gen-1")
	assert.Equal(t, types.PhaseStatusPending, stored.Final.Status)
}

func TestStitchingService_MissingSegmentURL(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", ""))
	s := newTestStitcher(store, newFakeMediaHost(), nil)

	_, err := s.RequestStitch(context.Background(), "u1", "gen-1", 0)

	var valErr *apperrors.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "videoSegments[1].url", valErr.Field)
	assert.Zero(t, store.updates)
}

func TestStitchingService_TrimWindow(t *testing.T) {
	s := newTestStitcher(newMemJobStore(), newFakeMediaHost(), nil)

	assert.NoError(t, s.ValidateTrim(0))
	assert.NoError(t, s.ValidateTrim(0.1))
	assert.NoError(t, s.ValidateTrim(5))
	assert.Error(t, s.ValidateTrim(0.05))
	assert.Error(t, s.ValidateTrim(5.5))
	assert.Error(t, s.ValidateTrim(-1))
}

func TestStitchingService_RejectsOtherUsersJob(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4"))
	s := newTestStitcher(store, newFakeMediaHost(), nil)

	_, err := s.RequestStitch(context.Background(), "someone-else", "gen-1", 0)
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
}

func TestStitchingService_ConflictWhileGenerating(t *testing.T) {
	job := jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4")
	job.Final.Status = types.PhaseStatusGenerating
	s := newTestStitcher(newMemJobStore(job), newFakeMediaHost(), nil)

	_, err := s.RequestStitch(context.Background(), "u1", "gen-1", 0)
	assert.Equal(t, 409, apperrors.GetHTTPStatusCode(err))
}

func TestStitchingService_UploadFailureIsPersisted(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4", "https://cdn/c.mp4"))
	media := newFakeMediaHost()
	media.uploadErr["gen-1_segment_2"] = &adapter.MediaHostError{Step: "upload", StatusCode: 400, Message: "bad file"}
	s := newTestStitcher(store, media, nil)

	_, err := s.RequestStitch(context.Background(), "u1", "gen-1", 1)

	var stitchErr *apperrors.StitchError
	require.True(t, errors.As(err, &stitchErr))
	assert.Equal(t, StepUpload, stitchErr.Step)
	assert.Equal(t, 2, stitchErr.SegmentIndex)

	stored, _ := store.GetByID(context.Background(), "gen-1")
	assert.Equal(t, types.PhaseStatusFailed, stored.Final.Status)
	require.NotNil(t, stored.Final.ErrorCode)
	assert.Equal(t, "STITCH_UPLOAD_FAILED", *stored.Final.ErrorCode)
	assert.Contains(t, *stored.Final.Error, "segment 2")
	assert.False(t, stored.IsFinal)
	assert.Nil(t, stored.FinalVideoURL)
}

func TestStitchingService_DownloadRetriesTemporaryErrors(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4"))
	media := newFakeMediaHost()
	media.downloadErr["https://cdn/b.mp4"] = &adapter.MediaHostError{Step: "download", StatusCode: 503, Message: "busy"}
	s := newTestStitcher(store, media, nil)

	_, err := s.RequestStitch(context.Background(), "u1", "gen-1", 0)

	var stitchErr *apperrors.StitchError
	require.True(t, errors.As(err, &stitchErr))
	assert.Equal(t, StepDownload, stitchErr.Step)
	assert.Equal(t, 1, stitchErr.SegmentIndex)
	assert.Equal(t, 4, media.downloads, "one download for segment 0, three attempts for segment 1")
}

func TestStitchingService_ComposeFailure(t *testing.T) {
	store := newMemJobStore(jobWithSegments("gen-1", "https://cdn/a.mp4", "https://cdn/b.mp4"))
	media := newFakeMediaHost()
	media.verifyErr = &adapter.MediaHostError{Step: "compose", StatusCode: 400, Message: "invalid transformation"}
	s := newTestStitcher(store, media, nil)

	_, err := s.RequestStitch(context.Background(), "u1", "gen-1", 0)

	var stitchErr *apperrors.StitchError
	require.True(t, errors.As(err, &stitchErr))
	assert.Equal(t, StepCompose, stitchErr.Step)
	assert.Equal(t, -1, stitchErr.SegmentIndex)

	stored, _ := store.GetByID(context.Background(), "gen-1")
	assert.Equal(t, types.PhaseStatusFailed, stored.Final.Status)

	// a failed stitch may be requested again
	media.verifyErr = nil
	out, err := s.RequestStitch(context.Background(), "u1", "gen-1", 0)
	require.NoError(t, err)
	assert.True(t, out.IsFinal)
	assert.Nil(t, out.Final.Error)
}
