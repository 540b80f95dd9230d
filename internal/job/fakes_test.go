package job

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// memJobRepo is a version-checked in-memory JobRepository
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*models.GenerationJob
	order     []string
	staleNext int
	updates   int
}

func newMemJobRepo(jobs ...*models.GenerationJob) *memJobRepo {
	r := &memJobRepo{jobs: map[string]*models.GenerationJob{}}
	for _, j := range jobs {
		r.jobs[j.ID] = cloneJob(j)
		r.order = append(r.order, j.ID)
	}
	return r
}

func cloneJob(j *models.GenerationJob) *models.GenerationJob {
	cp := *j
	cp.ScenePrompts = append([]models.ScenePrompt(nil), j.ScenePrompts...)
	cp.VideoSegments = append([]models.VideoSegment(nil), j.VideoSegments...)
	return &cp
}

func (r *memJobRepo) Create(ctx context.Context, job *models.GenerationJob) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.BatchID != nil && job.CombinationIndex != nil {
		for _, existing := range r.jobs {
			if sameCombination(existing, *job.BatchID, *job.CombinationIndex) {
				return false, nil
			}
		}
	}
	r.jobs[job.ID] = cloneJob(job)
	r.order = append(r.order, job.ID)
	return true, nil
}

func (r *memJobRepo) GetByID(ctx context.Context, id string) (*models.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("generation job %s: %w", id, storage.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) Update(ctx context.Context, job *models.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return fmt.Errorf("generation job %s: %w", job.ID, storage.ErrNotFound)
	}
	if r.staleNext > 0 {
		// simulate a concurrent writer
		r.staleNext--
		stored.Version++
	}
	if stored.Version != job.Version {
		return fmt.Errorf("generation job %s: %w", job.ID, storage.ErrStaleJob)
	}
	job.Version++
	job.UpdatedAt = time.Now().UTC()
	r.jobs[job.ID] = cloneJob(job)
	r.updates++
	return nil
}

func (r *memJobRepo) FindByTaskID(ctx context.Context, taskID string) (*models.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		j := r.jobs[id]
		for _, state := range []models.PhaseState{j.Initial, j.Extended} {
			if state.TaskID != nil && *state.TaskID == taskID {
				return cloneJob(j), nil
			}
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
}

func (r *memJobRepo) ListByBatch(ctx context.Context, batchID string) ([]*models.GenerationJob, error) {
	return r.filter(func(j *models.GenerationJob) bool {
		return j.BatchID != nil && *j.BatchID == batchID
	}), nil
}

func (r *memJobRepo) ListPendingInitialByBatch(ctx context.Context, batchID string) ([]*models.GenerationJob, error) {
	return r.filter(func(j *models.GenerationJob) bool {
		return j.BatchID != nil && *j.BatchID == batchID && j.Initial.Status == types.PhaseStatusPending
	}), nil
}

func (r *memJobRepo) ExistsForCombination(ctx context.Context, batchID string, index int) (bool, error) {
	return len(r.filter(func(j *models.GenerationJob) bool {
		return sameCombination(j, batchID, index)
	})) > 0, nil
}

func (r *memJobRepo) ListStaleGenerating(ctx context.Context, cutoff time.Time, limit int) ([]*models.GenerationJob, error) {
	return r.filter(func(j *models.GenerationJob) bool {
		for _, state := range []models.PhaseState{j.Initial, j.Extended} {
			if state.Status == types.PhaseStatusGenerating && state.SubmittedAt != nil && state.SubmittedAt.Before(cutoff) {
				return true
			}
		}
		return j.Final.Status == types.PhaseStatusGenerating && j.UpdatedAt.Before(cutoff)
	}), nil
}

func (r *memJobRepo) ListGenerating(ctx context.Context, limit int) ([]*models.GenerationJob, error) {
	return r.filter(func(j *models.GenerationJob) bool {
		return j.Initial.Status == types.PhaseStatusGenerating || j.Extended.Status == types.PhaseStatusGenerating
	}), nil
}

func (r *memJobRepo) filter(keep func(*models.GenerationJob) bool) []*models.GenerationJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.GenerationJob
	for _, id := range r.order {
		if j := r.jobs[id]; keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CombinationIndex == nil || out[b].CombinationIndex == nil {
			return false
		}
		return *out[a].CombinationIndex < *out[b].CombinationIndex
	})
	return out
}

func (r *memJobRepo) stored(id string) *models.GenerationJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJob(r.jobs[id])
}

func sameCombination(j *models.GenerationJob, batchID string, index int) bool {
	return j.BatchID != nil && *j.BatchID == batchID && j.CombinationIndex != nil && *j.CombinationIndex == index
}

type fakePrompts struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePrompts) GeneratePrompts(ctx context.Context, cfg models.JobConfig) ([]models.ScenePrompt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	prompts := make([]models.ScenePrompt, cfg.NumberOfScenes)
	for i := range prompts {
		prompts[i] = models.ScenePrompt{
			SceneNumber:  i + 1,
			VisualPrompt: fmt.Sprintf("scene %d of %s in %s", i+1, cfg.Industry, cfg.City),
			Script:       fmt.Sprintf("line %d", i+1),
		}
	}
	return prompts, nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	requests []adapter.RenderRequest
	errs     []error
	next     int
}

func (r *fakeRenderer) Name() string { return "fake" }

func (r *fakeRenderer) SubmitRender(ctx context.Context, req adapter.RenderRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return "", err
		}
	}
	r.next++
	return fmt.Sprintf("task-%d", r.next), nil
}

func (r *fakeRenderer) lastRequest() adapter.RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func (r *fakeRenderer) submissions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakeReservation struct {
	userID  string
	credits int64
	charged int64
	status  types.VideoJobStatus
}

// fakeLedger bills 10 credits per minute with 8 second segments
type fakeLedger struct {
	mu           sync.Mutex
	balances     map[string]int64
	reservations map[string]*fakeReservation
	next         int
}

func newFakeLedger(balances map[string]int64) *fakeLedger {
	if balances == nil {
		balances = map[string]int64{}
	}
	return &fakeLedger{balances: balances, reservations: map[string]*fakeReservation{}}
}

func (l *fakeLedger) required(units float64) int64 {
	return int64(math.Ceil(units*10 - 1e-9))
}

func (l *fakeLedger) heldLocked(userID string) int64 {
	var held int64
	for _, r := range l.reservations {
		if r.userID == userID && r.status == types.VideoJobPending {
			held += r.credits
		}
	}
	return held
}

func (l *fakeLedger) CheckCredits(ctx context.Context, userID string, units float64) (*models.CreditCheck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	required := l.required(units)
	available := l.balances[userID] - l.heldLocked(userID)
	check := &models.CreditCheck{Required: required, Available: available, HasEnough: available >= required}
	if !check.HasEnough {
		check.Shortfall = required - available
	}
	return check, nil
}

func (l *fakeLedger) Reserve(ctx context.Context, userID, generationID, provider string, phase types.Phase, units float64) (*models.VideoJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	required := l.required(units)
	available := l.balances[userID] - l.heldLocked(userID)
	if available < required {
		return nil, &apperrors.InsufficientCreditsError{
			UserID: userID, Required: required, Available: available, Shortfall: required - available,
		}
	}
	l.next++
	id := fmt.Sprintf("res-%d", l.next)
	l.reservations[id] = &fakeReservation{userID: userID, credits: required, status: types.VideoJobPending}
	return &models.VideoJob{
		ID: id, UserID: userID, GenerationID: generationID, Provider: provider, Phase: phase,
		EstimatedCredits: required, CreditsReserved: required, Status: types.VideoJobPending,
	}, nil
}

func (l *fakeLedger) Charge(ctx context.Context, reservationID string, actualUnits *float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return apperrors.NewNotFoundError("reservation", reservationID)
	}
	switch r.status {
	case types.VideoJobCompleted:
		return nil
	case types.VideoJobFailed:
		return apperrors.NewConflictError("reservation " + reservationID + " was refunded")
	}
	amount := r.credits
	if actualUnits != nil {
		amount = l.required(*actualUnits)
	}
	if l.balances[r.userID] < amount {
		amount = l.balances[r.userID]
	}
	l.balances[r.userID] -= amount
	r.charged = amount
	r.credits = 0
	r.status = types.VideoJobCompleted
	return nil
}

func (l *fakeLedger) Refund(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return apperrors.NewNotFoundError("reservation", reservationID)
	}
	if r.status == types.VideoJobPending {
		r.credits = 0
		r.status = types.VideoJobFailed
	}
	return nil
}

func (l *fakeLedger) SegmentUnits(segments int) float64 {
	return float64(segments*8) / 60
}

func (l *fakeLedger) SegmentSeconds() int { return 8 }

func (l *fakeLedger) status(reservationID string) types.VideoJobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.reservations[reservationID]; ok {
		return r.status
	}
	return ""
}

func (l *fakeLedger) balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *fakeLedger) held(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldLocked(userID)
}

type nopPacer struct{ err error }

func (p nopPacer) Wait(ctx context.Context, priority ratelimit.Priority) error { return p.err }

// memDeduper remembers deliveries in a map
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: map[string]bool{}}
}

func (d *memDeduper) FirstDelivery(ctx context.Context, taskID, status string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	key := taskID + ":" + status
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDeduper) Forget(ctx context.Context, taskID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, taskID+":"+status)
	return nil
}

type memBatchRepo struct {
	mu      sync.Mutex
	batches map[string]*models.Batch
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{batches: map[string]*models.Batch{}}
}

func (r *memBatchRepo) Create(ctx context.Context, batch *models.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *batch
	r.batches[batch.ID] = &cp
	return nil
}

func (r *memBatchRepo) GetByID(ctx context.Context, id string) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (r *memBatchRepo) UpdateProgress(ctx context.Context, batch *models.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batch.ID]; !ok {
		return fmt.Errorf("batch %s: %w", batch.ID, storage.ErrNotFound)
	}
	cp := *batch
	r.batches[batch.ID] = &cp
	return nil
}

type memQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *memQueue) Enqueue(ctx context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, batchID)
	return nil
}

func testOrchestratorConfig() *config.OrchestratorConfig {
	return &config.OrchestratorConfig{
		MaxScenes:         6,
		MaxJobsPerBatch:   50,
		CallbackURL:       "https://hooks.test/render",
		DefaultAvatarName: "Alex",
		MinTrimSeconds:    0.1,
		MaxTrimSeconds:    5,
	}
}

type pipeline struct {
	jobs     *memJobRepo
	prompts  *fakePrompts
	renderer *fakeRenderer
	ledger   *fakeLedger
	orch     *Orchestrator
	handler  *CallbackHandler
	dedupe   *memDeduper
}

func newPipeline(balances map[string]int64, jobs ...*models.GenerationJob) *pipeline {
	p := &pipeline{
		jobs:     newMemJobRepo(jobs...),
		prompts:  &fakePrompts{},
		renderer: &fakeRenderer{},
		ledger:   newFakeLedger(balances),
		dedupe:   newMemDeduper(),
	}
	p.orch = NewOrchestrator(p.jobs, p.prompts, p.renderer, p.ledger, nopPacer{}, nil, testOrchestratorConfig())
	p.handler = NewCallbackHandler(p.jobs, p.ledger, p.dedupe, nil)
	return p
}

func newTestJob(id, userID string, scenes int) *models.GenerationJob {
	return models.NewGenerationJob(id, userID, models.JobConfig{
		AvatarName:     "Alex",
		Industry:       "Roofing",
		City:           "Austin",
		ImageURL:       types.TextOnlyImage,
		Model:          "veo-3",
		AspectRatio:    "9:16",
		NumberOfScenes: scenes,
	})
}

var errBoom = errors.New("boom")
