package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStaleJob is returned when a job was modified since it was read
	ErrStaleJob = errors.New("generation job was modified concurrently")
)

const generationJobColumns = `
	id, batch_id, combination_index, user_id,
	avatar_name, industry, city, story_idea, image_url, model, aspect_ratio, number_of_scenes,
	combination, scene_prompts,
	initial_status, initial_error, initial_error_code, initial_user_action,
	initial_task_id, initial_reservation_id, initial_submitted_at,
	extended_status, extended_error, extended_error_code, extended_user_action,
	extended_task_id, extended_reservation_id, extended_submitted_at,
	final_status, final_error, final_error_code, final_user_action,
	final_task_id, final_reservation_id, final_submitted_at,
	current_scene, video_segments, final_video_url, is_final, version,
	created_at, updated_at
`

// GenerationJobRepository handles generation job persistence
type GenerationJobRepository struct {
	db *PostgresDB
}

// NewGenerationJobRepository creates a new generation job repository
func NewGenerationJobRepository(db *PostgresDB) *GenerationJobRepository {
	return &GenerationJobRepository{db: db}
}

// Create inserts a job. It reports false when a job already exists for the
// same (batch, combination index) pair, which makes batch resume idempotent.
func (r *GenerationJobRepository) Create(ctx context.Context, job *models.GenerationJob) (bool, error) {
	combination, scenes, segments, err := marshalJobDocuments(job)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO generation_jobs (` + generationJobColumns + `)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14,
			$15, $16, $17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27, $28,
			$29, $30, $31, $32, $33, $34, $35,
			$36, $37, $38, $39, $40,
			$41, $42
		)
		ON CONFLICT (batch_id, combination_index) DO NOTHING
	`

	args := []interface{}{
		job.ID, job.BatchID, job.CombinationIndex, job.UserID,
		job.Config.AvatarName, job.Config.Industry, job.Config.City, job.Config.StoryIdea,
		job.Config.ImageURL, job.Config.Model, job.Config.AspectRatio, job.Config.NumberOfScenes,
		combination, scenes,
	}
	args = append(args, phaseArgs(job.Initial)...)
	args = append(args, phaseArgs(job.Extended)...)
	args = append(args, phaseArgs(job.Final)...)
	args = append(args,
		job.CurrentScene, segments, job.FinalVideoURL, job.IsFinal, job.Version,
		job.CreatedAt, job.UpdatedAt,
	)

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to create generation job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetByID retrieves a job by ID
func (r *GenerationJobRepository) GetByID(ctx context.Context, id string) (*models.GenerationJob, error) {
	query := `SELECT ` + generationJobColumns + ` FROM generation_jobs WHERE id = $1`

	job, err := scanGenerationJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("generation job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get generation job: %w", err)
	}
	return job, nil
}

// FindByTaskID retrieves the job whose initial or extension phase carries taskID
func (r *GenerationJobRepository) FindByTaskID(ctx context.Context, taskID string) (*models.GenerationJob, error) {
	query := `
		SELECT ` + generationJobColumns + `
		FROM generation_jobs
		WHERE initial_task_id = $1 OR extended_task_id = $1
		LIMIT 1
	`

	job, err := scanGenerationJob(r.db.Pool().QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("generation job for task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find generation job by task: %w", err)
	}
	return job, nil
}

// Update writes the job if its version still matches the stored row.
// On success job.Version is advanced; a mismatch returns ErrStaleJob.
func (r *GenerationJobRepository) Update(ctx context.Context, job *models.GenerationJob) error {
	combination, scenes, segments, err := marshalJobDocuments(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE generation_jobs SET
			avatar_name = $3, industry = $4, city = $5, story_idea = $6, image_url = $7,
			model = $8, aspect_ratio = $9, number_of_scenes = $10,
			combination = $11, scene_prompts = $12,
			initial_status = $13, initial_error = $14, initial_error_code = $15, initial_user_action = $16,
			initial_task_id = $17, initial_reservation_id = $18, initial_submitted_at = $19,
			extended_status = $20, extended_error = $21, extended_error_code = $22, extended_user_action = $23,
			extended_task_id = $24, extended_reservation_id = $25, extended_submitted_at = $26,
			final_status = $27, final_error = $28, final_error_code = $29, final_user_action = $30,
			final_task_id = $31, final_reservation_id = $32, final_submitted_at = $33,
			current_scene = $34, video_segments = $35, final_video_url = $36, is_final = $37,
			version = version + 1, updated_at = $38
		WHERE id = $1 AND version = $2
	`

	now := time.Now().UTC()
	args := []interface{}{
		job.ID, job.Version,
		job.Config.AvatarName, job.Config.Industry, job.Config.City, job.Config.StoryIdea,
		job.Config.ImageURL, job.Config.Model, job.Config.AspectRatio, job.Config.NumberOfScenes,
		combination, scenes,
	}
	args = append(args, phaseArgs(job.Initial)...)
	args = append(args, phaseArgs(job.Extended)...)
	args = append(args, phaseArgs(job.Final)...)
	args = append(args, job.CurrentScene, segments, job.FinalVideoURL, job.IsFinal, now)

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update generation job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("generation job %s at version %d: %w", job.ID, job.Version, ErrStaleJob)
	}

	job.Version++
	job.UpdatedAt = now
	return nil
}

// ListByBatch returns the jobs of a batch in combination order
func (r *GenerationJobRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.GenerationJob, error) {
	query := `
		SELECT ` + generationJobColumns + `
		FROM generation_jobs
		WHERE batch_id = $1
		ORDER BY combination_index ASC
	`
	return r.queryJobs(ctx, query, batchID)
}

// ListPendingInitialByBatch returns the jobs of a batch whose initial phase was never submitted
func (r *GenerationJobRepository) ListPendingInitialByBatch(ctx context.Context, batchID string) ([]*models.GenerationJob, error) {
	query := `
		SELECT ` + generationJobColumns + `
		FROM generation_jobs
		WHERE batch_id = $1 AND initial_status = 'pending'
		ORDER BY combination_index ASC
	`
	return r.queryJobs(ctx, query, batchID)
}

// ExistsForCombination reports whether a job was already created for the combination index
func (r *GenerationJobRepository) ExistsForCombination(ctx context.Context, batchID string, index int) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM generation_jobs WHERE batch_id = $1 AND combination_index = $2
		)
	`, batchID, index).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check combination: %w", err)
	}
	return exists, nil
}

// ListStaleGenerating returns jobs with any phase generating since before cutoff
func (r *GenerationJobRepository) ListStaleGenerating(ctx context.Context, cutoff time.Time, limit int) ([]*models.GenerationJob, error) {
	query := `
		SELECT ` + generationJobColumns + `
		FROM generation_jobs
		WHERE (initial_status = 'generating' AND initial_submitted_at < $1)
		   OR (extended_status = 'generating' AND extended_submitted_at < $1)
		   OR (final_status = 'generating' AND updated_at < $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.queryJobs(ctx, query, cutoff, limit)
}

// ListGenerating returns jobs waiting on a provider render, oldest first
func (r *GenerationJobRepository) ListGenerating(ctx context.Context, limit int) ([]*models.GenerationJob, error) {
	query := `
		SELECT ` + generationJobColumns + `
		FROM generation_jobs
		WHERE initial_status = 'generating' OR extended_status = 'generating'
		ORDER BY updated_at ASC
		LIMIT $1
	`
	return r.queryJobs(ctx, query, limit)
}

func (r *GenerationJobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.GenerationJob, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		job, err := scanGenerationJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generation jobs: %w", err)
	}
	return jobs, nil
}

func phaseArgs(p models.PhaseState) []interface{} {
	return []interface{}{
		string(p.Status), p.Error, p.ErrorCode, p.UserAction,
		p.TaskID, p.ReservationID, p.SubmittedAt,
	}
}

func marshalJobDocuments(job *models.GenerationJob) (combination, scenes, segments []byte, err error) {
	combo := job.Combination
	if combo == nil {
		combo = models.Combination{}
	}
	if combination, err = json.Marshal(combo); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal combination: %w", err)
	}

	prompts := job.ScenePrompts
	if prompts == nil {
		prompts = []models.ScenePrompt{}
	}
	if scenes, err = json.Marshal(prompts); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal scene prompts: %w", err)
	}

	segs := job.VideoSegments
	if segs == nil {
		segs = []models.VideoSegment{}
	}
	if segments, err = json.Marshal(segs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal video segments: %w", err)
	}
	return combination, scenes, segments, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGenerationJob(row rowScanner) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var combination, scenes, segments []byte
	var initialStatus, extendedStatus, finalStatus string

	err := row.Scan(
		&job.ID, &job.BatchID, &job.CombinationIndex, &job.UserID,
		&job.Config.AvatarName, &job.Config.Industry, &job.Config.City, &job.Config.StoryIdea,
		&job.Config.ImageURL, &job.Config.Model, &job.Config.AspectRatio, &job.Config.NumberOfScenes,
		&combination, &scenes,
		&initialStatus, &job.Initial.Error, &job.Initial.ErrorCode, &job.Initial.UserAction,
		&job.Initial.TaskID, &job.Initial.ReservationID, &job.Initial.SubmittedAt,
		&extendedStatus, &job.Extended.Error, &job.Extended.ErrorCode, &job.Extended.UserAction,
		&job.Extended.TaskID, &job.Extended.ReservationID, &job.Extended.SubmittedAt,
		&finalStatus, &job.Final.Error, &job.Final.ErrorCode, &job.Final.UserAction,
		&job.Final.TaskID, &job.Final.ReservationID, &job.Final.SubmittedAt,
		&job.CurrentScene, &segments, &job.FinalVideoURL, &job.IsFinal, &job.Version,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Initial.Status = types.PhaseStatus(initialStatus)
	job.Extended.Status = types.PhaseStatus(extendedStatus)
	job.Final.Status = types.PhaseStatus(finalStatus)

	if err := json.Unmarshal(combination, &job.Combination); err != nil {
		return nil, fmt.Errorf("failed to unmarshal combination: %w", err)
	}
	if err := json.Unmarshal(scenes, &job.ScenePrompts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scene prompts: %w", err)
	}
	if err := json.Unmarshal(segments, &job.VideoSegments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video segments: %w", err)
	}
	return &job, nil
}
