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

// BatchRepository handles batch persistence
type BatchRepository struct {
	db *PostgresDB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *PostgresDB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a batch together with its original combinations
func (r *BatchRepository) Create(ctx context.Context, batch *models.Batch) error {
	baseConfig, err := json.Marshal(batch.BaseConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal base config: %w", err)
	}
	variables, err := json.Marshal(batch.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	combinations, err := json.Marshal(batch.InputCombinations)
	if err != nil {
		return fmt.Errorf("failed to marshal combinations: %w", err)
	}

	query := `
		INSERT INTO batches (
			id, user_id, base_config, variables, input_combinations, status, is_paused,
			test_run_limit, total_jobs, jobs_started, jobs_failed, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		batch.ID,
		batch.UserID,
		baseConfig,
		variables,
		combinations,
		string(batch.Status),
		batch.IsPaused,
		batch.TestRunLimit,
		batch.TotalJobs,
		batch.JobsStarted,
		batch.JobsFailed,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetByID retrieves a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*models.Batch, error) {
	query := `
		SELECT id, user_id, base_config, variables, input_combinations, status, is_paused,
			   test_run_limit, total_jobs, jobs_started, jobs_failed, created_at, updated_at
		FROM batches
		WHERE id = $1
	`

	var batch models.Batch
	var baseConfig, variables, combinations []byte
	var status string

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&batch.ID,
		&batch.UserID,
		&baseConfig,
		&variables,
		&combinations,
		&status,
		&batch.IsPaused,
		&batch.TestRunLimit,
		&batch.TotalJobs,
		&batch.JobsStarted,
		&batch.JobsFailed,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	batch.Status = types.BatchStatus(status)
	if err := json.Unmarshal(baseConfig, &batch.BaseConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base config: %w", err)
	}
	if err := json.Unmarshal(variables, &batch.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}
	if err := json.Unmarshal(combinations, &batch.InputCombinations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal combinations: %w", err)
	}
	return &batch, nil
}

// UpdateProgress persists status, pause flag and run counters
func (r *BatchRepository) UpdateProgress(ctx context.Context, batch *models.Batch) error {
	now := time.Now().UTC()
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE batches
		SET status = $2, is_paused = $3, jobs_started = $4, jobs_failed = $5, updated_at = $6
		WHERE id = $1
	`, batch.ID, string(batch.Status), batch.IsPaused, batch.JobsStarted, batch.JobsFailed, now)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", batch.ID, ErrNotFound)
	}
	batch.UpdatedAt = now
	return nil
}
