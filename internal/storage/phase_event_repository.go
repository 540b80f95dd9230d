package storage

import (
	"context"
	"fmt"

	"github.com/video-batcher/internal/models"
)

// PhaseEventRepository appends phase transitions to ClickHouse for analytics
type PhaseEventRepository struct {
	db *ClickHouseDB
}

// NewPhaseEventRepository creates a new phase event repository
func NewPhaseEventRepository(db *ClickHouseDB) *PhaseEventRepository {
	return &PhaseEventRepository{db: db}
}

// Record inserts events in a single batch
func (r *PhaseEventRepository) Record(ctx context.Context, events ...models.PhaseEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO phase_events (
			event_id, job_id, batch_id, user_id, phase, status,
			error_code, task_id, scene, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare phase event batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.JobID,
			e.BatchID,
			e.UserID,
			string(e.Phase),
			string(e.Status),
			e.ErrorCode,
			e.TaskID,
			int32(e.Scene), // #nosec G115 - scene counts are small
			e.OccurredAt,
		); err != nil {
			return fmt.Errorf("failed to append phase event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send phase events: %w", err)
	}
	return nil
}

// PhaseFailureCount is the number of failures per error code in a window
type PhaseFailureCount struct {
	Phase     string `json:"phase"`
	ErrorCode string `json:"errorCode"`
	Count     uint64 `json:"count"`
}

// FailureCounts aggregates failed transitions per phase and error code for a user
func (r *PhaseEventRepository) FailureCounts(ctx context.Context, userID string) ([]PhaseFailureCount, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT phase, error_code, count() AS n
		FROM phase_events
		WHERE user_id = ? AND status = 'failed'
		GROUP BY phase, error_code
		ORDER BY n DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase failures: %w", err)
	}
	defer rows.Close()

	var counts []PhaseFailureCount
	for rows.Next() {
		var c PhaseFailureCount
		if err := rows.Scan(&c.Phase, &c.ErrorCode, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan phase failure: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
