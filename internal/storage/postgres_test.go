package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/types"
)

func TestNewPostgresDB(t *testing.T) {
	db := testPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestGenerationJobRepository_CreateIsIdempotentPerCombination(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)

	batches := NewBatchRepository(db)
	jobs := NewGenerationJobRepository(db)

	batch := &models.Batch{
		ID:                uuid.NewString(),
		UserID:            "user-" + uuid.NewString(),
		BaseConfig:        models.BaseConfig{Industry: "Roofing", NumberOfScenes: 2},
		InputCombinations: []models.Combination{{"city": "Austin"}},
		Status:            types.BatchStatusProcessing,
		TotalJobs:         1,
	}
	require.NoError(t, batches.Create(ctx, batch))

	index := 0
	first := models.NewGenerationJob(uuid.NewString(), batch.UserID, models.JobConfig{NumberOfScenes: 2, ImageURL: types.TextOnlyImage})
	first.BatchID = &batch.ID
	first.CombinationIndex = &index

	created, err := jobs.Create(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	dup := models.NewGenerationJob(uuid.NewString(), batch.UserID, first.Config)
	dup.BatchID = &batch.ID
	dup.CombinationIndex = &index

	created, err = jobs.Create(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	exists, err := jobs.ExistsForCombination(ctx, batch.ID, 0)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGenerationJobRepository_OptimisticUpdate(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	jobs := NewGenerationJobRepository(db)

	job := models.NewGenerationJob(uuid.NewString(), "user-"+uuid.NewString(), models.JobConfig{NumberOfScenes: 3})
	_, err := jobs.Create(ctx, job)
	require.NoError(t, err)

	a, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	b, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)

	taskID := "task-" + uuid.NewString()
	a.Initial.Status = types.PhaseStatusGenerating
	a.Initial.TaskID = &taskID
	require.NoError(t, jobs.Update(ctx, a))

	b.Initial.Status = types.PhaseStatusFailed
	err = jobs.Update(ctx, b)
	assert.ErrorIs(t, err, ErrStaleJob)

	found, err := jobs.FindByTaskID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	assert.Equal(t, types.PhaseStatusGenerating, found.Initial.Status)
}

func TestCreditRepository_GrantIdempotencyKeyIsUnique(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	repo := NewCreditRepository(db)

	userID := "user-" + uuid.NewString()
	key := "evt-" + uuid.NewString()

	insert := func() error {
		return repo.WithinTx(ctx, func(tx CreditTx) error {
			balance, err := tx.LockAccount(ctx, userID)
			if err != nil {
				return err
			}
			if err := tx.InsertTransaction(ctx, &models.CreditTransaction{
				ID:             uuid.NewString(),
				UserID:         userID,
				Type:           types.TransactionPurchase,
				Amount:         10,
				BalanceAfter:   balance + 10,
				IdempotencyKey: &key,
			}); err != nil {
				return err
			}
			return tx.SetBalance(ctx, userID, balance+10)
		})
	}

	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ErrDuplicateKey)

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}
