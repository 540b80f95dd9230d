package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/types"
)

// ErrDuplicateKey is returned when an idempotency key was already recorded
var ErrDuplicateKey = errors.New("idempotency key already recorded")

const uniqueViolation = "23505"

// CreditTx is the set of ledger operations available inside one transaction.
// LockAccount must be called before any balance change for that user.
type CreditTx interface {
	LockAccount(ctx context.Context, userID string) (int64, error)
	SetBalance(ctx context.Context, userID string, balance int64) error
	HeldCredits(ctx context.Context, userID string) (int64, error)
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)
	InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error
	InsertVideoJob(ctx context.Context, job *models.VideoJob) error
	LockVideoJob(ctx context.Context, id string) (*models.VideoJob, error)
	UpdateVideoJob(ctx context.Context, job *models.VideoJob) error
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreditRepository handles credit accounts, ledger rows and reservations
type CreditRepository struct {
	db *PostgresDB
}

// NewCreditRepository creates a new credit repository
func NewCreditRepository(db *PostgresDB) *CreditRepository {
	return &CreditRepository{db: db}
}

// WithinTx runs fn inside one database transaction
func (r *CreditRepository) WithinTx(ctx context.Context, fn func(tx CreditTx) error) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&creditTx{q: tx})
	})
}

// GetBalance returns the stored balance; a user without an account has zero
func (r *CreditRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// HeldCredits returns the sum of outstanding reservations
func (r *CreditRepository) HeldCredits(ctx context.Context, userID string) (int64, error) {
	return heldCredits(ctx, r.db.Pool(), userID)
}

// GetVideoJob retrieves a reservation by ID
func (r *CreditRepository) GetVideoJob(ctx context.Context, id string) (*models.VideoJob, error) {
	return getVideoJob(ctx, r.db.Pool(), id, false)
}

// ListTransactions returns a user's ledger rows, newest first
func (r *CreditRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.CreditTransaction, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, type, amount, balance_after, metadata, idempotency_key, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.CreditTransaction
	for rows.Next() {
		var txn models.CreditTransaction
		var txType string
		var metadata []byte
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txType,
			&txn.Amount,
			&txn.BalanceAfter,
			&metadata,
			&txn.IdempotencyKey,
			&txn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.Type = types.TransactionType(txType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transaction metadata: %w", err)
			}
		}
		txns = append(txns, &txn)
	}
	return txns, rows.Err()
}

// AccountAudit holds the stored balance of an account next to what its ledger implies
type AccountAudit struct {
	UserID           string
	Balance          int64
	TransactionSum   int64
	LastBalanceAfter *int64
}

// AuditAccounts returns one row per credit account for reconciliation
func (r *CreditRepository) AuditAccounts(ctx context.Context) ([]AccountAudit, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT a.user_id, a.balance,
			   COALESCE((SELECT SUM(t.amount) FROM credit_transactions t WHERE t.user_id = a.user_id), 0),
			   (SELECT t.balance_after FROM credit_transactions t
				WHERE t.user_id = a.user_id
				ORDER BY t.created_at DESC, t.id DESC LIMIT 1)
		FROM credit_accounts a
		ORDER BY a.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account audit: %w", err)
	}
	defer rows.Close()

	var audits []AccountAudit
	for rows.Next() {
		var a AccountAudit
		if err := rows.Scan(&a.UserID, &a.Balance, &a.TransactionSum, &a.LastBalanceAfter); err != nil {
			return nil, fmt.Errorf("failed to scan account audit: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// CountDoubleSettled counts reservations holding both reserved and charged credits
func (r *CreditRepository) CountDoubleSettled(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM video_jobs WHERE credits_reserved > 0 AND credits_charged > 0`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count double-settled reservations: %w", err)
	}
	return n, nil
}

// CountStrandedHolds counts pending reservations whose phase has already finished
func (r *CreditRepository) CountStrandedHolds(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(DISTINCT v.id)
		FROM video_jobs v
		JOIN generation_jobs g
		  ON (g.initial_reservation_id = v.id AND g.initial_status IN ('completed', 'failed'))
		  OR (g.extended_reservation_id = v.id AND g.extended_status IN ('completed', 'failed'))
		  OR (g.final_reservation_id = v.id AND g.final_status IN ('completed', 'failed'))
		WHERE v.status = 'pending' AND v.credits_reserved > 0
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stranded holds: %w", err)
	}
	return n, nil
}

type creditTx struct {
	q pgQuerier
}

func (t *creditTx) LockAccount(ctx context.Context, userID string) (int64, error) {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	var balance int64
	err := t.q.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock credit account: %w", err)
	}
	return balance, nil
}

func (t *creditTx) SetBalance(ctx context.Context, userID string, balance int64) error {
	_, err := t.q.Exec(ctx,
		`UPDATE credit_accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, balance)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

func (t *creditTx) HeldCredits(ctx context.Context, userID string) (int64, error) {
	return heldCredits(ctx, t.q, userID)
}

func (t *creditTx) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE idempotency_key = $1)`,
		idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

func (t *creditTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}
	if txn.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, type, amount, balance_after, metadata, idempotency_key, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		txn.ID,
		txn.UserID,
		string(txn.Type),
		txn.Amount,
		txn.BalanceAfter,
		metadata,
		txn.IdempotencyKey,
		txn.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *creditTx) InsertVideoJob(ctx context.Context, job *models.VideoJob) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO video_jobs (
			id, user_id, generation_id, provider, phase, estimated_credits,
			credits_reserved, credits_charged, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		job.ID,
		job.UserID,
		job.GenerationID,
		job.Provider,
		string(job.Phase),
		job.EstimatedCredits,
		job.CreditsReserved,
		job.CreditsCharged,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert video job: %w", err)
	}
	return nil
}

func (t *creditTx) LockVideoJob(ctx context.Context, id string) (*models.VideoJob, error) {
	return getVideoJob(ctx, t.q, id, true)
}

func (t *creditTx) UpdateVideoJob(ctx context.Context, job *models.VideoJob) error {
	job.UpdatedAt = time.Now().UTC()
	result, err := t.q.Exec(ctx, `
		UPDATE video_jobs
		SET credits_reserved = $2, credits_charged = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, job.ID, job.CreditsReserved, job.CreditsCharged, string(job.Status), job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update video job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("video job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

func heldCredits(ctx context.Context, q pgQuerier, userID string) (int64, error) {
	var held int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_reserved), 0)
		FROM video_jobs
		WHERE user_id = $1 AND status = 'pending'
	`, userID).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("failed to sum held credits: %w", err)
	}
	return held, nil
}

func getVideoJob(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*models.VideoJob, error) {
	query := `
		SELECT id, user_id, generation_id, provider, phase, estimated_credits,
			   credits_reserved, credits_charged, status, created_at, updated_at
		FROM video_jobs
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var job models.VideoJob
	var phase, status string
	err := q.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.UserID,
		&job.GenerationID,
		&job.Provider,
		&phase,
		&job.EstimatedCredits,
		&job.CreditsReserved,
		&job.CreditsCharged,
		&status,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("video job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get video job: %w", err)
	}
	job.Phase = types.Phase(phase)
	job.Status = types.VideoJobStatus(status)
	return &job, nil
}
