// Package service contains the credit ledger, the stitching pipeline and the ledger audit.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// LedgerStore is the persistence the credit ledger needs
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(tx storage.CreditTx) error) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	HeldCredits(ctx context.Context, userID string) (int64, error)
	GetVideoJob(ctx context.Context, id string) (*models.VideoJob, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.CreditTransaction, error)
}

// CreditLedger keeps per-user balances consistent across reservation, charge and refund.
// Every balance change happens under the account row lock taken by CreditTx.LockAccount.
type CreditLedger struct {
	store          LedgerStore
	creditsPerUnit float64
	segmentSeconds int
	now            func() time.Time
}

// NewCreditLedger creates a new credit ledger
func NewCreditLedger(store LedgerStore, cfg *config.CreditsConfig) *CreditLedger {
	return &CreditLedger{
		store:          store,
		creditsPerUnit: cfg.CreditsPerUnit,
		segmentSeconds: cfg.SegmentSeconds,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RequiredCredits converts rendered units (minutes) into whole credits, rounding up
func (l *CreditLedger) RequiredCredits(units float64) int64 {
	if units <= 0 {
		return 0
	}
	// absorb float error so exact products do not round up
	return int64(math.Ceil(units*l.creditsPerUnit - 1e-9))
}

// SegmentUnits returns the units consumed by rendering n segments
func (l *CreditLedger) SegmentUnits(n int) float64 {
	return float64(n*l.segmentSeconds) / 60.0
}

// SegmentSeconds returns the configured duration of one rendered segment
func (l *CreditLedger) SegmentSeconds() int {
	return l.segmentSeconds
}

// CheckCredits reports whether the user can afford units without changing anything
func (l *CreditLedger) CheckCredits(ctx context.Context, userID string, units float64) (*models.CreditCheck, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInfrastructureError("get balance", err)
	}
	held, err := l.store.HeldCredits(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInfrastructureError("sum held credits", err)
	}
	return buildCheck(balance, held, l.RequiredCredits(units)), nil
}

func buildCheck(balance, held, required int64) *models.CreditCheck {
	available := balance - held
	shortfall := required - available
	if shortfall < 0 {
		shortfall = 0
	}
	return &models.CreditCheck{
		HasEnough: shortfall == 0,
		Balance:   balance,
		Held:      held,
		Available: available,
		Required:  required,
		Shortfall: shortfall,
	}
}

// Reserve places a hold for units on behalf of a generation job phase.
// The visible balance is unchanged; the hold lives on the returned VideoJob.
func (l *CreditLedger) Reserve(ctx context.Context, userID, generationID, provider string, phase types.Phase, units float64) (*models.VideoJob, error) {
	required := l.RequiredCredits(units)
	if required <= 0 {
		return nil, apperrors.NewValidationError("estimatedUnits", "must be positive")
	}

	now := l.now()
	reservation := &models.VideoJob{
		ID:               uuid.NewString(),
		UserID:           userID,
		GenerationID:     generationID,
		Provider:         provider,
		Phase:            phase,
		EstimatedCredits: required,
		CreditsReserved:  required,
		Status:           types.VideoJobPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := l.store.WithinTx(ctx, func(tx storage.CreditTx) error {
		balance, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		held, err := tx.HeldCredits(ctx, userID)
		if err != nil {
			return err
		}

		check := buildCheck(balance, held, required)
		if !check.HasEnough {
			return &apperrors.InsufficientCreditsError{
				UserID:    userID,
				Required:  required,
				Available: check.Available,
				Shortfall: check.Shortfall,
			}
		}
		return tx.InsertVideoJob(ctx, reservation)
	})
	if err != nil {
		return nil, wrapLedgerError("reserve credits", "", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":        userID,
		"generationId":  generationID,
		"reservationId": reservation.ID,
		"phase":         phase,
		"credits":       required,
	}).Info("Credits reserved")

	return reservation, nil
}

// Charge settles a reservation. With no actual usage the original estimate is charged.
// When the balance no longer covers the amount, the charge is capped at the balance
// so the hold is always released. Charging an already-completed reservation is a no-op.
func (l *CreditLedger) Charge(ctx context.Context, reservationID string, actualUnits *float64) error {
	var charged, shortfall int64
	var userID string
	settled := false

	err := l.store.WithinTx(ctx, func(tx storage.CreditTx) error {
		reservation, err := tx.LockVideoJob(ctx, reservationID)
		if err != nil {
			return err
		}
		switch reservation.Status {
		case types.VideoJobCompleted:
			return nil
		case types.VideoJobFailed:
			return apperrors.NewConflictError("reservation " + reservationID + " was already refunded")
		}

		actual := reservation.EstimatedCredits
		if actualUnits != nil {
			actual = l.RequiredCredits(*actualUnits)
		}

		balance, err := tx.LockAccount(ctx, reservation.UserID)
		if err != nil {
			return err
		}
		requested := actual
		if balance < actual {
			actual = balance
		}

		newBalance := balance - actual
		if err := tx.InsertTransaction(ctx, &models.CreditTransaction{
			ID:           uuid.NewString(),
			UserID:       reservation.UserID,
			Type:         types.TransactionDebit,
			Amount:       -actual,
			BalanceAfter: newBalance,
			Metadata: map[string]interface{}{
				"reservationId": reservation.ID,
				"generationId":  reservation.GenerationID,
				"phase":         string(reservation.Phase),
				"estimated":     reservation.EstimatedCredits,
				"requested":     requested,
			},
			CreatedAt: l.now(),
		}); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, reservation.UserID, newBalance); err != nil {
			return err
		}

		reservation.Status = types.VideoJobCompleted
		reservation.CreditsCharged = actual
		reservation.CreditsReserved = 0
		if err := tx.UpdateVideoJob(ctx, reservation); err != nil {
			return err
		}

		charged, shortfall, userID, settled = actual, requested-actual, reservation.UserID, true
		return nil
	})
	if err != nil {
		return wrapLedgerError("charge credits", reservationID, err)
	}

	if settled {
		logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
			"userId":        userID,
			"reservationId": reservationID,
			"credits":       charged,
		})
		if shortfall > 0 {
			logger.WithField("shortfall", shortfall).Warn("Balance did not cover the rendered usage, charge capped")
		} else {
			logger.Info("Credits charged")
		}
	}
	return nil
}

// Refund releases a reservation's hold. A reservation with nothing held is left alone.
func (l *CreditLedger) Refund(ctx context.Context, reservationID string) error {
	var released int64
	var userID string

	err := l.store.WithinTx(ctx, func(tx storage.CreditTx) error {
		reservation, err := tx.LockVideoJob(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.CreditsReserved == 0 {
			return nil
		}

		balance, err := tx.LockAccount(ctx, reservation.UserID)
		if err != nil {
			return err
		}

		// The hold never left the balance, so the refund row releases it without moving credits.
		if err := tx.InsertTransaction(ctx, &models.CreditTransaction{
			ID:           uuid.NewString(),
			UserID:       reservation.UserID,
			Type:         types.TransactionRefund,
			Amount:       0,
			BalanceAfter: balance,
			Metadata: map[string]interface{}{
				"reservationId": reservation.ID,
				"generationId":  reservation.GenerationID,
				"phase":         string(reservation.Phase),
				"released":      reservation.CreditsReserved,
			},
			CreatedAt: l.now(),
		}); err != nil {
			return err
		}

		released, userID = reservation.CreditsReserved, reservation.UserID
		reservation.Status = types.VideoJobFailed
		reservation.CreditsReserved = 0
		return tx.UpdateVideoJob(ctx, reservation)
	})
	if err != nil {
		return wrapLedgerError("refund credits", reservationID, err)
	}

	if released > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"userId":        userID,
			"reservationId": reservationID,
			"credits":       released,
		}).Info("Credit reservation released")
	}
	return nil
}

// Grant adds credits at most once per idempotency key.
// It reports whether this call applied the grant.
func (l *CreditLedger) Grant(ctx context.Context, userID string, credits int64, idempotencyKey string, txType types.TransactionType, metadata map[string]interface{}) (bool, error) {
	if credits <= 0 {
		return false, apperrors.NewValidationError("credits", "must be positive")
	}
	if idempotencyKey == "" {
		return false, apperrors.NewValidationError("idempotencyKey", "is required")
	}
	if txType != types.TransactionPurchase && txType != types.TransactionGrant {
		return false, apperrors.NewValidationError("type", "must be purchase or grant")
	}

	applied := false
	var newBalance int64

	err := l.store.WithinTx(ctx, func(tx storage.CreditTx) error {
		exists, err := tx.TransactionExists(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		balance, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		newBalance = balance + credits
		key := idempotencyKey
		if err := tx.InsertTransaction(ctx, &models.CreditTransaction{
			ID:             uuid.NewString(),
			UserID:         userID,
			Type:           txType,
			Amount:         credits,
			BalanceAfter:   newBalance,
			Metadata:       metadata,
			IdempotencyKey: &key,
			CreatedAt:      l.now(),
		}); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		// a concurrent delivery of the same event won the insert
		return false, nil
	}
	if err != nil {
		return false, wrapLedgerError("grant credits", "", err)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":         userID,
		"credits":        credits,
		"idempotencyKey": idempotencyKey,
	})
	if applied {
		logger.WithField("balance", newBalance).Info("Credits granted")
	} else {
		logger.Info("Duplicate credit grant ignored")
	}
	return applied, nil
}

// GetBalance returns the stored balance, the outstanding holds and what is available
func (l *CreditLedger) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInfrastructureError("get balance", err)
	}
	held, err := l.store.HeldCredits(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInfrastructureError("sum held credits", err)
	}
	return &models.CreditBalance{
		UserID:    userID,
		Balance:   balance,
		Held:      held,
		Available: balance - held,
	}, nil
}

// ListTransactions returns ledger rows for a user, newest first
func (l *CreditLedger) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	txns, err := l.store.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.NewInfrastructureError("list transactions", err)
	}
	return txns, nil
}

// wrapLedgerError keeps domain errors as they are and marks storage failures as infrastructure
func wrapLedgerError(operation, reservationID string, err error) error {
	var credErr *apperrors.InsufficientCreditsError
	var valErr *apperrors.ValidationError
	var catErr *apperrors.CategorizedError
	switch {
	case errors.As(err, &credErr), errors.As(err, &valErr), errors.As(err, &catErr):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NewNotFoundError("reservation", reservationID)
	default:
		return apperrors.NewInfrastructureError(operation, err)
	}
}
