package models

import (
	"time"

	"github.com/video-batcher/internal/types"
)

// CreditAccount is the per-user balance row
type CreditAccount struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditTransaction is an append-only ledger row.
// At most one row exists per non-nil IdempotencyKey.
type CreditTransaction struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"userId"`
	Type           types.TransactionType  `json:"type"`
	Amount         int64                  `json:"amount"`
	BalanceAfter   int64                  `json:"balanceAfter"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey *string                `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// VideoJob is a credit reservation for one render submission.
// CreditsReserved and CreditsCharged are never both non-zero.
type VideoJob struct {
	ID               string               `json:"id"`
	UserID           string               `json:"userId"`
	GenerationID     string               `json:"generationId"`
	Provider         string               `json:"provider"`
	Phase            types.Phase          `json:"phase"`
	EstimatedCredits int64                `json:"estimatedCredits"`
	CreditsReserved  int64                `json:"creditsReserved"`
	CreditsCharged   int64                `json:"creditsCharged"`
	Status           types.VideoJobStatus `json:"status"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// CreditCheck is the result of a read-only affordability check
type CreditCheck struct {
	HasEnough bool  `json:"hasEnough"`
	Balance   int64 `json:"balance"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
	Required  int64 `json:"required"`
	Shortfall int64 `json:"shortfall"`
}

// CreditBalance is the caller-facing balance view
type CreditBalance struct {
	UserID    string `json:"userId"`
	Balance   int64  `json:"balance"`
	Held      int64  `json:"held"`
	Available int64  `json:"available"`
}

// PhaseEvent is an analytics record of one phase transition
type PhaseEvent struct {
	EventID    string            `json:"eventId"`
	JobID      string            `json:"jobId"`
	BatchID    string            `json:"batchId"`
	UserID     string            `json:"userId"`
	Phase      types.Phase       `json:"phase"`
	Status     types.PhaseStatus `json:"status"`
	ErrorCode  string            `json:"errorCode"`
	TaskID     string            `json:"taskId"`
	Scene      int               `json:"scene"`
	OccurredAt time.Time         `json:"occurredAt"`
}
