// Package types provides common type definitions for the video batch service.
package types

// PhaseStatus represents the status of one rendering phase of a generation job
type PhaseStatus string

const (
	// PhaseStatusPending represents a phase that has not been submitted yet
	PhaseStatusPending PhaseStatus = "pending"
	// PhaseStatusGenerating represents a phase waiting on the provider
	PhaseStatusGenerating PhaseStatus = "generating"
	// PhaseStatusCompleted represents a phase that produced its output
	PhaseStatusCompleted PhaseStatus = "completed"
	// PhaseStatusFailed represents a phase that ended with an error
	PhaseStatusFailed PhaseStatus = "failed"
)

// IsValid reports whether s is a known phase status
func (s PhaseStatus) IsValid() bool {
	switch s {
	case PhaseStatusPending, PhaseStatusGenerating, PhaseStatusCompleted, PhaseStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a phase may move from s to next.
// failed -> pending is only reachable through an explicit retry.
func (s PhaseStatus) CanTransition(next PhaseStatus) bool {
	switch s {
	case PhaseStatusPending:
		return next == PhaseStatusGenerating || next == PhaseStatusFailed
	case PhaseStatusGenerating:
		return next == PhaseStatusCompleted || next == PhaseStatusFailed
	case PhaseStatusFailed:
		return next == PhaseStatusPending
	default:
		return false
	}
}

// Phase identifies one of the three phase machines of a job
type Phase string

const (
	PhaseInitial  Phase = "initial"
	PhaseExtended Phase = "extended"
	PhaseFinal    Phase = "final"
)

// OverallStatus is the derived, never stored, status of a generation job
type OverallStatus string

const (
	OverallPending    OverallStatus = "pending"
	OverallGenerating OverallStatus = "generating"
	OverallReady      OverallStatus = "ready"
	OverallCompleted  OverallStatus = "completed"
	OverallFailed     OverallStatus = "failed"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	// BatchStatusProcessing represents a batch whose jobs are being created or submitted
	BatchStatusProcessing BatchStatus = "processing"
	// BatchStatusPausedForReview represents a batch stopped after a partial test run
	BatchStatusPausedForReview BatchStatus = "paused_for_review"
	// BatchStatusCompleted represents a batch whose jobs have all been submitted
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusFailed represents a batch whose run loop could not finish
	BatchStatusFailed BatchStatus = "failed"
)

// TransactionType represents the kind of a credit ledger row
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionGrant    TransactionType = "grant"
	TransactionDebit    TransactionType = "debit"
	TransactionRefund   TransactionType = "refund"
)

// VideoJobStatus represents the settlement state of a credit reservation
type VideoJobStatus string

const (
	VideoJobPending   VideoJobStatus = "pending"
	VideoJobCompleted VideoJobStatus = "completed"
	VideoJobFailed    VideoJobStatus = "failed"
)

// SegmentType describes how a video segment was produced
type SegmentType string

const (
	SegmentInitial   SegmentType = "initial"
	SegmentExtension SegmentType = "extension"
)

// TextOnlyImage is stored in place of an image URL when a job renders from text alone
const TextOnlyImage = "text-only"

// ProviderErrorType is the provider failure taxonomy surfaced on a phase
type ProviderErrorType string

const (
	ProviderRateLimited     ProviderErrorType = "RATE_LIMITED"
	ProviderCreditExhausted ProviderErrorType = "CREDIT_EXHAUSTED"
	ProviderAuthError       ProviderErrorType = "AUTH_ERROR"
	ProviderInvalidParams   ProviderErrorType = "INVALID_PARAMS"
	ProviderAPIError        ProviderErrorType = "API_ERROR"
	ProviderTimeout         ProviderErrorType = "TIMEOUT"
)

// ProviderErrorInfo is the presentation-agnostic description of a provider error type
type ProviderErrorInfo struct {
	Type       ProviderErrorType `json:"type"`
	Message    string            `json:"message"`
	UserAction string            `json:"userAction"`
}

var providerErrorInfo = map[ProviderErrorType]ProviderErrorInfo{
	ProviderRateLimited: {
		Type:       ProviderRateLimited,
		Message:    "The video provider is receiving too many requests.",
		UserAction: "Wait a few minutes and retry this video.",
	},
	ProviderCreditExhausted: {
		Type:       ProviderCreditExhausted,
		Message:    "The video provider account has run out of credits.",
		UserAction: "Contact support; the provider account needs to be topped up.",
	},
	ProviderAuthError: {
		Type:       ProviderAuthError,
		Message:    "The video provider rejected our credentials.",
		UserAction: "Contact support; the provider API key needs attention.",
	},
	ProviderInvalidParams: {
		Type:       ProviderInvalidParams,
		Message:    "The video provider rejected the request parameters.",
		UserAction: "Edit the prompt or script and retry.",
	},
	ProviderAPIError: {
		Type:       ProviderAPIError,
		Message:    "The video provider returned an unexpected error.",
		UserAction: "Retry this video. If it keeps failing, edit the prompt.",
	},
	ProviderTimeout: {
		Type:       ProviderTimeout,
		Message:    "The video provider did not report a result in time.",
		UserAction: "Retry this video.",
	},
}

// DescribeProviderError returns the message and user action for an error type.
// Unknown types describe as API_ERROR.
func DescribeProviderError(t ProviderErrorType) ProviderErrorInfo {
	if info, ok := providerErrorInfo[t]; ok {
		return info
	}
	return providerErrorInfo[ProviderAPIError]
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
