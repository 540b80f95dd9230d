package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/video-batcher/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents render or prompt provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache and queue errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryCredits represents insufficient credit errors
	CategoryCredits ErrorCategory = "credits"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// ValidationError reports bad caller input. Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError is a classified failure from an external render or prompt provider.
// It is persisted on the phase that failed.
type ProviderError struct {
	Type       types.ProviderErrorType
	Message    string
	UserAction string
	StatusCode int
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError builds a ProviderError with the standard message and user action for typ.
// A non-empty detail replaces the standard message.
func NewProviderError(typ types.ProviderErrorType, statusCode int, detail string, cause error) *ProviderError {
	info := types.DescribeProviderError(typ)
	msg := info.Message
	if detail != "" {
		msg = detail
	}
	return &ProviderError{
		Type:       info.Type,
		Message:    msg,
		UserAction: info.UserAction,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// InsufficientCreditsError blocks a reservation before any external call is made
type InsufficientCreditsError struct {
	UserID    string
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: required %d, available %d, shortfall %d",
		e.UserID, e.Required, e.Available, e.Shortfall)
}

// InfrastructureError wraps a storage or queue failure for a single operation
type InfrastructureError struct {
	Operation string
	Cause     error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure error during %s: %v", e.Operation, e.Cause)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Cause
}

// NewInfrastructureError wraps cause for operation. A nil cause returns nil.
func NewInfrastructureError(operation string, cause error) error {
	if cause == nil {
		return nil
	}
	return &InfrastructureError{Operation: operation, Cause: cause}
}

// StitchError names the stitching step and segment that failed.
// SegmentIndex is -1 when the failure is not tied to one segment.
type StitchError struct {
	Step         string
	SegmentIndex int
	Cause        error
}

func (e *StitchError) Error() string {
	if e.SegmentIndex >= 0 {
		return fmt.Sprintf("stitch %s failed for segment %d: %v", e.Step, e.SegmentIndex, e.Cause)
	}
	return fmt.Sprintf("stitch %s failed: %v", e.Step, e.Cause)
}

func (e *StitchError) Unwrap() error {
	return e.Cause
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var valErr *ValidationError
	if stderrors.As(err, &valErr) {
		return &CategorizedError{
			Category:   CategoryValidation,
			StatusCode: http.StatusBadRequest,
			Code:       "VALIDATION_ERROR",
			Message:    valErr.Error(),
			Details: map[string]interface{}{
				"field":  valErr.Field,
				"reason": valErr.Reason,
			},
		}
	}

	var credErr *InsufficientCreditsError
	if stderrors.As(err, &credErr) {
		return &CategorizedError{
			Category:   CategoryCredits,
			StatusCode: http.StatusPaymentRequired,
			Code:       "INSUFFICIENT_CREDITS",
			Message:    "not enough credits for this request",
			Details: map[string]interface{}{
				"required":  credErr.Required,
				"available": credErr.Available,
				"shortfall": credErr.Shortfall,
			},
		}
	}

	var provErr *ProviderError
	if stderrors.As(err, &provErr) {
		status := http.StatusBadGateway
		if provErr.Type == types.ProviderRateLimited {
			status = http.StatusTooManyRequests
		}
		return &CategorizedError{
			Category:   CategoryProvider,
			StatusCode: status,
			Code:       string(provErr.Type),
			Message:    provErr.Message,
			Cause:      provErr.Cause,
			Details: map[string]interface{}{
				"userAction": provErr.UserAction,
			},
		}
	}

	var stitchErr *StitchError
	if stderrors.As(err, &stitchErr) {
		return &CategorizedError{
			Category:   CategoryProvider,
			StatusCode: http.StatusBadGateway,
			Code:       "STITCH_FAILED",
			Message:    stitchErr.Error(),
			Cause:      stitchErr.Cause,
			Details: map[string]interface{}{
				"step":         stitchErr.Step,
				"segmentIndex": stitchErr.SegmentIndex,
			},
		}
	}

	var infraErr *InfrastructureError
	if stderrors.As(err, &infraErr) {
		return NewDatabaseError(infraErr.Operation, infraErr.Cause)
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if stderrors.As(err, &provErr) {
		return provErr.Type == types.ProviderRateLimited || provErr.Type == types.ProviderAPIError
	}

	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
