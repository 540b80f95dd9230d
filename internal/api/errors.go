package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/types"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response) // nolint:errcheck
}

// respondServiceError categorizes err and writes it in the wire error form.
// System errors are logged and their message replaced.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	message := catErr.Message
	if catErr.StatusCode >= http.StatusInternalServerError && catErr.Category != apperrors.CategoryProvider {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		message = "An internal error occurred"
	}
	respondError(w, catErr.StatusCode, catErr.Code, message, catErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data) // nolint:errcheck
	}
}

// parseJSONBody decodes the request body into v and runs its validate tags.
// Unknown fields are rejected.
func parseJSONBody(r *http.Request, v interface{}) error {
	return decodeBody(r, v, true)
}

// parseWebhookBody is parseJSONBody for payloads that third parties may extend
func parseWebhookBody(r *http.Request, v interface{}) error {
	return decodeBody(r, v, false)
}

func decodeBody(r *http.Request, v interface{}, strict bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewValidationError("body", "is required")
		}
		return apperrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return validateStruct(v)
}

func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		reason := fmt.Sprintf("failed on the '%s' tag", first.Tag())
		if first.Param() != "" {
			reason = fmt.Sprintf("%s (%s)", reason, first.Param())
		}
		return apperrors.NewValidationError(fieldPath(first.Namespace()), reason)
	}
	return apperrors.NewValidationError("body", err.Error())
}

// fieldPath turns "createBatchRequest.BaseConfig.Model" into "baseConfig.model"
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}

// Common error codes
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeRateLimited  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
