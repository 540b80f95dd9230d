// Package adapter contains clients for the external collaborators: the video
// render provider, the prompt generator and the transformation-capable media host.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/video-batcher/internal/circuitbreaker"
	"github.com/video-batcher/internal/config"
	apperrors "github.com/video-batcher/internal/errors"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/types"
)

const maxErrorBody = 2048

// RenderRequest is one render submission
type RenderRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	ImageURL        string `json:"imageUrl,omitempty"`
	SourceVideoURL  string `json:"sourceVideoUrl,omitempty"`
	DurationSeconds int    `json:"durationSeconds"`
	AspectRatio     string `json:"aspectRatio"`
	CallbackURL     string `json:"callbackUrl,omitempty"`
}

// Task statuses reported by the provider
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// TaskStatus is the provider's view of one render task
type TaskStatus struct {
	TaskID     string `json:"taskId"`
	Status     string `json:"status"`
	VideoURL   string `json:"videoUrl,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
}

// Terminal reports whether the task has finished
func (s *TaskStatus) Terminal() bool {
	return s.Status == TaskCompleted || s.Status == TaskFailed
}

// HTTPRenderProvider submits renders to a callback-capable video render API
type HTTPRenderProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPRenderProvider creates a render provider client
func NewHTTPRenderProvider(cfg *config.ProviderConfig) *HTTPRenderProvider {
	timeout := cfg.RenderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig("render-" + cfg.Name)
	breakerCfg.IsFailure = countsAgainstProvider

	return &HTTPRenderProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.RenderBaseURL, "/"),
		apiKey:  cfg.RenderAPIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
	}
}

// Name returns the provider identifier recorded on reservations
func (p *HTTPRenderProvider) Name() string {
	return p.name
}

// SubmitRender posts a render request and returns the provider task ID
func (p *HTTPRenderProvider) SubmitRender(ctx context.Context, req RenderRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal render request: %w", err)
	}

	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := p.do(ctx, http.MethodPost, p.baseURL+"/v1/renders", payload, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", apperrors.NewProviderError(types.ProviderAPIError, http.StatusOK, "provider returned no task id", nil)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"provider": p.name,
		"taskId":   out.TaskID,
		"model":    req.Model,
	}).Info("Render submitted")

	return out.TaskID, nil
}

// GetTaskStatus fetches the current status of a task
func (p *HTTPRenderProvider) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	endpoint := p.baseURL + "/v1/renders/" + url.PathEscape(taskID)
	if err := p.do(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return nil, err
	}
	if status.TaskID == "" {
		status.TaskID = taskID
	}
	return &status, nil
}

func (p *HTTPRenderProvider) do(ctx context.Context, method, endpoint string, payload []byte, out interface{}) error {
	err := p.breaker.Execute(ctx, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("failed to build provider request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return classifyTransportError(err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return apperrors.NewProviderError(types.ProviderAPIError, resp.StatusCode, "failed to read provider response", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return ClassifyResponse(resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return apperrors.NewProviderError(types.ProviderAPIError, resp.StatusCode, "provider returned malformed JSON", err)
		}
		return nil
	})

	var openErr *circuitbreaker.OpenError
	if errors.As(err, &openErr) {
		return apperrors.NewProviderError(types.ProviderAPIError, 0,
			fmt.Sprintf("%s is unavailable, retry in %s", p.name, openErr.RetryAfter.Round(time.Second)), err)
	}
	return err
}

// ClassifyResponse maps a non-2xx provider response onto the provider error taxonomy
func ClassifyResponse(statusCode int, body []byte) *apperrors.ProviderError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	lower := strings.ToLower(detail)

	var typ types.ProviderErrorType
	switch {
	case statusCode == http.StatusTooManyRequests:
		typ = types.ProviderRateLimited
	case statusCode == http.StatusPaymentRequired,
		strings.Contains(lower, "insufficient credit"),
		strings.Contains(lower, "out of credit"),
		strings.Contains(lower, "quota"):
		typ = types.ProviderCreditExhausted
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		typ = types.ProviderAuthError
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		typ = types.ProviderInvalidParams
	case statusCode == http.StatusGatewayTimeout || statusCode == http.StatusRequestTimeout:
		typ = types.ProviderTimeout
	default:
		typ = types.ProviderAPIError
	}

	return apperrors.NewProviderError(typ, statusCode, detail, nil)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
		return apperrors.NewProviderError(types.ProviderTimeout, 0, err.Error(), err)
	}
	return apperrors.NewProviderError(types.ProviderAPIError, 0, err.Error(), err)
}

// countsAgainstProvider opens the circuit only for provider-side trouble,
// not for requests the provider rejected on their merits.
func countsAgainstProvider(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *apperrors.ProviderError
	if errors.As(err, &perr) {
		return perr.Type == types.ProviderAPIError || perr.Type == types.ProviderRateLimited || perr.Type == types.ProviderTimeout
	}
	return true
}
