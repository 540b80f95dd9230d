package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/video-batcher/internal/job"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/types"
)

type paymentEvent struct {
	EventID  string                 `json:"eventId" validate:"required"`
	UserID   string                 `json:"userId" validate:"required"`
	Credits  int64                  `json:"credits" validate:"required,gt=0"`
	Type     string                 `json:"type" validate:"omitempty,oneof=purchase grant"`
	Metadata map[string]interface{} `json:"metadata"`
}

// handlePaymentWebhook handles POST /webhooks/payments. The body must carry
// an HMAC-SHA256 of itself, hex encoded, in X-Signature.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "failed to read body", nil)
		return
	}

	if !VerifySignature(body, r.Header.Get("X-Signature"), s.config.PaymentSecret) {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid signature", nil)
		return
	}

	var event paymentEvent
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err := parseWebhookBody(r, &event); err != nil {
		respondServiceError(w, r, err)
		return
	}

	txType := types.TransactionPurchase
	if event.Type == string(types.TransactionGrant) {
		txType = types.TransactionGrant
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["eventId"] = event.EventID

	applied, err := s.services.Credits.Grant(r.Context(), event.UserID, event.Credits, "payment:"+event.EventID, txType, metadata)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"eventId": event.EventID,
		"userId":  event.UserID,
		"credits": event.Credits,
		"applied": applied,
	}).Info("Payment webhook processed")

	respondJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

// handleRenderWebhook handles POST /webhooks/render, authenticated by the
// shared token in X-Callback-Token or the token query parameter.
func (s *Server) handleRenderWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Callback-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if s.config.RenderCallbackToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.config.RenderCallbackToken)) != 1 {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid callback token", nil)
		return
	}

	var cb job.RenderCallback
	if err := parseWebhookBody(r, &cb); err != nil {
		respondServiceError(w, r, err)
		return
	}

	if err := s.services.Callbacks.HandleRenderCallback(r.Context(), cb); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// SignPayload returns the hex HMAC-SHA256 of body under secret
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body) // nolint:errcheck
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature, optionally prefixed with "sha256=".
// An empty secret rejects everything.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(SignPayload(body, secret)) // nolint:errcheck
	return hmac.Equal(got, want)
}
