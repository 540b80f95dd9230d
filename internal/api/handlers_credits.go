package api

import (
	"net/http"
	"strconv"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

// handleGetBalance handles GET /api/credits/balance
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.services.Credits.GetBalance(r.Context(), userFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

// handleListTransactions handles GET /api/credits/transactions
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := defaultTransactionLimit
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	offset := 0
	if o, err := strconv.Atoi(query.Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	txns, err := s.services.Credits.ListTransactions(r.Context(), userFromContext(r.Context()), limit, offset)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"limit":        limit,
		"offset":       offset,
	})
}
