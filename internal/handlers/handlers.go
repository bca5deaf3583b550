package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"coinledger/internal/db"
	"coinledger/internal/middleware"
	"coinledger/internal/services"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps engine errors onto HTTP statuses. Anything it does
// not recognise is logged and reported as fallback with a 500.
func respondServiceError(w http.ResponseWriter, err error, fallback string) {
	var balanceErr *services.InsufficientBalanceError
	if errors.As(err, &balanceErr) {
		respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient_balance",
			"needed":    balanceErr.Needed,
			"available": balanceErr.Available,
		})
		return
	}
	var renewalErr *services.RenewalBalanceError
	if errors.As(err, &renewalErr) {
		respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     renewalErr.Error(),
			"needed":    renewalErr.Needed,
			"available": renewalErr.Available,
		})
		return
	}
	switch {
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrHoldNotFound),
		errors.Is(err, services.ErrWalletNotFound),
		errors.Is(err, services.ErrSubscriptionNotFound),
		errors.Is(err, services.ErrTierNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "access_denied")
	case errors.Is(err, services.ErrNotPending),
		errors.Is(err, services.ErrNotAccepted),
		errors.Is(err, services.ErrNotActive),
		errors.Is(err, services.ErrAlreadyStarted),
		errors.Is(err, services.ErrSessionClosed),
		errors.Is(err, services.ErrNotRenewable),
		errors.Is(err, services.ErrAlreadySubscribed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNotAvailable):
		respondError(w, http.StatusUnprocessableEntity, "not_available")
	case errors.Is(err, services.ErrInsufficientBalance):
		respondError(w, http.StatusPaymentRequired, "insufficient_balance")
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrSelfSession),
		errors.Is(err, services.ErrInvalidKind):
		respondError(w, http.StatusBadRequest, err.Error())
	case db.IsUniqueViolation(err):
		respondError(w, http.StatusConflict, "duplicate_request")
	default:
		log.Printf("%s: %v", fallback, err)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
	}
	return userID, ok
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// pagination reads page/limit query parameters, capping limit at 100.
func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	query := r.URL.Query()
	limit = min(parseInt(query.Get("limit"), defaultLimit), 100)
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}
