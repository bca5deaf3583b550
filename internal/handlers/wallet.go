package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"coinledger/internal/models"
	"coinledger/internal/services"
)

type walletResponse struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	HeldBalance int64  `json:"held_balance"`
	Available   int64  `json:"available"`
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.wallets.Wallet(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, "unable to load wallet")
		return
	}
	respondJSON(w, http.StatusOK, walletResponse{
		UserID:      wallet.UserID,
		Balance:     wallet.Balance,
		HeldBalance: wallet.HeldBalance,
		Available:   wallet.Available(),
	})
}

// AvailableBalance reports what the caller can still spend or reserve.
func (h *Handler) AvailableBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	available, err := h.holds.AvailableBalance(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, "unable to load balance")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "available": available})
}

// SelfCheck compares the caller's stored balances with the ledger and the
// active holds.
func (h *Handler) SelfCheck(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	check, err := h.transactions.CheckUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "wallet not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to self_check")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":          check.UserID,
		"stored_balance":   check.StoredBalance,
		"ledger_sum":       check.LedgerSum,
		"held_balance":     check.HeldBalance,
		"active_holds_sum": check.ActiveHoldsSum,
		"consistent":       check.Consistent(),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, 20)
	txType := models.TransactionType(r.URL.Query().Get("type"))
	rows, err := h.transactions.ListByUser(r.Context(), userID, txType, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load transactions")
		return
	}
	respondJSON(w, http.StatusOK, normalizeTransactions(rows))
}

// normalizeTransactions inlines each row's JSON metadata so clients receive
// an object rather than an encoded string.
func normalizeTransactions(rows []models.Transaction) []map[string]any {
	normalized := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]any
		if row.Metadata != "" {
			_ = json.Unmarshal([]byte(row.Metadata), &metadata)
		}
		item := map[string]any{
			"id":              row.ID,
			"user_id":         row.UserID,
			"amount":          row.Amount,
			"type":            row.Type,
			"status":          row.Status,
			"description":     row.Description,
			"idempotency_key": row.IdempotencyKey,
			"metadata":        metadata,
			"created_at":      row.CreatedAt,
		}
		if row.RelatedTransactionID != nil {
			item["related_transaction_id"] = *row.RelatedTransactionID
		}
		normalized = append(normalized, item)
	}
	return normalized
}

type tipRequest struct {
	ToUserID        string  `json:"to_user_id"`
	ToUsername      string  `json:"to_username"`
	Amount          string  `json:"amount"`
	Message         string  `json:"message"`
	ClientRequestID *string `json:"client_request_id"`
}

func (h *Handler) Tip(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parseCoins(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if len(req.Message) > 280 {
		respondError(w, http.StatusBadRequest, "message too long")
		return
	}
	recipient := strings.TrimSpace(req.ToUserID)
	if recipient == "" {
		if req.ToUsername == "" {
			respondError(w, http.StatusBadRequest, "to_user_id or to_username is required")
			return
		}
		user, err := h.users.GetByUsername(r.Context(), req.ToUsername)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(w, http.StatusNotFound, "recipient not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "unable to resolve recipient")
			return
		}
		recipient = user.ID
	}
	result, err := h.wallets.Tip(r.Context(), services.TipRequest{
		FromUserID:      userID,
		ToUserID:        recipient,
		Amount:          amount,
		Message:         req.Message,
		ClientRequestID: req.ClientRequestID,
	})
	if err != nil {
		respondServiceError(w, err, "tip_failed")
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}
