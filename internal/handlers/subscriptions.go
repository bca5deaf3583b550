package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"coinledger/internal/models"
	"coinledger/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type tierRequest struct {
	Name       string `json:"name"`
	Price      string `json:"price"`
	PeriodDays int    `json:"period_days"`
}

// CreateTier lets the caller offer a subscription tier of their own.
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req tierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	price, err := parseCoins(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	tier := models.SubscriptionTier{
		ID:         uuid.NewString(),
		CreatorID:  userID,
		Name:       strings.TrimSpace(req.Name),
		Price:      price,
		PeriodDays: req.PeriodDays,
	}
	if err := validator.ValidateTier(tier); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return h.tiers.CreateTier(r.Context(), tx, tier)
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create tier")
		return
	}
	h.logAudit(r, userID, "tier.create", "subscription_tier", tier.ID, map[string]any{"price": tier.Price, "period_days": tier.PeriodDays})
	respondJSON(w, http.StatusCreated, tier)
}

func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	tier, err := h.tiers.GetTier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "tier not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load tier")
		return
	}
	respondJSON(w, http.StatusOK, tier)
}

type subscribeRequest struct {
	TierID string `json:"tier_id"`
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TierID == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	sub, err := h.subscriptions.Subscribe(r.Context(), userID, req.TierID)
	if err != nil {
		respondServiceError(w, err, "unable to subscribe")
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	sub, err := h.subscriptions.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondServiceError(w, err, "unable to load subscription")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	sub, err := h.subscriptions.CancelSubscription(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondServiceError(w, err, "unable to cancel subscription")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}
