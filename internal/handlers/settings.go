package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"coinledger/internal/models"
	"coinledger/internal/services"
	"coinledger/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
)

type settingsRequest struct {
	VideoCallEnabled bool  `json:"video_call_enabled"`
	VideoCallRate    int64 `json:"video_call_rate"`
	VoiceCallEnabled bool  `json:"voice_call_enabled"`
	VoiceCallRate    int64 `json:"voice_call_rate"`
	AISessionEnabled bool  `json:"ai_session_enabled"`
	AISessionRate    int64 `json:"ai_session_rate"`
	MinimumMinutes   int64 `json:"minimum_minutes"`
}

// UpdateSettings replaces the caller's rates. Sessions already requested keep
// the rate they were created with.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	settings := models.CreatorSettings{
		UserID:           userID,
		VideoCallEnabled: req.VideoCallEnabled,
		VideoCallRate:    req.VideoCallRate,
		VoiceCallEnabled: req.VoiceCallEnabled,
		VoiceCallRate:    req.VoiceCallRate,
		AISessionEnabled: req.AISessionEnabled,
		AISessionRate:    req.AISessionRate,
		MinimumMinutes:   req.MinimumMinutes,
	}
	if err := validator.ValidateSettings(settings); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return h.settings.Upsert(r.Context(), tx, settings)
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to save settings")
		return
	}
	h.logAudit(r, userID, "settings.update", "creator_settings", userID, map[string]any{
		"video_call_rate": settings.VideoCallRate,
		"voice_call_rate": settings.VoiceCallRate,
		"ai_session_rate": settings.AISessionRate,
		"minimum_minutes": settings.MinimumMinutes,
	})
	respondJSON(w, http.StatusOK, settings)
}

// GetCreatorSettings returns a creator's public rate card. Creators that never
// saved settings get the defaults new sessions would use.
func (h *Handler) GetCreatorSettings(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "id")
	settings, err := h.settings.Get(r.Context(), creatorID)
	if errors.Is(err, sql.ErrNoRows) {
		settings = services.DefaultSettings(creatorID, h.cfg.DefaultRate, h.cfg.DefaultMinimumMinutes)
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load settings")
		return
	}
	respondJSON(w, http.StatusOK, settings)
}
