package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"coinledger/internal/auth"
	"coinledger/internal/db"
	"coinledger/internal/models"
	"coinledger/internal/store"
	"coinledger/internal/validator"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.ValidateUsername(req.Username); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidateEmail(req.Email); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidatePassword(req.Password); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to secure password")
		return
	}
	userID := uuid.NewString()
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.users.Create(r.Context(), tx, userID, req.Username, req.Email, passwordHash); err != nil {
			return err
		}
		// The first account to register bootstraps the admin table.
		hasAdmin, err := h.admin.HasAnyAdmin(r.Context())
		if err != nil {
			return err
		}
		if !hasAdmin {
			return h.admin.CreateAdmin(r.Context(), tx, userID, true, nil)
		}
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "username or email already exists")
			return
		}
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	h.logAudit(r, userID, "register", "user", userID, map[string]any{"ip": r.RemoteAddr, "user_agent": r.UserAgent()})
	token, err := auth.GenerateToken(h.cfg.JWTSecret, userID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"token": token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	user, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	h.logAudit(r, user.ID, "login", "user", user.ID, map[string]any{"ip": r.RemoteAddr, "user_agent": r.UserAgent()})
	token, err := auth.GenerateToken(h.cfg.JWTSecret, user.ID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"token": token,
	})
}

type meResponse struct {
	models.User
	IsAdmin bool     `json:"is_admin"`
	IsSuper bool     `json:"is_super"`
	Roles   []string `json:"roles"`
}

// Me returns the caller's profile with the admin roles they hold. Super admins
// are reported with every role.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	resp := meResponse{User: user, Roles: []string{}}
	resp.IsAdmin, resp.IsSuper, err = h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return
	}
	switch {
	case resp.IsSuper:
		resp.Roles = []string{store.RoleGrantCoins, store.RoleRunJobs, store.RoleViewLedger}
	case resp.IsAdmin:
		roles, err := h.admin.ListRoles(r.Context(), userID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "unable to load roles")
			return
		}
		if roles != nil {
			resp.Roles = roles
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// logAudit records an action outside any transaction. A failed write is logged
// and never fails the request.
func (h *Handler) logAudit(r *http.Request, actorID, action, entityType, entityID string, data map[string]any) {
	if err := h.audit.Log(r.Context(), store.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
	}); err != nil {
		log.Printf("audit %s %s: %v", action, entityID, err)
	}
}
