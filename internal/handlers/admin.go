package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"coinledger/internal/auth"
	"coinledger/internal/middleware"
	"coinledger/internal/services"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/jmoiron/sqlx"
)

type promoteRequest struct {
	Identifier string `json:"identifier"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if !h.requireSuper(w, r, userID) {
		return
	}
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	targetUserID, err := h.resolveUserID(r.Context(), req.Identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return h.admin.CreateAdmin(r.Context(), tx, targetUserID, false, &userID)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to promote admin")
		return
	}
	h.logAudit(r, userID, "promote_admin", "admin", targetUserID, nil)
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id"`
	Role        string `json:"role"`
}

var knownRoles = map[string]bool{
	store.RoleViewLedger: true,
	store.RoleRunJobs:    true,
	store.RoleGrantCoins: true,
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if !h.requireSuper(w, r, userID) {
		return
	}
	var req grantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdminUserID == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !knownRoles[req.Role] {
		respondError(w, http.StatusBadRequest, "unknown role")
		return
	}
	isAdmin, isSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify target admin")
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if isSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to grant role")
		return
	}
	h.logAudit(r, userID, "grant_role", "admin_role", req.AdminUserID, map[string]any{"role": req.Role})
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}

func (h *Handler) requireSuper(w http.ResponseWriter, r *http.Request, userID string) bool {
	_, isSuper, err := h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return false
	}
	if !isSuper {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return false
	}
	return true
}

func (h *Handler) resolveUserID(ctx context.Context, identifier string) (string, error) {
	if strings.Contains(identifier, "@") {
		user, err := h.users.GetByEmail(ctx, identifier)
		return user.ID, err
	}
	user, err := h.users.GetByUsername(ctx, identifier)
	return user.ID, err
}

func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	rows, err := h.transactions.ListAll(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load transactions")
		return
	}
	respondJSON(w, http.StatusOK, normalizeTransactions(rows))
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	rows, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	if rows == nil {
		rows = []store.AuditLog{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// Reconcile lists every wallet whose balance disagrees with its ledger sum or
// whose held balance disagrees with its active holds. An empty list is healthy.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rows, err := h.transactions.Reconcile(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to reconcile balances")
		return
	}
	if rows == nil {
		rows = []store.BalanceCheck{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"consistent":    len(rows) == 0,
		"discrepancies": rows,
	})
}

type grantCoinsRequest struct {
	UserID          string  `json:"user_id"`
	Amount          string  `json:"amount"`
	Reason          string  `json:"reason"`
	ClientRequestID *string `json:"client_request_id"`
}

func (h *Handler) GrantCoins(w http.ResponseWriter, r *http.Request) {
	adminID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req grantCoinsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parseCoins(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}
	result, err := h.wallets.Grant(r.Context(), services.GrantRequest{
		AdminID:         adminID,
		UserID:          req.UserID,
		Amount:          amount,
		Reason:          req.Reason,
		ClientRequestID: req.ClientRequestID,
	})
	if err != nil {
		respondServiceError(w, err, "grant_failed")
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// RunSweep and RunRenewals let operators trigger the cron jobs by hand.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	userID, _ := currentUser(w, r)
	report := h.sweeper.Run(r.Context())
	h.logAudit(r, userID, "jobs.sweep", "job", "sweep", map[string]any{
		"expired":   report.Expired,
		"cancelled": report.Cancelled,
		"ended":     report.Ended,
		"released":  report.Released,
		"failed":    report.Failed,
	})
	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) RunRenewals(w http.ResponseWriter, r *http.Request) {
	userID, _ := currentUser(w, r)
	summary, err := h.subscriptions.ProcessRenewals(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to process renewals")
		return
	}
	h.logAudit(r, userID, "jobs.renewals", "job", "renewals", map[string]any{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"cancelled": summary.Cancelled,
	})
	respondJSON(w, http.StatusOK, summary)
}

// WSWallet upgrades to the wallet feed. Browsers cannot set headers on a
// websocket handshake, so the token may come as a query parameter.
func (h *Handler) WSWallet(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}
