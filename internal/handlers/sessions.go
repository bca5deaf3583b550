package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"coinledger/internal/models"
	"coinledger/internal/services"
	"coinledger/internal/validator"

	"github.com/go-chi/chi/v5"
)

type sessionRequest struct {
	PayeeID string `json:"payee_id"`
	Kind    string `json:"kind"`
}

func (h *Handler) RequestSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	kind, err := validator.ValidateKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PayeeID == "" {
		respondError(w, http.StatusBadRequest, "payee_id is required")
		return
	}
	session, err := h.sessions.Request(r.Context(), services.RequestInput{PayerID: userID, PayeeID: req.PayeeID, Kind: kind})
	if err != nil {
		respondServiceError(w, err, "unable to request session")
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (h *Handler) AcceptSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "unable to accept session", h.sessions.Accept)
}

func (h *Handler) RejectSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "unable to reject session", h.sessions.Reject)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "unable to start session", h.sessions.Start)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "unable to load session", h.sessions.Get)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	session, err := h.sessions.Cancel(r.Context(), chi.URLParam(r, "id"), userID, req.Reason)
	if err != nil {
		respondServiceError(w, err, "unable to cancel session")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	result, err := h.sessions.End(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondServiceError(w, err, "unable to end session")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) TickSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	result, err := h.sessions.Tick(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondServiceError(w, err, "unable to bill session")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, 20)
	sessions, err := h.sessions.List(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load sessions")
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request, fallback string, action func(ctx context.Context, sessionID, actorID string) (models.Session, error)) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	session, err := action(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondServiceError(w, err, fallback)
		return
	}
	respondJSON(w, http.StatusOK, session)
}
