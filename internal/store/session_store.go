package store

import (
	"context"
	"fmt"
	"time"

	"coinledger/internal/models"
)

type SessionStore struct {
	db DB
}

func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `id, kind, payer_id, payee_id, status, rate_per_minute, minimum_minutes,
		       estimated_coins, hold_id, requested_at, accepted_at, started_at, ended_at,
		       duration_seconds, actual_coins, minutes_billed, end_reason`

func (s *SessionStore) Create(ctx context.Context, tx Execer, session models.Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metered_sessions (id, kind, payer_id, payee_id, status, rate_per_minute,
		                              minimum_minutes, estimated_coins, hold_id, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, session.ID, session.Kind, session.PayerID, session.PayeeID, session.Status, session.RatePerMinute,
		session.MinimumMinutes, session.EstimatedCoins, session.HoldID, session.RequestedAt)
	return err
}

func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (models.Session, error) {
	var row models.Session
	err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM metered_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	return row, nil
}

// GetForUpdate locks the session row. Every lifecycle transition takes this
// lock first, which serializes racing end/cancel/sweep calls on one session.
func (s *SessionStore) GetForUpdate(ctx context.Context, tx Getter, sessionID string) (models.Session, error) {
	var row models.Session
	err := tx.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM metered_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	return row, nil
}

// Update persists every mutable lifecycle field.
func (s *SessionStore) Update(ctx context.Context, tx Execer, session models.Session) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE metered_sessions
		SET status = $1,
		    accepted_at = $2,
		    started_at = $3,
		    ended_at = $4,
		    duration_seconds = $5,
		    actual_coins = $6,
		    minutes_billed = $7,
		    end_reason = $8,
		    updated_at = NOW()
		WHERE id = $9
	`, session.Status, session.AcceptedAt, session.StartedAt, session.EndedAt, session.DurationSeconds,
		session.ActualCoins, session.MinutesBilled, session.EndReason, session.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListStale returns ids of sessions in status whose reference timestamp is
// older than cutoff: requested_at for pending, accepted_at for accepted, and the
// billing start for active.
func (s *SessionStore) ListStale(ctx context.Context, status models.SessionStatus, cutoff time.Time, limit int) ([]string, error) {
	var column string
	switch status {
	case models.SessionPending:
		column = "requested_at"
	case models.SessionAccepted:
		column = "accepted_at"
	case models.SessionActive:
		column = "COALESCE(started_at, accepted_at)"
	default:
		return nil, fmt.Errorf("no stale sweep for status %q", status)
	}
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id
		FROM metered_sessions
		WHERE status = $1 AND `+column+` < $2
		ORDER BY `+column+`
		LIMIT $3
	`, status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Session, error) {
	var rows []models.Session
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sessionColumns+`
		FROM metered_sessions
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY requested_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
