package store

import (
	"context"

	"coinledger/internal/models"
)

type HoldStore struct {
	db DB
}

func NewHoldStore(db DB) *HoldStore {
	return &HoldStore{db: db}
}

func (s *HoldStore) Create(ctx context.Context, tx Execer, hold models.Hold) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO spend_holds (id, user_id, amount, purpose, related_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, hold.ID, hold.UserID, hold.Amount, hold.Purpose, hold.RelatedID, hold.Status)
	return err
}

func (s *HoldStore) GetForUpdate(ctx context.Context, tx Getter, holdID string) (models.Hold, error) {
	var row models.Hold
	err := tx.GetContext(ctx, &row, `
		SELECT id, user_id, amount, purpose, related_id, status, created_at, updated_at
		FROM spend_holds
		WHERE id = $1
		FOR UPDATE
	`, holdID)
	if err != nil {
		return models.Hold{}, err
	}
	return row, nil
}

func (s *HoldStore) SetStatus(ctx context.Context, tx Execer, holdID string, status models.HoldStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE spend_holds
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, holdID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Reduce shrinks an active hold. The hold must keep a positive amount; a hold
// drawn down completely is settled instead.
func (s *HoldStore) Reduce(ctx context.Context, tx Execer, holdID string, amount int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE spend_holds
		SET amount = amount - $1, updated_at = NOW()
		WHERE id = $2 AND status = 'active' AND amount > $1
	`, amount, holdID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *HoldStore) SetRelatedID(ctx context.Context, tx Execer, holdID, relatedID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE spend_holds
		SET related_id = $1, updated_at = NOW()
		WHERE id = $2
	`, relatedID, holdID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListOrphaned returns active holds whose session already reached a terminal
// status. They only exist when a best-effort release failed.
func (s *HoldStore) ListOrphaned(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT h.id
		FROM spend_holds h
		JOIN metered_sessions m ON m.id = h.related_id
		WHERE h.status = 'active'
		  AND m.status IN ('completed', 'rejected', 'cancelled', 'missed', 'failed')
		ORDER BY h.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
