package store

import (
	"context"
	"database/sql"
	"errors"

	"coinledger/internal/models"
)

// LedgerStore is the write side of wallet_transactions. Rows are immutable.
type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

type EntryInput struct {
	ID                   string
	UserID               string
	Amount               int64
	Type                 models.TransactionType
	Status               string
	Description          string
	IdempotencyKey       string
	RelatedTransactionID *string
	Metadata             string
}

func (s *LedgerStore) InsertEntries(ctx context.Context, tx Execer, entries []EntryInput) error {
	query := `
		INSERT INTO wallet_transactions (id, user_id, amount, type, status, description,
		                                 idempotency_key, related_transaction_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, entry := range entries {
		metadata := entry.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := tx.ExecContext(ctx, query, entry.ID, entry.UserID, entry.Amount, entry.Type, entry.Status,
			entry.Description, entry.IdempotencyKey, entry.RelatedTransactionID, metadata); err != nil {
			return err
		}
	}
	return nil
}

// HasIdempotencyKey reports whether a row with key has already been written.
func (s *LedgerStore) HasIdempotencyKey(ctx context.Context, tx Getter, key string) (bool, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		SELECT id
		FROM wallet_transactions
		WHERE idempotency_key = $1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
