package store

import (
	"context"
	"errors"

	"coinledger/internal/models"

	"github.com/lib/pq"
)

// ErrWalletMissing is returned by LockWallets when one of the requested wallets
// has no row.
var ErrWalletMissing = errors.New("wallet row missing")

type WalletStore struct {
	db DB
}

func NewWalletStore(db DB) *WalletStore {
	return &WalletStore{db: db}
}

// Ensure creates an empty wallet for userID if none exists.
func (s *WalletStore) Ensure(ctx context.Context, tx Execer, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, held_balance)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (s *WalletStore) GetByUser(ctx context.Context, userID string) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, balance, held_balance, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return models.Wallet{}, err
	}
	return row, nil
}

// LockWallets row-locks every requested wallet in one statement. Rows are
// locked in user_id order so concurrent settlements touching the same pair
// cannot deadlock.
func (s *WalletStore) LockWallets(ctx context.Context, tx Selecter, userIDs []string) (map[string]models.Wallet, error) {
	var rows []models.Wallet
	err := tx.SelectContext(ctx, &rows, `
		SELECT user_id, balance, held_balance, created_at, updated_at
		FROM wallets
		WHERE user_id = ANY($1)
		ORDER BY user_id
		FOR UPDATE
	`, pq.Array(userIDs))
	if err != nil {
		return nil, err
	}
	locked := make(map[string]models.Wallet, len(rows))
	for _, row := range rows {
		locked[row.UserID] = row
	}
	for _, id := range userIDs {
		if _, ok := locked[id]; !ok {
			return nil, ErrWalletMissing
		}
	}
	return locked, nil
}

// AdjustBalance applies a signed delta. Callers must insert the matching ledger
// row in the same transaction.
func (s *WalletStore) AdjustBalance(ctx context.Context, tx Execer, userID string, delta int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2
	`, delta, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AdjustHeld applies a signed delta to held_balance, flooring at zero so a
// drifted counter can never go negative.
func (s *WalletStore) AdjustHeld(ctx context.Context, tx Execer, userID string, delta int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET held_balance = GREATEST(held_balance + $1, 0), updated_at = NOW()
		WHERE user_id = $2
	`, delta, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}
