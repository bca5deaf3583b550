package store

import (
	"context"

	"coinledger/internal/models"
)

// TransactionStore is the read side of the ledger.
type TransactionStore struct {
	db DB
}

// BalanceCheck compares a wallet's stored balance with its ledger sum, and its
// held balance with the sum of active holds.
type BalanceCheck struct {
	UserID         string `db:"user_id" json:"user_id"`
	StoredBalance  int64  `db:"stored_balance" json:"stored_balance"`
	LedgerSum      int64  `db:"ledger_sum" json:"ledger_sum"`
	HeldBalance    int64  `db:"held_balance" json:"held_balance"`
	ActiveHoldsSum int64  `db:"active_holds_sum" json:"active_holds_sum"`
}

func (c BalanceCheck) Consistent() bool {
	return c.StoredBalance == c.LedgerSum && c.HeldBalance == c.ActiveHoldsSum
}

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

const transactionColumns = `id, user_id, amount, type, status, description, idempotency_key,
		       related_transaction_id, metadata, created_at`

func (s *TransactionStore) ListByUser(ctx context.Context, userID string, txType models.TransactionType, limit, offset int) ([]models.Transaction, error) {
	var rows []models.Transaction
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE user_id = $1`
	args := []any{userID}
	param := 2
	if txType != "" {
		query += " AND type = $2"
		args = append(args, txType)
		param = 3
	}
	query += " ORDER BY created_at DESC LIMIT $" + itoa(param) + " OFFSET $" + itoa(param+1)
	args = append(args, limit, offset)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *TransactionStore) ListAll(ctx context.Context, limit, offset int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

const balanceCheckQuery = `
		SELECT w.user_id,
		       w.balance AS stored_balance,
		       COALESCE((SELECT SUM(t.amount) FROM wallet_transactions t WHERE t.user_id = w.user_id), 0) AS ledger_sum,
		       w.held_balance,
		       COALESCE((SELECT SUM(h.amount) FROM spend_holds h WHERE h.user_id = w.user_id AND h.status = 'active'), 0) AS active_holds_sum
		FROM wallets w
`

func (s *TransactionStore) CheckUser(ctx context.Context, userID string) (BalanceCheck, error) {
	var row BalanceCheck
	if err := s.db.GetContext(ctx, &row, balanceCheckQuery+` WHERE w.user_id = $1`, userID); err != nil {
		return BalanceCheck{}, err
	}
	return row, nil
}

// Reconcile returns every wallet whose balance or held balance disagrees with
// the ledger and hold tables.
func (s *TransactionStore) Reconcile(ctx context.Context) ([]BalanceCheck, error) {
	var rows []BalanceCheck
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM (`+balanceCheckQuery+`) checks
		WHERE stored_balance <> ledger_sum OR held_balance <> active_holds_sum
		ORDER BY user_id`); err != nil {
		return nil, err
	}
	return rows, nil
}
