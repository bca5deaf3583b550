package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"coinledger/internal/models"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/google/uuid"
)

// Ledger is the only path that changes a wallet balance. Every delta it applies
// is paired with an immutable wallet_transactions row in the same transaction.
type Ledger struct {
	wallets    WalletStore
	entries    LedgerStore
	platformID string
}

func NewLedger(wallets WalletStore, entries LedgerStore, platformID string) *Ledger {
	if platformID == "" {
		platformID = models.PlatformUserID
	}
	return &Ledger{wallets: wallets, entries: entries, platformID: platformID}
}

func (l *Ledger) PlatformID() string {
	return l.platformID
}

// Posting is one money movement from payer to payee, with an optional platform
// fee carved out of the payee's share. Key is the idempotency prefix; rows are
// written as <key>:debit, <key>:credit and <key>:fee.
type Posting struct {
	Key         string
	PayerID     string
	PayeeID     string
	Amount      int64
	Fee         int64
	DebitType   models.TransactionType
	CreditType  models.TransactionType
	Description string
	Metadata    map[string]any
}

// PostingResult carries the ids of the rows written.
type PostingResult struct {
	DebitID  string
	CreditID string
	FeeID    string
}

func debitKey(prefix string) string  { return prefix + ":debit" }
func creditKey(prefix string) string { return prefix + ":credit" }
func feeKey(prefix string) string    { return prefix + ":fee" }

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func tickKey(sessionID string, cumulativeMinutes int64) string {
	return fmt.Sprintf("session:%s:tick:%d", sessionID, cumulativeMinutes)
}

func renewalKey(subscriptionID string, previousExpiresAt int64) string {
	return fmt.Sprintf("subscription:%s:renew:%d", subscriptionID, previousExpiresAt)
}

func initialKey(subscriptionID string) string {
	return "subscription:" + subscriptionID + ":initial"
}

// Lock row-locks the given wallets, deduplicated, in one statement.
func (l *Ledger) Lock(ctx context.Context, tx store.Tx, userIDs ...string) (map[string]models.Wallet, error) {
	seen := make(map[string]struct{}, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	wallets, err := l.wallets.LockWallets(ctx, tx, ids)
	if errors.Is(err, store.ErrWalletMissing) {
		return nil, ErrWalletNotFound
	}
	return wallets, err
}

// Ensure creates any missing wallets. It must run before Lock in the same
// transaction for users that may never have held coins.
func (l *Ledger) Ensure(ctx context.Context, tx store.Execer, userIDs ...string) error {
	for _, id := range userIDs {
		if err := l.wallets.Ensure(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// Posted reports whether the debit row for key already exists.
func (l *Ledger) Posted(ctx context.Context, tx store.Getter, key string) (bool, error) {
	return l.entries.HasIdempotencyKey(ctx, tx, debitKey(key))
}

// Post writes the paired rows for p and applies the matching balance deltas.
// The caller must hold the wallet locks and have checked Posted.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, p Posting) (PostingResult, error) {
	if p.Amount <= 0 || p.Fee < 0 || p.Fee > p.Amount {
		return PostingResult{}, ErrInvalidAmount
	}
	metadata := "{}"
	if len(p.Metadata) > 0 {
		encoded, err := json.Marshal(p.Metadata)
		if err != nil {
			return PostingResult{}, err
		}
		metadata = string(encoded)
	}
	result := PostingResult{DebitID: uuid.NewString(), CreditID: uuid.NewString()}
	entries := []store.EntryInput{
		{
			ID:                   result.DebitID,
			UserID:               p.PayerID,
			Amount:               -p.Amount,
			Type:                 p.DebitType,
			Status:               "completed",
			Description:          p.Description,
			IdempotencyKey:       debitKey(p.Key),
			RelatedTransactionID: &result.CreditID,
			Metadata:             metadata,
		},
		{
			ID:                   result.CreditID,
			UserID:               p.PayeeID,
			Amount:               p.Amount - p.Fee,
			Type:                 p.CreditType,
			Status:               "completed",
			Description:          p.Description,
			IdempotencyKey:       creditKey(p.Key),
			RelatedTransactionID: &result.DebitID,
			Metadata:             metadata,
		},
	}
	if p.Fee > 0 {
		result.FeeID = uuid.NewString()
		entries = append(entries, store.EntryInput{
			ID:                   result.FeeID,
			UserID:               l.platformID,
			Amount:               p.Fee,
			Type:                 models.TxPlatformFee,
			Status:               "completed",
			Description:          "Platform fee: " + p.Description,
			IdempotencyKey:       feeKey(p.Key),
			RelatedTransactionID: &result.DebitID,
			Metadata:             metadata,
		})
	}
	if err := ensureBalanced(entries); err != nil {
		return PostingResult{}, err
	}
	if err := l.entries.InsertEntries(ctx, tx, entries); err != nil {
		return PostingResult{}, err
	}
	for _, entry := range entries {
		if entry.Amount == 0 {
			continue
		}
		if err := l.wallets.AdjustBalance(ctx, tx, entry.UserID, entry.Amount); err != nil {
			return PostingResult{}, err
		}
	}
	return result, nil
}

func ensureBalanced(entries []store.EntryInput) error {
	var sum int64
	for _, entry := range entries {
		sum += entry.Amount
	}
	if sum != 0 {
		return ErrUnbalanced
	}
	return nil
}

// broadcastWallets re-reads each wallet after commit and pushes its state.
// Errors are logged, never returned.
func broadcastWallets(ctx context.Context, wallets WalletStore, hub Notifier, userIDs ...string) {
	if hub == nil {
		return
	}
	for _, id := range userIDs {
		wallet, err := wallets.GetByUser(ctx, id)
		if err != nil {
			log.Printf("broadcast wallet %s: %v", id, err)
			continue
		}
		hub.BroadcastBalance(id, websocket.BalanceUpdate{Balance: wallet.Balance, HeldBalance: wallet.HeldBalance})
	}
}

func writeAudit(ctx context.Context, audit AuditStore, entry store.AuditEntry) {
	if audit == nil {
		return
	}
	if err := audit.Log(ctx, entry); err != nil {
		log.Printf("audit %s %s: %v", entry.Action, entry.EntityID, err)
	}
}
