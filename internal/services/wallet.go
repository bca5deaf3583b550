package services

import (
	"context"
	"database/sql"
	"errors"

	"coinledger/internal/db"
	"coinledger/internal/models"
	"coinledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// WalletService moves coins directly between wallets outside any metered
// session: tips between users and admin grants from the platform wallet.
type WalletService struct {
	txRunner db.TxRunner
	ledger   *Ledger
	wallets  WalletStore
	audit    AuditStore
	hub      Notifier
}

func NewWalletService(txRunner db.TxRunner, ledger *Ledger, wallets WalletStore, audit AuditStore, hub Notifier) *WalletService {
	return &WalletService{txRunner: txRunner, ledger: ledger, wallets: wallets, audit: audit, hub: hub}
}

type TipRequest struct {
	FromUserID      string
	ToUserID        string
	Amount          int64
	Message         string
	ClientRequestID *string
}

type GrantRequest struct {
	AdminID         string
	UserID          string
	Amount          int64
	Reason          string
	ClientRequestID *string
}

type TransferResult struct {
	TransactionID string `json:"transaction_id"`
	Replayed      bool   `json:"replayed"`
}

// Wallet returns the caller's wallet, creating an empty one on first access.
func (s *WalletService) Wallet(ctx context.Context, userID string) (models.Wallet, error) {
	wallet, err := s.wallets.GetByUser(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Wallet{}, err
	}
	if err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.ledger.Ensure(ctx, tx, userID)
	}); err != nil {
		return models.Wallet{}, err
	}
	return s.wallets.GetByUser(ctx, userID)
}

// Tip spends only available coins, so funds reserved by holds stay covered.
func (s *WalletService) Tip(ctx context.Context, req TipRequest) (TransferResult, error) {
	if req.Amount <= 0 {
		return TransferResult{}, ErrInvalidAmount
	}
	if req.FromUserID == req.ToUserID {
		return TransferResult{}, ErrSelfSession
	}
	key := "tip:" + req.FromUserID + ":" + requestKey(req.ClientRequestID)
	var result TransferResult
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		result = TransferResult{}
		if err := s.ledger.Ensure(ctx, tx, req.FromUserID, req.ToUserID); err != nil {
			return err
		}
		wallets, err := s.ledger.Lock(ctx, tx, req.FromUserID, req.ToUserID)
		if err != nil {
			return err
		}
		posted, err := s.ledger.Posted(ctx, tx, key)
		if err != nil {
			return err
		}
		if posted {
			result.Replayed = true
			return nil
		}
		if available := wallets[req.FromUserID].Available(); available < req.Amount {
			return &InsufficientBalanceError{Needed: req.Amount, Available: available}
		}
		metadata := map[string]any{}
		if req.Message != "" {
			metadata["message"] = req.Message
		}
		posting, err := s.ledger.Post(ctx, tx, Posting{
			Key:         key,
			PayerID:     req.FromUserID,
			PayeeID:     req.ToUserID,
			Amount:      req.Amount,
			DebitType:   models.TxTipSent,
			CreditType:  models.TxTipReceived,
			Description: "Tip",
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}
		result.TransactionID = posting.DebitID
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	if !result.Replayed {
		broadcastWallets(ctx, s.wallets, s.hub, req.FromUserID, req.ToUserID)
		writeAudit(ctx, s.audit, store.AuditEntry{
			ActorID:    req.FromUserID,
			Action:     "tip",
			EntityType: "transaction",
			EntityID:   result.TransactionID,
			Data:       map[string]any{"to_user_id": req.ToUserID, "amount": req.Amount},
		})
	}
	return result, nil
}

// Grant credits a user from the platform wallet. It records coins that entered
// the system outside the engine, so the platform wallet may go negative.
func (s *WalletService) Grant(ctx context.Context, req GrantRequest) (TransferResult, error) {
	if req.Amount <= 0 {
		return TransferResult{}, ErrInvalidAmount
	}
	platformID := s.ledger.PlatformID()
	if req.UserID == platformID {
		return TransferResult{}, ErrSelfSession
	}
	key := "grant:" + req.AdminID + ":" + requestKey(req.ClientRequestID)
	var result TransferResult
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		result = TransferResult{}
		if err := s.ledger.Ensure(ctx, tx, req.UserID, platformID); err != nil {
			return err
		}
		if _, err := s.ledger.Lock(ctx, tx, req.UserID, platformID); err != nil {
			return err
		}
		posted, err := s.ledger.Posted(ctx, tx, key)
		if err != nil {
			return err
		}
		if posted {
			result.Replayed = true
			return nil
		}
		posting, err := s.ledger.Post(ctx, tx, Posting{
			Key:         key,
			PayerID:     platformID,
			PayeeID:     req.UserID,
			Amount:      req.Amount,
			DebitType:   models.TxGrantIssued,
			CreditType:  models.TxGrant,
			Description: "Coin grant",
			Metadata:    map[string]any{"admin_id": req.AdminID, "reason": req.Reason},
		})
		if err != nil {
			return err
		}
		result.TransactionID = posting.CreditID
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	if !result.Replayed {
		broadcastWallets(ctx, s.wallets, s.hub, req.UserID)
		writeAudit(ctx, s.audit, store.AuditEntry{
			ActorID:    req.AdminID,
			Action:     "grant",
			EntityType: "wallet",
			EntityID:   req.UserID,
			Data:       map[string]any{"amount": req.Amount, "reason": req.Reason},
		})
	}
	return result, nil
}

// requestKey uses the client's request id when it sent one. Without one the
// call cannot be deduplicated and gets a fresh key.
func requestKey(clientRequestID *string) string {
	if clientRequestID != nil && *clientRequestID != "" {
		return *clientRequestID
	}
	return uuid.NewString()
}
