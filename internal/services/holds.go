package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"coinledger/internal/db"
	"coinledger/internal/metrics"
	"coinledger/internal/models"
	"coinledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// HoldManager reserves coins against a wallet's available balance. Every method
// that takes a tx runs inside the caller's transaction.
type HoldManager struct {
	txRunner db.TxRunner
	ledger   *Ledger
	wallets  WalletStore
	holds    HoldStore
}

func NewHoldManager(txRunner db.TxRunner, ledger *Ledger, wallets WalletStore, holds HoldStore) *HoldManager {
	return &HoldManager{txRunner: txRunner, ledger: ledger, wallets: wallets, holds: holds}
}

// AvailableBalance is balance minus held balance.
func (m *HoldManager) AvailableBalance(ctx context.Context, userID string) (int64, error) {
	wallet, err := m.wallets.GetByUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	if err != nil {
		return 0, err
	}
	return wallet.Available(), nil
}

// CreateHold locks the wallet before checking availability, so two concurrent
// holds on one wallet cannot both pass the check.
func (m *HoldManager) CreateHold(ctx context.Context, tx store.Tx, userID string, amount int64, purpose models.HoldPurpose, relatedID *string) (models.Hold, error) {
	if amount <= 0 {
		return models.Hold{}, ErrInvalidAmount
	}
	wallets, err := m.ledger.Lock(ctx, tx, userID)
	if err != nil {
		return models.Hold{}, err
	}
	available := wallets[userID].Available()
	if available < amount {
		metrics.HoldsRejected.WithLabelValues(string(purpose)).Inc()
		return models.Hold{}, &InsufficientBalanceError{Needed: amount, Available: available, Err: ErrInsufficientBalanceForHold}
	}
	if err := m.wallets.AdjustHeld(ctx, tx, userID, amount); err != nil {
		return models.Hold{}, err
	}
	hold := models.Hold{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Purpose:   purpose,
		RelatedID: relatedID,
		Status:    models.HoldActive,
	}
	if err := m.holds.Create(ctx, tx, hold); err != nil {
		return models.Hold{}, err
	}
	metrics.HoldsCreated.WithLabelValues(string(purpose)).Inc()
	return hold, nil
}

// Reserved is the amount an active hold still keeps out of its owner's
// available balance, zero once the hold is closed or missing.
func (m *HoldManager) Reserved(ctx context.Context, tx store.Tx, holdID *string) (int64, error) {
	if holdID == nil {
		return 0, nil
	}
	hold, err := m.holds.GetForUpdate(ctx, tx, *holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if hold.Status != models.HoldActive {
		return 0, nil
	}
	return hold.Amount, nil
}

// Consume moves amount out of an active hold and the owner's held balance, for
// coins a tick is about to debit. A hold drawn down to zero is settled. The
// caller must already hold the owner's wallet lock.
func (m *HoldManager) Consume(ctx context.Context, tx store.Tx, holdID *string, amount int64) error {
	if holdID == nil || amount <= 0 {
		return nil
	}
	hold, err := m.holds.GetForUpdate(ctx, tx, *holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrHoldNotFound
	}
	if err != nil {
		return err
	}
	if hold.Status != models.HoldActive {
		return nil
	}
	if amount >= hold.Amount {
		if err := m.wallets.AdjustHeld(ctx, tx, hold.UserID, -hold.Amount); err != nil {
			return err
		}
		return m.holds.SetStatus(ctx, tx, hold.ID, models.HoldSettled)
	}
	if err := m.wallets.AdjustHeld(ctx, tx, hold.UserID, -amount); err != nil {
		return err
	}
	return m.holds.Reduce(ctx, tx, hold.ID, amount)
}

func (m *HoldManager) LinkHold(ctx context.Context, tx store.Tx, holdID, relatedID string) error {
	return m.holds.SetRelatedID(ctx, tx, holdID, relatedID)
}

// ReleaseHold returns the reserved coins to the available balance. A hold that
// is no longer active is left untouched.
func (m *HoldManager) ReleaseHold(ctx context.Context, tx store.Tx, holdID string) (bool, error) {
	return m.close(ctx, tx, holdID, models.HoldReleased)
}

// SettleHold closes the hold after its session has been billed. The held
// balance drops by the hold's original amount whatever was actually charged.
func (m *HoldManager) SettleHold(ctx context.Context, tx store.Tx, holdID string) (bool, error) {
	return m.close(ctx, tx, holdID, models.HoldSettled)
}

func (m *HoldManager) close(ctx context.Context, tx store.Tx, holdID string, status models.HoldStatus) (bool, error) {
	hold, err := m.holds.GetForUpdate(ctx, tx, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrHoldNotFound
	}
	if err != nil {
		return false, err
	}
	if hold.Status != models.HoldActive {
		return false, nil
	}
	if _, err := m.ledger.Lock(ctx, tx, hold.UserID); err != nil {
		return false, err
	}
	if err := m.wallets.AdjustHeld(ctx, tx, hold.UserID, -hold.Amount); err != nil {
		return false, err
	}
	if err := m.holds.SetStatus(ctx, tx, holdID, status); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseHoldBestEffort releases a hold in its own transaction and reports
// whether it changed anything. Failures are logged; the sweeper picks up
// whatever is left behind.
func (m *HoldManager) ReleaseHoldBestEffort(ctx context.Context, holdID string) bool {
	start := time.Now()
	var changed bool
	err := m.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		changed, err = m.ReleaseHold(ctx, tx, holdID)
		return err
	})
	if err != nil {
		log.Printf("release hold %s failed after %s: %v", holdID, time.Since(start), err)
		return false
	}
	if changed {
		metrics.HoldsClosed.WithLabelValues(string(models.HoldReleased)).Inc()
	}
	return changed
}

func (m *HoldManager) Orphaned(ctx context.Context, limit int) ([]string, error) {
	return m.holds.ListOrphaned(ctx, limit)
}
