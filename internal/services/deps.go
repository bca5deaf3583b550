package services

import (
	"context"
	"time"

	"coinledger/internal/models"
	"coinledger/internal/store"
	"coinledger/internal/websocket"
)

type WalletStore interface {
	Ensure(ctx context.Context, tx store.Execer, userID string) error
	GetByUser(ctx context.Context, userID string) (models.Wallet, error)
	LockWallets(ctx context.Context, tx store.Selecter, userIDs []string) (map[string]models.Wallet, error)
	AdjustBalance(ctx context.Context, tx store.Execer, userID string, delta int64) error
	AdjustHeld(ctx context.Context, tx store.Execer, userID string, delta int64) error
}

type HoldStore interface {
	Create(ctx context.Context, tx store.Execer, hold models.Hold) error
	GetForUpdate(ctx context.Context, tx store.Getter, holdID string) (models.Hold, error)
	SetStatus(ctx context.Context, tx store.Execer, holdID string, status models.HoldStatus) error
	SetRelatedID(ctx context.Context, tx store.Execer, holdID, relatedID string) error
	Reduce(ctx context.Context, tx store.Execer, holdID string, amount int64) error
	ListOrphaned(ctx context.Context, limit int) ([]string, error)
}

type LedgerStore interface {
	InsertEntries(ctx context.Context, tx store.Execer, entries []store.EntryInput) error
	HasIdempotencyKey(ctx context.Context, tx store.Getter, key string) (bool, error)
}

type SessionStore interface {
	Create(ctx context.Context, tx store.Execer, session models.Session) error
	GetByID(ctx context.Context, sessionID string) (models.Session, error)
	GetForUpdate(ctx context.Context, tx store.Getter, sessionID string) (models.Session, error)
	Update(ctx context.Context, tx store.Execer, session models.Session) error
	ListStale(ctx context.Context, status models.SessionStatus, cutoff time.Time, limit int) ([]string, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Session, error)
}

type SettingsStore interface {
	Get(ctx context.Context, userID string) (models.CreatorSettings, error)
	CreateDefault(ctx context.Context, defaults models.CreatorSettings) (models.CreatorSettings, error)
}

type SubscriptionStore interface {
	Create(ctx context.Context, tx store.Execer, sub models.Subscription) error
	GetByID(ctx context.Context, id string) (models.Subscription, error)
	GetForUpdate(ctx context.Context, tx store.Getter, id string) (models.Subscription, error)
	FindActive(ctx context.Context, tx store.Getter, userID, creatorID string) (models.Subscription, error)
	Update(ctx context.Context, tx store.Execer, sub models.Subscription) error
	ListDue(ctx context.Context, now time.Time) ([]string, error)
	GetTier(ctx context.Context, tierID string) (models.SubscriptionTier, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry store.AuditEntry) error
}

// Notifier receives post-commit updates. Delivery is best effort.
type Notifier interface {
	BroadcastBalance(userID string, update websocket.BalanceUpdate)
	BroadcastSession(userID string, event websocket.SessionEvent)
}
