package handlers

import (
	"context"

	"coinledger/internal/models"
	"coinledger/internal/services"
	"coinledger/internal/store"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, id, username, email, passwordHash string) error
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByID(ctx context.Context, userID string) (models.User, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error
	HasAnyAdmin(ctx context.Context) (bool, error)
	ListRoles(ctx context.Context, userID string) ([]string, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry store.AuditEntry) error
	List(ctx context.Context, limit, offset int) ([]store.AuditLog, error)
}

type TransactionStore interface {
	ListByUser(ctx context.Context, userID string, txType models.TransactionType, limit, offset int) ([]models.Transaction, error)
	ListAll(ctx context.Context, limit, offset int) ([]models.Transaction, error)
	CheckUser(ctx context.Context, userID string) (store.BalanceCheck, error)
	Reconcile(ctx context.Context) ([]store.BalanceCheck, error)
}

type SettingsStore interface {
	Get(ctx context.Context, userID string) (models.CreatorSettings, error)
	Upsert(ctx context.Context, tx store.Execer, settings models.CreatorSettings) error
}

type TierStore interface {
	CreateTier(ctx context.Context, tx store.Execer, tier models.SubscriptionTier) error
	GetTier(ctx context.Context, tierID string) (models.SubscriptionTier, error)
}

type SessionService interface {
	Request(ctx context.Context, in services.RequestInput) (models.Session, error)
	Accept(ctx context.Context, sessionID, payeeID string) (models.Session, error)
	Reject(ctx context.Context, sessionID, payeeID string) (models.Session, error)
	Cancel(ctx context.Context, sessionID, actorID, reason string) (models.Session, error)
	Start(ctx context.Context, sessionID, actorID string) (models.Session, error)
	End(ctx context.Context, sessionID, actorID string) (services.SettlementResult, error)
	Tick(ctx context.Context, sessionID, actorID string) (services.TickResult, error)
	Get(ctx context.Context, sessionID, actorID string) (models.Session, error)
	List(ctx context.Context, userID string, limit, offset int) ([]models.Session, error)
}

type WalletService interface {
	Wallet(ctx context.Context, userID string) (models.Wallet, error)
	Tip(ctx context.Context, req services.TipRequest) (services.TransferResult, error)
	Grant(ctx context.Context, req services.GrantRequest) (services.TransferResult, error)
}

type HoldService interface {
	AvailableBalance(ctx context.Context, userID string) (int64, error)
}

type SubscriptionService interface {
	Subscribe(ctx context.Context, userID, tierID string) (models.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID, userID string) (models.Subscription, error)
	Get(ctx context.Context, subscriptionID, userID string) (models.Subscription, error)
	ProcessRenewals(ctx context.Context) (services.RenewalSummary, error)
}

type Sweeper interface {
	Run(ctx context.Context) services.SweepReport
}
