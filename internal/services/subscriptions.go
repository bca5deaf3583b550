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
	"coinledger/internal/money"
	"coinledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type SubscriptionConfig struct {
	FeePercent   decimal.Decimal
	FailureLimit int
}

// SubscriptionService charges subscribers per period and renews them in batch.
type SubscriptionService struct {
	txRunner db.TxRunner
	ledger   *Ledger
	wallets  WalletStore
	subs     SubscriptionStore
	audit    AuditStore
	hub      Notifier
	cfg      SubscriptionConfig
	now      func() time.Time
}

func NewSubscriptionService(txRunner db.TxRunner, ledger *Ledger, wallets WalletStore, subs SubscriptionStore, audit AuditStore, hub Notifier, cfg SubscriptionConfig) *SubscriptionService {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 3
	}
	return &SubscriptionService{
		txRunner: txRunner,
		ledger:   ledger,
		wallets:  wallets,
		subs:     subs,
		audit:    audit,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
	}
}

type RenewalSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func period(tier models.SubscriptionTier) time.Duration {
	return time.Duration(tier.PeriodDays) * 24 * time.Hour
}

func (s *SubscriptionService) tier(ctx context.Context, tierID string) (models.SubscriptionTier, error) {
	tier, err := s.subs.GetTier(ctx, tierID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubscriptionTier{}, ErrTierNotFound
	}
	return tier, err
}

func (s *SubscriptionService) lockSubscription(ctx context.Context, tx store.Getter, id string) (models.Subscription, error) {
	sub, err := s.subs.GetForUpdate(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, ErrSubscriptionNotFound
	}
	return sub, err
}

// charge posts one period's payment. The wallets must already be locked.
func (s *SubscriptionService) charge(ctx context.Context, tx store.Tx, sub models.Subscription, tier models.SubscriptionTier, key string) error {
	payee, fee := money.Split(tier.Price, s.cfg.FeePercent)
	_, err := s.ledger.Post(ctx, tx, Posting{
		Key:         key,
		PayerID:     sub.UserID,
		PayeeID:     sub.CreatorID,
		Amount:      tier.Price,
		Fee:         fee,
		DebitType:   models.TxSubscriptionPayment,
		CreditType:  models.TxSubscriptionEarnings,
		Description: "Subscription: " + tier.Name,
		Metadata: map[string]any{
			"subscription_id": sub.ID,
			"tier_id":         tier.ID,
			"period_days":     tier.PeriodDays,
			"creator_share":   payee,
			"platform_fee":    fee,
		},
	})
	return err
}

// Subscribe charges the first period immediately.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID, tierID string) (models.Subscription, error) {
	tier, err := s.tier(ctx, tierID)
	if err != nil {
		return models.Subscription{}, err
	}
	if tier.CreatorID == userID {
		return models.Subscription{}, ErrSelfSession
	}
	if tier.Price <= 0 || tier.PeriodDays <= 0 {
		return models.Subscription{}, ErrInvalidAmount
	}
	var sub models.Subscription
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.Ensure(ctx, tx, userID, tier.CreatorID); err != nil {
			return err
		}
		wallets, err := s.ledger.Lock(ctx, tx, s.lockIDs(userID, tier.CreatorID)...)
		if err != nil {
			return err
		}
		if _, err := s.subs.FindActive(ctx, tx, userID, tier.CreatorID); err == nil {
			return ErrAlreadySubscribed
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if available := wallets[userID].Available(); available < tier.Price {
			return &InsufficientBalanceError{Needed: tier.Price, Available: available}
		}
		expires := s.now().UTC().Add(period(tier))
		sub = models.Subscription{
			ID:            uuid.NewString(),
			UserID:        userID,
			CreatorID:     tier.CreatorID,
			TierID:        tier.ID,
			Status:        models.SubscriptionActive,
			AutoRenew:     true,
			ExpiresAt:     expires,
			NextBillingAt: expires,
			TotalPaid:     tier.Price,
		}
		if err := s.subs.Create(ctx, tx, sub); err != nil {
			return err
		}
		return s.charge(ctx, tx, sub, tier, initialKey(sub.ID))
	})
	if err != nil {
		return models.Subscription{}, err
	}
	s.afterCharge(ctx, sub, "subscription.create")
	return sub, nil
}

// CancelSubscription stops auto-renew. Access continues until ExpiresAt.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, subscriptionID, userID string) (models.Subscription, error) {
	var sub models.Subscription
	var changed bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if locked.UserID != userID {
			return ErrUnauthorized
		}
		sub = locked
		changed = false
		if locked.Status == models.SubscriptionCancelled {
			return nil
		}
		now := s.now().UTC()
		locked.Status = models.SubscriptionCancelled
		locked.AutoRenew = false
		locked.CancelledAt = &now
		if err := s.subs.Update(ctx, tx, locked); err != nil {
			return err
		}
		sub = locked
		changed = true
		return nil
	})
	if err != nil {
		return models.Subscription{}, err
	}
	if changed {
		writeAudit(ctx, s.audit, store.AuditEntry{ActorID: userID, Action: "subscription.cancel", EntityType: "subscription", EntityID: sub.ID})
	}
	return sub, nil
}

// lockIDs adds the platform wallet only when subscriptions carry a fee.
func (s *SubscriptionService) lockIDs(userID, creatorID string) []string {
	ids := []string{userID, creatorID}
	if s.cfg.FeePercent.IsPositive() {
		ids = append(ids, s.ledger.PlatformID())
	}
	return ids
}

// Renew charges the next period. The new expiry is one period after the
// previous expiry, not after now, so late runs do not shift the schedule.
func (s *SubscriptionService) Renew(ctx context.Context, subscriptionID string) (models.Subscription, error) {
	var sub models.Subscription
	var replayed bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		replayed = false
		locked, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if locked.Status != models.SubscriptionActive || !locked.AutoRenew {
			return ErrNotRenewable
		}
		tier, err := s.tier(ctx, locked.TierID)
		if err != nil {
			return err
		}
		wallets, err := s.ledger.Lock(ctx, tx, s.lockIDs(locked.UserID, locked.CreatorID)...)
		if err != nil {
			return err
		}
		key := renewalKey(locked.ID, locked.ExpiresAt.Unix())
		posted, err := s.ledger.Posted(ctx, tx, key)
		if err != nil {
			return err
		}
		if posted {
			sub = locked
			replayed = true
			return nil
		}
		if available := wallets[locked.UserID].Available(); available < tier.Price {
			return &RenewalBalanceError{Needed: tier.Price, Available: available}
		}
		if err := s.charge(ctx, tx, locked, tier, key); err != nil {
			return err
		}
		locked.ExpiresAt = locked.ExpiresAt.Add(period(tier))
		locked.NextBillingAt = locked.ExpiresAt
		locked.TotalPaid += tier.Price
		locked.FailedPaymentCount = 0
		if err := s.subs.Update(ctx, tx, locked); err != nil {
			return err
		}
		sub = locked
		return nil
	})
	if err != nil {
		return models.Subscription{}, err
	}
	if !replayed {
		s.afterCharge(ctx, sub, "subscription.renew")
	}
	return sub, nil
}

// ProcessRenewals renews every due subscription independently. A failure is
// counted against the subscription; reaching the failure limit cancels it.
func (s *SubscriptionService) ProcessRenewals(ctx context.Context) (RenewalSummary, error) {
	var summary RenewalSummary
	ids, err := s.subs.ListDue(ctx, s.now().UTC())
	if err != nil {
		return summary, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Processed++
		_, err := s.Renew(ctx, id)
		if err == nil {
			summary.Succeeded++
			metrics.Renewals.WithLabelValues("succeeded").Inc()
			continue
		}
		log.Printf("renew subscription %s: %v", id, err)
		summary.Failed++
		metrics.Renewals.WithLabelValues("failed").Inc()
		cancelled, err := s.recordFailure(ctx, id)
		if err != nil {
			log.Printf("record renewal failure %s: %v", id, err)
			continue
		}
		if cancelled {
			summary.Cancelled++
			metrics.Renewals.WithLabelValues("cancelled").Inc()
		}
	}
	return summary, nil
}

func (s *SubscriptionService) recordFailure(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	var sub models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		cancelled = false
		locked, err := s.lockSubscription(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.Status != models.SubscriptionActive {
			return nil
		}
		locked.FailedPaymentCount++
		if locked.FailedPaymentCount >= s.cfg.FailureLimit {
			now := s.now().UTC()
			locked.Status = models.SubscriptionCancelled
			locked.AutoRenew = false
			locked.CancelledAt = &now
			cancelled = true
		}
		sub = locked
		return s.subs.Update(ctx, tx, locked)
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		writeAudit(ctx, s.audit, store.AuditEntry{
			Action:     "subscription.auto_cancel",
			EntityType: "subscription",
			EntityID:   sub.ID,
			Data:       map[string]any{"failed_payment_count": sub.FailedPaymentCount},
		})
	}
	return cancelled, nil
}

func (s *SubscriptionService) afterCharge(ctx context.Context, sub models.Subscription, action string) {
	broadcastWallets(ctx, s.wallets, s.hub, sub.UserID, sub.CreatorID)
	writeAudit(ctx, s.audit, store.AuditEntry{
		ActorID:    sub.UserID,
		Action:     action,
		EntityType: "subscription",
		EntityID:   sub.ID,
		Data:       map[string]any{"expires_at": sub.ExpiresAt, "total_paid": sub.TotalPaid},
	})
}

func (s *SubscriptionService) Get(ctx context.Context, subscriptionID, userID string) (models.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return models.Subscription{}, err
	}
	if sub.UserID != userID && sub.CreatorID != userID {
		return models.Subscription{}, ErrUnauthorized
	}
	return sub, nil
}
