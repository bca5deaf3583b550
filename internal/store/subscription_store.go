package store

import (
	"context"
	"time"

	"coinledger/internal/models"
)

type SubscriptionStore struct {
	db DB
}

func NewSubscriptionStore(db DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `id, user_id, creator_id, tier_id, status, auto_renew, expires_at,
		       next_billing_at, total_paid, failed_payment_count, cancelled_at`

func (s *SubscriptionStore) Create(ctx context.Context, tx Execer, sub models.Subscription) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, creator_id, tier_id, status, auto_renew, expires_at,
		                           next_billing_at, total_paid, failed_payment_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sub.ID, sub.UserID, sub.CreatorID, sub.TierID, sub.Status, sub.AutoRenew, sub.ExpiresAt,
		sub.NextBillingAt, sub.TotalPaid, sub.FailedPaymentCount)
	return err
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id string) (models.Subscription, error) {
	var row models.Subscription
	err := s.db.GetContext(ctx, &row, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return models.Subscription{}, err
	}
	return row, nil
}

func (s *SubscriptionStore) GetForUpdate(ctx context.Context, tx Getter, id string) (models.Subscription, error) {
	var row models.Subscription
	err := tx.GetContext(ctx, &row, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return models.Subscription{}, err
	}
	return row, nil
}

// FindActive returns the user's active subscription to a creator, if any.
func (s *SubscriptionStore) FindActive(ctx context.Context, tx Getter, userID, creatorID string) (models.Subscription, error) {
	var row models.Subscription
	err := tx.GetContext(ctx, &row, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND creator_id = $2 AND status = 'active'
	`, userID, creatorID)
	if err != nil {
		return models.Subscription{}, err
	}
	return row, nil
}

func (s *SubscriptionStore) Update(ctx context.Context, tx Execer, sub models.Subscription) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1,
		    auto_renew = $2,
		    expires_at = $3,
		    next_billing_at = $4,
		    total_paid = $5,
		    failed_payment_count = $6,
		    cancelled_at = $7,
		    updated_at = NOW()
		WHERE id = $8
	`, sub.Status, sub.AutoRenew, sub.ExpiresAt, sub.NextBillingAt, sub.TotalPaid,
		sub.FailedPaymentCount, sub.CancelledAt, sub.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListDue returns ids of subscriptions whose next billing time has passed.
func (s *SubscriptionStore) ListDue(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id
		FROM subscriptions
		WHERE next_billing_at <= $1 AND auto_renew = TRUE AND status = 'active'
		ORDER BY next_billing_at
	`, now)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SubscriptionStore) GetTier(ctx context.Context, tierID string) (models.SubscriptionTier, error) {
	var row models.SubscriptionTier
	err := s.db.GetContext(ctx, &row, `
		SELECT id, creator_id, name, price, period_days
		FROM subscription_tiers
		WHERE id = $1
	`, tierID)
	if err != nil {
		return models.SubscriptionTier{}, err
	}
	return row, nil
}

func (s *SubscriptionStore) CreateTier(ctx context.Context, tx Execer, tier models.SubscriptionTier) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_tiers (id, creator_id, name, price, period_days)
		VALUES ($1, $2, $3, $4, $5)
	`, tier.ID, tier.CreatorID, tier.Name, tier.Price, tier.PeriodDays)
	return err
}
