package models

import "time"

// PlatformUserID owns the wallet that collects platform fees and issues grants.
const PlatformUserID = "platform"

type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type Wallet struct {
	UserID      string    `db:"user_id" json:"user_id"`
	Balance     int64     `db:"balance" json:"balance"`
	HeldBalance int64     `db:"held_balance" json:"held_balance"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the amount a user may commit to new holds or direct spends.
func (w Wallet) Available() int64 {
	return w.Balance - w.HeldBalance
}

type HoldPurpose string

const (
	PurposeVideoCall HoldPurpose = "video_call"
	PurposeVoiceCall HoldPurpose = "voice_call"
	PurposeAISession HoldPurpose = "ai_session"
)

type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldSettled  HoldStatus = "settled"
	HoldReleased HoldStatus = "released"
)

type Hold struct {
	ID        string      `db:"id" json:"id"`
	UserID    string      `db:"user_id" json:"user_id"`
	Amount    int64       `db:"amount" json:"amount"`
	Purpose   HoldPurpose `db:"purpose" json:"purpose"`
	RelatedID *string     `db:"related_id" json:"related_id,omitempty"`
	Status    HoldStatus  `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

type TransactionType string

const (
	TxCallCharge           TransactionType = "call_charge"
	TxCallEarnings         TransactionType = "call_earnings"
	TxAISessionCharge      TransactionType = "ai_session_charge"
	TxAISessionEarnings    TransactionType = "ai_session_earnings"
	TxPlatformFee          TransactionType = "platform_fee"
	TxSubscriptionPayment  TransactionType = "subscription_payment"
	TxSubscriptionEarnings TransactionType = "subscription_earnings"
	TxTipSent              TransactionType = "tip_sent"
	TxTipReceived          TransactionType = "tip_received"
	TxGrant                TransactionType = "grant"
	TxGrantIssued          TransactionType = "grant_issued"
	TxRefund               TransactionType = "refund"
)

type Transaction struct {
	ID                   string          `db:"id" json:"id"`
	UserID               string          `db:"user_id" json:"user_id"`
	Amount               int64           `db:"amount" json:"amount"`
	Type                 TransactionType `db:"type" json:"type"`
	Status               string          `db:"status" json:"status"`
	Description          string          `db:"description" json:"description"`
	IdempotencyKey       string          `db:"idempotency_key" json:"idempotency_key"`
	RelatedTransactionID *string         `db:"related_transaction_id" json:"related_transaction_id,omitempty"`
	Metadata             string          `db:"metadata" json:"metadata"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
}

type SessionKind string

const (
	KindVideoCall SessionKind = "video_call"
	KindVoiceCall SessionKind = "voice_call"
	KindAISession SessionKind = "ai_session"
)

func (k SessionKind) Valid() bool {
	switch k {
	case KindVideoCall, KindVoiceCall, KindAISession:
		return true
	}
	return false
}

// Purpose maps a session kind to the hold purpose backing it.
func (k SessionKind) Purpose() HoldPurpose {
	switch k {
	case KindVideoCall:
		return PurposeVideoCall
	case KindVoiceCall:
		return PurposeVoiceCall
	default:
		return PurposeAISession
	}
}

// ChargeTypes returns the paired ledger types used when settling a session of this kind.
func (k SessionKind) ChargeTypes() (debit, credit TransactionType) {
	if k == KindAISession {
		return TxAISessionCharge, TxAISessionEarnings
	}
	return TxCallCharge, TxCallEarnings
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionAccepted  SessionStatus = "accepted"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionRejected  SessionStatus = "rejected"
	SessionCancelled SessionStatus = "cancelled"
	SessionMissed    SessionStatus = "missed"
	SessionFailed    SessionStatus = "failed"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionRejected, SessionCancelled, SessionMissed, SessionFailed:
		return true
	}
	return false
}

type Session struct {
	ID              string        `db:"id" json:"id"`
	Kind            SessionKind   `db:"kind" json:"kind"`
	PayerID         string        `db:"payer_id" json:"payer_id"`
	PayeeID         string        `db:"payee_id" json:"payee_id"`
	Status          SessionStatus `db:"status" json:"status"`
	RatePerMinute   int64         `db:"rate_per_minute" json:"rate_per_minute"`
	MinimumMinutes  int64         `db:"minimum_minutes" json:"minimum_minutes"`
	EstimatedCoins  int64         `db:"estimated_coins" json:"estimated_coins"`
	HoldID          *string       `db:"hold_id" json:"hold_id,omitempty"`
	RequestedAt     time.Time     `db:"requested_at" json:"requested_at"`
	AcceptedAt      *time.Time    `db:"accepted_at" json:"accepted_at,omitempty"`
	StartedAt       *time.Time    `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	DurationSeconds int64         `db:"duration_seconds" json:"duration_seconds"`
	ActualCoins     int64         `db:"actual_coins" json:"actual_coins"`
	MinutesBilled   int64         `db:"minutes_billed" json:"minutes_billed"`
	EndReason       *string       `db:"end_reason" json:"end_reason,omitempty"`
}

// BillingStart is the instant metering begins: startedAt, or acceptedAt when the
// client never reported a connection.
func (s Session) BillingStart() (time.Time, bool) {
	if s.StartedAt != nil {
		return *s.StartedAt, true
	}
	if s.AcceptedAt != nil {
		return *s.AcceptedAt, true
	}
	return time.Time{}, false
}

func (s Session) IsParticipant(userID string) bool {
	return userID == s.PayerID || userID == s.PayeeID
}

type CreatorSettings struct {
	UserID           string `db:"user_id" json:"user_id"`
	VideoCallEnabled bool   `db:"video_call_enabled" json:"video_call_enabled"`
	VideoCallRate    int64  `db:"video_call_rate" json:"video_call_rate"`
	VoiceCallEnabled bool   `db:"voice_call_enabled" json:"voice_call_enabled"`
	VoiceCallRate    int64  `db:"voice_call_rate" json:"voice_call_rate"`
	AISessionEnabled bool   `db:"ai_session_enabled" json:"ai_session_enabled"`
	AISessionRate    int64  `db:"ai_session_rate" json:"ai_session_rate"`
	MinimumMinutes   int64  `db:"minimum_minutes" json:"minimum_minutes"`
}

type RateConfig struct {
	Enabled        bool
	RatePerMinute  int64
	MinimumMinutes int64
}

// RateFor returns the payee's configuration for one interaction kind.
func (c CreatorSettings) RateFor(kind SessionKind) RateConfig {
	cfg := RateConfig{MinimumMinutes: c.MinimumMinutes}
	switch kind {
	case KindVideoCall:
		cfg.Enabled, cfg.RatePerMinute = c.VideoCallEnabled, c.VideoCallRate
	case KindVoiceCall:
		cfg.Enabled, cfg.RatePerMinute = c.VoiceCallEnabled, c.VoiceCallRate
	case KindAISession:
		cfg.Enabled, cfg.RatePerMinute = c.AISessionEnabled, c.AISessionRate
	}
	return cfg
}

type SubscriptionTier struct {
	ID         string `db:"id" json:"id"`
	CreatorID  string `db:"creator_id" json:"creator_id"`
	Name       string `db:"name" json:"name"`
	Price      int64  `db:"price" json:"price"`
	PeriodDays int    `db:"period_days" json:"period_days"`
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	ID                 string             `db:"id" json:"id"`
	UserID             string             `db:"user_id" json:"user_id"`
	CreatorID          string             `db:"creator_id" json:"creator_id"`
	TierID             string             `db:"tier_id" json:"tier_id"`
	Status             SubscriptionStatus `db:"status" json:"status"`
	AutoRenew          bool               `db:"auto_renew" json:"auto_renew"`
	ExpiresAt          time.Time          `db:"expires_at" json:"expires_at"`
	NextBillingAt      time.Time          `db:"next_billing_at" json:"next_billing_at"`
	TotalPaid          int64              `db:"total_paid" json:"total_paid"`
	FailedPaymentCount int                `db:"failed_payment_count" json:"failed_payment_count"`
	CancelledAt        *time.Time         `db:"cancelled_at" json:"cancelled_at,omitempty"`
}
