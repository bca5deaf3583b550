package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coinledger/internal/db"
	"coinledger/internal/metrics"
	"coinledger/internal/models"
	"coinledger/internal/money"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type SessionConfig struct {
	CallFeePercent        decimal.Decimal
	AISessionFeePercent   decimal.Decimal
	DefaultRate           int64
	DefaultMinimumMinutes int64
}

// SessionController drives metered sessions from request to settlement. Each
// operation is one transaction that locks the session row first.
type SessionController struct {
	txRunner db.TxRunner
	ledger   *Ledger
	holds    *HoldManager
	wallets  WalletStore
	sessions SessionStore
	settings SettingsStore
	audit    AuditStore
	hub      Notifier
	cfg      SessionConfig
	now      func() time.Time
}

func NewSessionController(txRunner db.TxRunner, ledger *Ledger, holds *HoldManager, wallets WalletStore, sessions SessionStore, settings SettingsStore, audit AuditStore, hub Notifier, cfg SessionConfig) *SessionController {
	if cfg.DefaultMinimumMinutes <= 0 {
		cfg.DefaultMinimumMinutes = 1
	}
	return &SessionController{
		txRunner: txRunner,
		ledger:   ledger,
		holds:    holds,
		wallets:  wallets,
		sessions: sessions,
		settings: settings,
		audit:    audit,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
	}
}

type RequestInput struct {
	PayerID string
	PayeeID string
	Kind    models.SessionKind
}

// SettlementResult describes what End charged. Replayed is set when the session
// had already been settled and nothing was billed.
type SettlementResult struct {
	Session         models.Session `json:"session"`
	DurationMinutes int64          `json:"duration_minutes"`
	CalculatedCoins int64          `json:"calculated_coins"`
	BilledCoins     int64          `json:"billed_coins"`
	PlatformFee     int64          `json:"platform_fee"`
	WasCapped       bool           `json:"was_capped"`
	Replayed        bool           `json:"replayed"`
}

type TickResult struct {
	Session        models.Session `json:"session"`
	MinutesBilled  int64          `json:"minutes_billed"`
	CoinsBilled    int64          `json:"coins_billed"`
	ShouldContinue bool           `json:"should_continue"`
	Replayed       bool           `json:"replayed"`
}

func (c *SessionController) feePercent(kind models.SessionKind) decimal.Decimal {
	if kind == models.KindAISession {
		return c.cfg.AISessionFeePercent
	}
	return c.cfg.CallFeePercent
}

// lockIDs lists the wallets a charge for session touches. The platform wallet
// is only locked when its kind carries a fee.
func (c *SessionController) lockIDs(session models.Session) []string {
	ids := []string{session.PayerID, session.PayeeID}
	if c.feePercent(session.Kind).IsPositive() {
		ids = append(ids, c.ledger.PlatformID())
	}
	return ids
}

// settingsFor reads the payee's rates, creating defaults on first use.
func (c *SessionController) settingsFor(ctx context.Context, payeeID string) (models.CreatorSettings, error) {
	settings, err := c.settings.Get(ctx, payeeID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CreatorSettings{}, err
	}
	return c.settings.CreateDefault(ctx, DefaultSettings(payeeID, c.cfg.DefaultRate, c.cfg.DefaultMinimumMinutes))
}

// DefaultSettings enables calls at the default rate. AI sessions stay off until
// the creator turns them on.
func DefaultSettings(userID string, rate, minimumMinutes int64) models.CreatorSettings {
	return models.CreatorSettings{
		UserID:           userID,
		VideoCallEnabled: true,
		VideoCallRate:    rate,
		VoiceCallEnabled: true,
		VoiceCallRate:    rate,
		AISessionEnabled: false,
		AISessionRate:    rate,
		MinimumMinutes:   minimumMinutes,
	}
}

// Request places a hold of rate × minimum minutes on the payer and opens a
// pending session backed by it.
func (c *SessionController) Request(ctx context.Context, in RequestInput) (models.Session, error) {
	if !in.Kind.Valid() {
		return models.Session{}, ErrInvalidKind
	}
	if in.PayerID == "" || in.PayerID == in.PayeeID {
		return models.Session{}, ErrSelfSession
	}
	settings, err := c.settingsFor(ctx, in.PayeeID)
	if err != nil {
		return models.Session{}, err
	}
	rate := settings.RateFor(in.Kind)
	if !rate.Enabled || rate.RatePerMinute <= 0 {
		return models.Session{}, ErrNotAvailable
	}
	minimum := rate.MinimumMinutes
	if minimum <= 0 {
		minimum = c.cfg.DefaultMinimumMinutes
	}
	session := models.Session{
		ID:             uuid.NewString(),
		Kind:           in.Kind,
		PayerID:        in.PayerID,
		PayeeID:        in.PayeeID,
		Status:         models.SessionPending,
		RatePerMinute:  rate.RatePerMinute,
		MinimumMinutes: minimum,
		EstimatedCoins: rate.RatePerMinute * minimum,
		RequestedAt:    c.now().UTC(),
	}
	err = c.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.ledger.Ensure(ctx, tx, session.PayerID, session.PayeeID); err != nil {
			return err
		}
		hold, err := c.holds.CreateHold(ctx, tx, session.PayerID, session.EstimatedCoins, session.Kind.Purpose(), nil)
		if err != nil {
			return err
		}
		session.HoldID = &hold.ID
		if err := c.sessions.Create(ctx, tx, session); err != nil {
			return err
		}
		return c.holds.LinkHold(ctx, tx, hold.ID, session.ID)
	})
	if err != nil {
		return models.Session{}, err
	}
	c.afterTransition(ctx, session, session.PayerID, "session.request", false)
	return session, nil
}

func (c *SessionController) Accept(ctx context.Context, sessionID, payeeID string) (models.Session, error) {
	return c.transition(ctx, sessionID, payeeID, "session.accept", func(s *models.Session, now time.Time) (step, error) {
		if s.PayeeID != payeeID {
			return stepNone, ErrUnauthorized
		}
		if s.Status != models.SessionPending {
			return stepNone, ErrNotPending
		}
		s.Status = models.SessionAccepted
		s.AcceptedAt = &now
		return stepUpdate, nil
	})
}

func (c *SessionController) Reject(ctx context.Context, sessionID, payeeID string) (models.Session, error) {
	return c.transition(ctx, sessionID, payeeID, "session.reject", func(s *models.Session, now time.Time) (step, error) {
		if s.PayeeID != payeeID {
			return stepNone, ErrUnauthorized
		}
		if s.Status != models.SessionPending {
			return stepNone, ErrNotPending
		}
		s.Status = models.SessionRejected
		s.EndedAt = &now
		s.EndReason = stringPtr("rejected_by_payee")
		return stepRelease, nil
	})
}

func (c *SessionController) Cancel(ctx context.Context, sessionID, actorID, reason string) (models.Session, error) {
	return c.transition(ctx, sessionID, actorID, "session.cancel", func(s *models.Session, now time.Time) (step, error) {
		if !s.IsParticipant(actorID) {
			return stepNone, ErrUnauthorized
		}
		if s.Status != models.SessionPending && s.Status != models.SessionAccepted {
			return stepNone, ErrAlreadyStarted
		}
		if reason == "" {
			reason = "cancelled_by_" + roleOf(*s, actorID)
		}
		s.Status = models.SessionCancelled
		s.EndedAt = &now
		s.EndReason = &reason
		return stepRelease, nil
	})
}

// Start marks the session connected. Repeated connect events are no-ops.
func (c *SessionController) Start(ctx context.Context, sessionID, actorID string) (models.Session, error) {
	return c.transition(ctx, sessionID, actorID, "session.start", func(s *models.Session, now time.Time) (step, error) {
		if !s.IsParticipant(actorID) {
			return stepNone, ErrUnauthorized
		}
		if s.Status == models.SessionActive {
			return stepNone, nil
		}
		if s.Status != models.SessionAccepted {
			return stepNone, ErrNotAccepted
		}
		s.Status = models.SessionActive
		s.StartedAt = &now
		return stepUpdate, nil
	})
}

// End settles the session from elapsed time. Calling it again after settlement
// returns the completed session with Replayed set and moves no coins.
func (c *SessionController) End(ctx context.Context, sessionID, actorID string) (SettlementResult, error) {
	return c.finish(ctx, sessionID, actorID, "")
}

// ForceEnd settles a session on behalf of the system, skipping the participant
// check. The sweeper uses it for overlong sessions.
func (c *SessionController) ForceEnd(ctx context.Context, sessionID, reason string) (SettlementResult, error) {
	if reason == "" {
		reason = "force_ended"
	}
	return c.finish(ctx, sessionID, "", reason)
}

func (c *SessionController) finish(ctx context.Context, sessionID, actorID, reason string) (SettlementResult, error) {
	var result SettlementResult
	var closed bool
	err := c.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		result = SettlementResult{}
		closed = false
		session, err := c.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if actorID != "" && !session.IsParticipant(actorID) {
			return ErrUnauthorized
		}
		switch {
		case session.Status == models.SessionCompleted:
			result.Session = session
			result.Replayed = true
			return nil
		case session.Status.Terminal():
			return ErrSessionClosed
		case session.Status != models.SessionActive && session.Status != models.SessionAccepted:
			return ErrNotActive
		}

		now := c.now().UTC()
		start, _ := session.BillingStart()
		seconds := max(int64(now.Sub(start)/time.Second), 0)
		totalMinutes := money.CeilMinutes(seconds)
		remaining := max(totalMinutes-session.MinutesBilled, 0)
		result.DurationMinutes = totalMinutes
		result.CalculatedCoins = session.RatePerMinute * remaining

		key := sessionKey(session.ID)
		posted, err := c.ledger.Posted(ctx, tx, key)
		if err != nil {
			return err
		}
		if posted {
			result.Replayed = true
		} else if result.CalculatedCoins > 0 {
			reserve, err := c.holds.Reserved(ctx, tx, session.HoldID)
			if err != nil {
				return err
			}
			wallets, err := c.ledger.Lock(ctx, tx, c.lockIDs(session)...)
			if err != nil {
				return err
			}
			payer := wallets[session.PayerID]
			spendable := max(payer.Balance-max(payer.HeldBalance-reserve, 0), 0)
			result.BilledCoins = min(result.CalculatedCoins, spendable)
			result.WasCapped = result.BilledCoins < result.CalculatedCoins
			result.PlatformFee = money.PlatformFee(result.BilledCoins, c.feePercent(session.Kind))
		}
		// The hold is closed before the debit so held never exceeds balance,
		// even between statements.
		if session.HoldID != nil {
			if _, err := c.holds.SettleHold(ctx, tx, *session.HoldID); err != nil && !errors.Is(err, ErrHoldNotFound) {
				return err
			}
		}
		if !posted && result.BilledCoins > 0 {
			debitType, creditType := session.Kind.ChargeTypes()
			if _, err := c.ledger.Post(ctx, tx, Posting{
				Key:         key,
				PayerID:     session.PayerID,
				PayeeID:     session.PayeeID,
				Amount:      result.BilledCoins,
				Fee:         result.PlatformFee,
				DebitType:   debitType,
				CreditType:  creditType,
				Description: describeSession(session.Kind),
				Metadata: map[string]any{
					"session_id":       session.ID,
					"duration_seconds": seconds,
					"duration_minutes": totalMinutes,
					"rate_per_minute":  session.RatePerMinute,
					"calculated_coins": result.CalculatedCoins,
					"billed_coins":     result.BilledCoins,
					"platform_fee":     result.PlatformFee,
					"was_capped":       result.WasCapped,
				},
			}); err != nil {
				return err
			}
		}
		if reason == "" {
			reason = "ended_by_" + roleOf(session, actorID)
		}
		session.Status = models.SessionCompleted
		session.EndedAt = &now
		session.DurationSeconds = seconds
		session.ActualCoins += result.BilledCoins
		session.MinutesBilled = max(session.MinutesBilled, totalMinutes)
		session.EndReason = &reason
		if err := c.sessions.Update(ctx, tx, session); err != nil {
			return err
		}
		result.Session = session
		closed = true
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if result.Replayed {
		metrics.SettlementReplays.Inc()
	}
	if closed {
		kind := string(result.Session.Kind)
		metrics.CoinsSettled.WithLabelValues(kind).Add(float64(result.BilledCoins))
		if result.WasCapped {
			metrics.SettlementsCapped.WithLabelValues(kind).Inc()
		}
		metrics.HoldsClosed.WithLabelValues(string(models.HoldSettled)).Inc()
		c.afterTransition(ctx, result.Session, actorID, "session.end", true)
	}
	return result, nil
}

// Tick bills the minutes elapsed since the last tick. When the payer cannot
// cover the whole delta it bills the whole minutes they can afford, counting the
// session's own hold, and reports ShouldContinue=false so the caller ends the
// session.
func (c *SessionController) Tick(ctx context.Context, sessionID, actorID string) (TickResult, error) {
	var result TickResult
	err := c.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		result = TickResult{}
		session, err := c.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if actorID != "" && !session.IsParticipant(actorID) {
			return ErrUnauthorized
		}
		if session.Status != models.SessionActive {
			return ErrNotActive
		}
		result.Session = session
		result.ShouldContinue = true

		start, _ := session.BillingStart()
		seconds := max(int64(c.now().UTC().Sub(start)/time.Second), 0)
		delta := money.CeilMinutes(seconds) - session.MinutesBilled
		if delta <= 0 {
			return nil
		}
		reserve, err := c.holds.Reserved(ctx, tx, session.HoldID)
		if err != nil {
			return err
		}
		wallets, err := c.ledger.Lock(ctx, tx, c.lockIDs(session)...)
		if err != nil {
			return err
		}
		// The session's own hold is prepaid for it, so it counts as
		// affordable. Other sessions' holds stay protected.
		payer := wallets[session.PayerID]
		unreserved := max(payer.Balance-payer.HeldBalance, 0)
		spendable := unreserved + reserve
		minutes := min(delta, spendable/session.RatePerMinute)
		result.ShouldContinue = minutes == delta
		if minutes == 0 {
			return nil
		}
		cumulative := session.MinutesBilled + minutes
		key := tickKey(session.ID, cumulative)
		posted, err := c.ledger.Posted(ctx, tx, key)
		if err != nil {
			return err
		}
		if posted {
			result.Replayed = true
			return nil
		}
		amount := session.RatePerMinute * minutes
		// Unreserved coins go first; whatever the tick takes beyond them comes
		// out of the hold before the debit, so held never exceeds balance.
		if err := c.holds.Consume(ctx, tx, session.HoldID, max(amount-unreserved, 0)); err != nil && !errors.Is(err, ErrHoldNotFound) {
			return err
		}
		fee := money.PlatformFee(amount, c.feePercent(session.Kind))
		debitType, creditType := session.Kind.ChargeTypes()
		if _, err := c.ledger.Post(ctx, tx, Posting{
			Key:         key,
			PayerID:     session.PayerID,
			PayeeID:     session.PayeeID,
			Amount:      amount,
			Fee:         fee,
			DebitType:   debitType,
			CreditType:  creditType,
			Description: describeSession(session.Kind) + " (incremental)",
			Metadata: map[string]any{
				"session_id":         session.ID,
				"minutes":            minutes,
				"cumulative_minutes": cumulative,
				"rate_per_minute":    session.RatePerMinute,
				"platform_fee":       fee,
			},
		}); err != nil {
			return err
		}
		session.MinutesBilled = cumulative
		session.ActualCoins += amount
		if err := c.sessions.Update(ctx, tx, session); err != nil {
			return err
		}
		result.Session = session
		result.MinutesBilled = minutes
		result.CoinsBilled = amount
		return nil
	})
	if err != nil {
		return TickResult{}, err
	}
	if result.Replayed {
		metrics.SettlementReplays.Inc()
	}
	if result.CoinsBilled > 0 {
		metrics.CoinsSettled.WithLabelValues(string(result.Session.Kind)).Add(float64(result.CoinsBilled))
		broadcastWallets(ctx, c.wallets, c.hub, result.Session.PayerID, result.Session.PayeeID)
		c.notifySession(result.Session)
	}
	return result, nil
}

func (c *SessionController) Get(ctx context.Context, sessionID, actorID string) (models.Session, error) {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if !session.IsParticipant(actorID) {
		return models.Session{}, ErrUnauthorized
	}
	return session, nil
}

func (c *SessionController) List(ctx context.Context, userID string, limit, offset int) ([]models.Session, error) {
	return c.sessions.ListByUser(ctx, userID, limit, offset)
}

// abandon moves a session that never got billed from one status to a terminal
// one and releases its hold. It reports false when the session has already
// left the expected status.
func (c *SessionController) abandon(ctx context.Context, sessionID string, from, to models.SessionStatus, reason string) (bool, error) {
	var session models.Session
	var changed bool
	err := c.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		changed = false
		locked, err := c.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if locked.Status != from {
			return nil
		}
		now := c.now().UTC()
		if locked.HoldID != nil {
			if _, err := c.holds.ReleaseHold(ctx, tx, *locked.HoldID); err != nil && !errors.Is(err, ErrHoldNotFound) {
				return err
			}
		}
		locked.Status = to
		locked.EndedAt = &now
		locked.EndReason = &reason
		if err := c.sessions.Update(ctx, tx, locked); err != nil {
			return err
		}
		session = locked
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	metrics.HoldsClosed.WithLabelValues(string(models.HoldReleased)).Inc()
	c.afterTransition(ctx, session, "", "sweep."+string(to), true)
	return true, nil
}

type step int

const (
	stepNone step = iota
	stepUpdate
	stepRelease
)

// transition applies apply to the locked session and persists it. stepNone
// with a nil error leaves the row untouched.
func (c *SessionController) transition(ctx context.Context, sessionID, actorID, action string, apply func(*models.Session, time.Time) (step, error)) (models.Session, error) {
	var session models.Session
	var applied step
	err := c.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := c.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		applied, err = apply(&locked, c.now().UTC())
		if err != nil {
			return err
		}
		session = locked
		if applied == stepNone {
			return nil
		}
		if applied == stepRelease && locked.HoldID != nil {
			if _, err := c.holds.ReleaseHold(ctx, tx, *locked.HoldID); err != nil && !errors.Is(err, ErrHoldNotFound) {
				return err
			}
		}
		return c.sessions.Update(ctx, tx, locked)
	})
	if err != nil {
		return models.Session{}, err
	}
	if applied == stepRelease {
		metrics.HoldsClosed.WithLabelValues(string(models.HoldReleased)).Inc()
	}
	if applied != stepNone {
		c.afterTransition(ctx, session, actorID, action, applied == stepRelease)
	}
	return session, nil
}

func (c *SessionController) lockSession(ctx context.Context, tx store.Getter, sessionID string) (models.Session, error) {
	session, err := c.sessions.GetForUpdate(ctx, tx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	return session, err
}

// afterTransition runs the post-commit side effects. None of them can fail the
// operation.
func (c *SessionController) afterTransition(ctx context.Context, session models.Session, actorID, action string, walletsChanged bool) {
	metrics.SessionTransitions.WithLabelValues(string(session.Kind), string(session.Status)).Inc()
	if walletsChanged || session.Status == models.SessionPending {
		broadcastWallets(ctx, c.wallets, c.hub, session.PayerID, session.PayeeID)
	}
	c.notifySession(session)
	writeAudit(ctx, c.audit, store.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		EntityType: "session",
		EntityID:   session.ID,
		Data: map[string]any{
			"status":       session.Status,
			"actual_coins": session.ActualCoins,
		},
	})
}

func (c *SessionController) notifySession(session models.Session) {
	if c.hub == nil {
		return
	}
	event := websocket.SessionEvent{
		SessionID:   session.ID,
		Kind:        string(session.Kind),
		Status:      string(session.Status),
		ActualCoins: session.ActualCoins,
	}
	if session.EndReason != nil {
		event.Reason = *session.EndReason
	}
	c.hub.BroadcastSession(session.PayerID, event)
	c.hub.BroadcastSession(session.PayeeID, event)
}

func roleOf(session models.Session, actorID string) string {
	switch actorID {
	case session.PayerID:
		return "payer"
	case session.PayeeID:
		return "payee"
	default:
		return "system"
	}
}

func describeSession(kind models.SessionKind) string {
	switch kind {
	case models.KindVideoCall:
		return "Video call"
	case models.KindVoiceCall:
		return "Voice call"
	default:
		return "AI session"
	}
}

func stringPtr(value string) *string {
	return &value
}
