package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"coinledger/internal/models"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// memLedger is an in-memory stand-in for the Postgres schema. Transactions are
// serialized, which gives the same outcome as row locks for these tests, and
// every failed transaction restores the state it started from.
type memLedger struct {
	txMu sync.Mutex
	mu   sync.Mutex

	wallets  map[string]models.Wallet
	holds    map[string]models.Hold
	entries  []store.EntryInput
	sessions map[string]models.Session
	settings map[string]models.CreatorSettings
	subs     map[string]models.Subscription
	tiers    map[string]models.SubscriptionTier
	audit    []store.AuditEntry

	failInsert error
	commits    int
	rollbacks  int
	// lockCalls records the wallet ids of every LockWallets call.
	lockCalls [][]string
}

type memSnapshot struct {
	wallets  map[string]models.Wallet
	holds    map[string]models.Hold
	entries  []store.EntryInput
	sessions map[string]models.Session
	subs     map[string]models.Subscription
}

func newMemLedger() *memLedger {
	return &memLedger{
		wallets:  map[string]models.Wallet{models.PlatformUserID: {UserID: models.PlatformUserID}},
		holds:    map[string]models.Hold{},
		sessions: map[string]models.Session{},
		settings: map[string]models.CreatorSettings{},
		subs:     map[string]models.Subscription{},
		tiers:    map[string]models.SubscriptionTier{},
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (l *memLedger) snapshot() memSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return memSnapshot{
		wallets:  copyMap(l.wallets),
		holds:    copyMap(l.holds),
		entries:  append([]store.EntryInput(nil), l.entries...),
		sessions: copyMap(l.sessions),
		subs:     copyMap(l.subs),
	}
}

func (l *memLedger) restore(s memSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets = s.wallets
	l.holds = s.holds
	l.entries = s.entries
	l.sessions = s.sessions
	l.subs = s.subs
}

func (l *memLedger) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	snap := l.snapshot()
	if err := fn(nil); err != nil {
		l.restore(snap)
		l.rollbacks++
		return err
	}
	l.commits++
	return nil
}

func (l *memLedger) fund(userID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.wallets[userID]
	w.UserID = userID
	w.Balance += balance
	l.wallets[userID] = w
	l.entries = append(l.entries, store.EntryInput{
		ID:             fmt.Sprintf("seed-%s-%d", userID, len(l.entries)),
		UserID:         userID,
		Amount:         balance,
		Type:           models.TxGrant,
		IdempotencyKey: fmt.Sprintf("seed:%s:%d", userID, len(l.entries)),
	})
	p := l.wallets[models.PlatformUserID]
	p.Balance -= balance
	l.wallets[models.PlatformUserID] = p
	l.entries = append(l.entries, store.EntryInput{
		ID:             fmt.Sprintf("seed-platform-%d", len(l.entries)),
		UserID:         models.PlatformUserID,
		Amount:         -balance,
		Type:           models.TxGrantIssued,
		IdempotencyKey: fmt.Sprintf("seed:platform:%d", len(l.entries)),
	})
}

func (l *memLedger) wallet(userID string) models.Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wallets[userID]
}

func (l *memLedger) entriesByKeyPrefix(prefix string) []store.EntryInput {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.EntryInput
	for _, e := range l.entries {
		if len(e.IdempotencyKey) >= len(prefix) && e.IdempotencyKey[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

func (l *memLedger) entriesOfType(txType models.TransactionType) []store.EntryInput {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.EntryInput
	for _, e := range l.entries {
		if e.Type == txType {
			out = append(out, e)
		}
	}
	return out
}

// checkInvariants asserts the ledger-balance and no-overdraft properties for
// every wallet.
func (l *memLedger) checkInvariants(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	sums := map[string]int64{}
	var total int64
	for _, e := range l.entries {
		sums[e.UserID] += e.Amount
		total += e.Amount
	}
	if total != 0 {
		t.Fatalf("ledger does not net to zero: %d", total)
	}
	held := map[string]int64{}
	for _, h := range l.holds {
		if h.Status == models.HoldActive {
			held[h.UserID] += h.Amount
		}
	}
	for id, w := range l.wallets {
		if w.Balance != sums[id] {
			t.Fatalf("wallet %s balance %d != ledger sum %d", id, w.Balance, sums[id])
		}
		if w.HeldBalance != held[id] {
			t.Fatalf("wallet %s held %d != active holds %d", id, w.HeldBalance, held[id])
		}
		if id == models.PlatformUserID {
			continue
		}
		if w.Balance < 0 || w.HeldBalance < 0 || w.HeldBalance > w.Balance {
			t.Fatalf("wallet %s violates balance >= held >= 0: %#v", id, w)
		}
	}
}

// ─── wallet store ───────────────────────────────────────────────────────────

type memWallets struct{ l *memLedger }

func (s memWallets) Ensure(_ context.Context, _ store.Execer, userID string) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.wallets[userID]; !ok {
		s.l.wallets[userID] = models.Wallet{UserID: userID}
	}
	return nil
}

func (s memWallets) GetByUser(_ context.Context, userID string) (models.Wallet, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	w, ok := s.l.wallets[userID]
	if !ok {
		return models.Wallet{}, sql.ErrNoRows
	}
	return w, nil
}

func (s memWallets) LockWallets(_ context.Context, _ store.Selecter, userIDs []string) (map[string]models.Wallet, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	s.l.lockCalls = append(s.l.lockCalls, ids)
	out := map[string]models.Wallet{}
	for _, id := range ids {
		w, ok := s.l.wallets[id]
		if !ok {
			return nil, store.ErrWalletMissing
		}
		out[id] = w
	}
	return out, nil
}

func (s memWallets) AdjustBalance(_ context.Context, _ store.Execer, userID string, delta int64) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	w, ok := s.l.wallets[userID]
	if !ok {
		return sql.ErrNoRows
	}
	w.Balance += delta
	if w.Balance < 0 && userID != models.PlatformUserID {
		return errors.New("wallets_balance_check violated")
	}
	s.l.wallets[userID] = w
	return nil
}

func (s memWallets) AdjustHeld(_ context.Context, _ store.Execer, userID string, delta int64) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	w, ok := s.l.wallets[userID]
	if !ok {
		return sql.ErrNoRows
	}
	w.HeldBalance = max(w.HeldBalance+delta, 0)
	s.l.wallets[userID] = w
	return nil
}

// ─── hold store ─────────────────────────────────────────────────────────────

type memHolds struct{ l *memLedger }

func (s memHolds) Create(_ context.Context, _ store.Execer, hold models.Hold) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.holds[hold.ID] = hold
	return nil
}

func (s memHolds) GetForUpdate(_ context.Context, _ store.Getter, holdID string) (models.Hold, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	h, ok := s.l.holds[holdID]
	if !ok {
		return models.Hold{}, sql.ErrNoRows
	}
	return h, nil
}

func (s memHolds) SetStatus(_ context.Context, _ store.Execer, holdID string, status models.HoldStatus) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	h, ok := s.l.holds[holdID]
	if !ok {
		return sql.ErrNoRows
	}
	h.Status = status
	s.l.holds[holdID] = h
	return nil
}

func (s memHolds) SetRelatedID(_ context.Context, _ store.Execer, holdID, relatedID string) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	h, ok := s.l.holds[holdID]
	if !ok {
		return sql.ErrNoRows
	}
	h.RelatedID = &relatedID
	s.l.holds[holdID] = h
	return nil
}

func (s memHolds) Reduce(_ context.Context, _ store.Execer, holdID string, amount int64) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	h, ok := s.l.holds[holdID]
	if !ok || h.Status != models.HoldActive || h.Amount <= amount {
		return sql.ErrNoRows
	}
	h.Amount -= amount
	s.l.holds[holdID] = h
	return nil
}

func (s memHolds) ListOrphaned(_ context.Context, limit int) ([]string, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	var ids []string
	for id, h := range s.l.holds {
		if h.Status != models.HoldActive || h.RelatedID == nil {
			continue
		}
		if session, ok := s.l.sessions[*h.RelatedID]; ok && session.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ─── ledger store ───────────────────────────────────────────────────────────

type memEntries struct{ l *memLedger }

func (s memEntries) InsertEntries(_ context.Context, _ store.Execer, entries []store.EntryInput) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if s.l.failInsert != nil {
		return s.l.failInsert
	}
	for _, e := range entries {
		for _, existing := range s.l.entries {
			if existing.IdempotencyKey == e.IdempotencyKey {
				return fmt.Errorf("duplicate idempotency key %s", e.IdempotencyKey)
			}
		}
		s.l.entries = append(s.l.entries, e)
	}
	return nil
}

func (s memEntries) HasIdempotencyKey(_ context.Context, _ store.Getter, key string) (bool, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	for _, e := range s.l.entries {
		if e.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

// ─── session store ──────────────────────────────────────────────────────────

type memSessions struct{ l *memLedger }

func (s memSessions) Create(_ context.Context, _ store.Execer, session models.Session) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.sessions[session.ID] = session
	return nil
}

func (s memSessions) GetByID(_ context.Context, id string) (models.Session, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	session, ok := s.l.sessions[id]
	if !ok {
		return models.Session{}, sql.ErrNoRows
	}
	return session, nil
}

func (s memSessions) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.Session, error) {
	return s.GetByID(ctx, id)
}

func (s memSessions) Update(_ context.Context, _ store.Execer, session models.Session) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.sessions[session.ID]; !ok {
		return sql.ErrNoRows
	}
	s.l.sessions[session.ID] = session
	return nil
}

func (s memSessions) ListStale(_ context.Context, status models.SessionStatus, cutoff time.Time, limit int) ([]string, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	var ids []string
	for id, session := range s.l.sessions {
		if session.Status != status {
			continue
		}
		var ref time.Time
		switch status {
		case models.SessionPending:
			ref = session.RequestedAt
		case models.SessionAccepted:
			ref = *session.AcceptedAt
		default:
			ref, _ = session.BillingStart()
		}
		if ref.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s memSessions) ListByUser(_ context.Context, userID string, limit, offset int) ([]models.Session, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	var out []models.Session
	for _, session := range s.l.sessions {
		if session.IsParticipant(userID) {
			out = append(out, session)
		}
	}
	return out, nil
}

// ─── settings store ─────────────────────────────────────────────────────────

type memSettings struct{ l *memLedger }

func (s memSettings) Get(_ context.Context, userID string) (models.CreatorSettings, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	settings, ok := s.l.settings[userID]
	if !ok {
		return models.CreatorSettings{}, sql.ErrNoRows
	}
	return settings, nil
}

func (s memSettings) CreateDefault(_ context.Context, defaults models.CreatorSettings) (models.CreatorSettings, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if existing, ok := s.l.settings[defaults.UserID]; ok {
		return existing, nil
	}
	s.l.settings[defaults.UserID] = defaults
	return defaults, nil
}

// ─── subscription store ─────────────────────────────────────────────────────

type memSubs struct{ l *memLedger }

func (s memSubs) Create(_ context.Context, _ store.Execer, sub models.Subscription) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.subs[sub.ID] = sub
	return nil
}

func (s memSubs) GetByID(_ context.Context, id string) (models.Subscription, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	sub, ok := s.l.subs[id]
	if !ok {
		return models.Subscription{}, sql.ErrNoRows
	}
	return sub, nil
}

func (s memSubs) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.Subscription, error) {
	return s.GetByID(ctx, id)
}

func (s memSubs) FindActive(_ context.Context, _ store.Getter, userID, creatorID string) (models.Subscription, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	for _, sub := range s.l.subs {
		if sub.UserID == userID && sub.CreatorID == creatorID && sub.Status == models.SubscriptionActive {
			return sub, nil
		}
	}
	return models.Subscription{}, sql.ErrNoRows
}

func (s memSubs) Update(_ context.Context, _ store.Execer, sub models.Subscription) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.subs[sub.ID]; !ok {
		return sql.ErrNoRows
	}
	s.l.subs[sub.ID] = sub
	return nil
}

func (s memSubs) ListDue(_ context.Context, now time.Time) ([]string, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	var ids []string
	for id, sub := range s.l.subs {
		if !sub.NextBillingAt.After(now) && sub.AutoRenew && sub.Status == models.SubscriptionActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s memSubs) GetTier(_ context.Context, tierID string) (models.SubscriptionTier, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	tier, ok := s.l.tiers[tierID]
	if !ok {
		return models.SubscriptionTier{}, sql.ErrNoRows
	}
	return tier, nil
}

// ─── audit + hub ────────────────────────────────────────────────────────────

type memAudit struct{ l *memLedger }

func (s memAudit) Log(_ context.Context, entry store.AuditEntry) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.audit = append(s.l.audit, entry)
	return nil
}

type recordingHub struct {
	mu       sync.Mutex
	balances map[string][]websocket.BalanceUpdate
	events   map[string][]websocket.SessionEvent
}

func newRecordingHub() *recordingHub {
	return &recordingHub{
		balances: map[string][]websocket.BalanceUpdate{},
		events:   map[string][]websocket.SessionEvent{},
	}
}

func (h *recordingHub) BroadcastBalance(userID string, update websocket.BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances[userID] = append(h.balances[userID], update)
}

func (h *recordingHub) BroadcastSession(userID string, event websocket.SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[userID] = append(h.events[userID], event)
}

// ─── harness ────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mem      *memLedger
	clock    *fakeClock
	hub      *recordingHub
	ledger   *Ledger
	holds    *HoldManager
	sessions *SessionController
	wallet   *WalletService
	subs     *SubscriptionService
	sweeper  *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := newMemLedger()
	clock := &fakeClock{now: time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)}
	hub := newRecordingHub()
	wallets := memWallets{mem}
	ledger := NewLedger(wallets, memEntries{mem}, models.PlatformUserID)
	holds := NewHoldManager(mem, ledger, wallets, memHolds{mem})
	sessions := NewSessionController(mem, ledger, holds, wallets, memSessions{mem}, memSettings{mem}, memAudit{mem}, hub, SessionConfig{
		CallFeePercent:        decimal.Zero,
		AISessionFeePercent:   decimal.NewFromInt(20),
		DefaultRate:           10,
		DefaultMinimumMinutes: 5,
	})
	sessions.now = clock.Now
	walletSvc := NewWalletService(mem, ledger, wallets, memAudit{mem}, hub)
	subs := NewSubscriptionService(mem, ledger, wallets, memSubs{mem}, memAudit{mem}, hub, SubscriptionConfig{
		FeePercent:   decimal.Zero,
		FailureLimit: 3,
	})
	subs.now = clock.Now
	sweeper := NewSweeper(memSessions{mem}, sessions, holds, SweepConfig{
		PendingTimeout:  5 * time.Minute,
		AcceptedTimeout: 30 * time.Minute,
		MaxDuration:     4 * time.Hour,
		BatchSize:       100,
	})
	sweeper.now = clock.Now
	return &harness{
		mem:      mem,
		clock:    clock,
		hub:      hub,
		ledger:   ledger,
		holds:    holds,
		sessions: sessions,
		wallet:   walletSvc,
		subs:     subs,
		sweeper:  sweeper,
	}
}

// setRate configures one interaction kind for a creator.
func (h *harness) setRate(creatorID string, kind models.SessionKind, rate, minimum int64) {
	h.mem.mu.Lock()
	defer h.mem.mu.Unlock()
	settings := h.mem.settings[creatorID]
	settings.UserID = creatorID
	settings.MinimumMinutes = minimum
	switch kind {
	case models.KindVideoCall:
		settings.VideoCallEnabled, settings.VideoCallRate = true, rate
	case models.KindVoiceCall:
		settings.VoiceCallEnabled, settings.VoiceCallRate = true, rate
	case models.KindAISession:
		settings.AISessionEnabled, settings.AISessionRate = true, rate
	}
	h.mem.settings[creatorID] = settings
}

// activeSession requests, accepts and starts a session.
func (h *harness) activeSession(t *testing.T, payer, payee string, kind models.SessionKind) models.Session {
	t.Helper()
	ctx := context.Background()
	session, err := h.sessions.Request(ctx, RequestInput{PayerID: payer, PayeeID: payee, Kind: kind})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.sessions.Accept(ctx, session.ID, payee); err != nil {
		t.Fatalf("accept: %v", err)
	}
	session, err = h.sessions.Start(ctx, session.ID, payer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return session
}
