package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"coinledger/internal/auth"
	"coinledger/internal/config"
	"coinledger/internal/db"
	"coinledger/internal/models"
	"coinledger/internal/services"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/jmoiron/sqlx"
)

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubUserStore struct {
	createFn        func(ctx context.Context, tx store.Execer, id, username, email, passwordHash string) error
	getByEmailFn    func(ctx context.Context, email string) (models.User, error)
	getByUsernameFn func(ctx context.Context, username string) (models.User, error)
	getByIDFn       func(ctx context.Context, userID string) (models.User, error)
}

func (s stubUserStore) Create(ctx context.Context, tx store.Execer, id, username, email, passwordHash string) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, id, username, email, passwordHash)
}

func (s stubUserStore) GetByEmail(ctx context.Context, email string) (models.User, error) {
	if s.getByEmailFn == nil {
		return models.User{}, nil
	}
	return s.getByEmailFn(ctx, email)
}

func (s stubUserStore) GetByUsername(ctx context.Context, username string) (models.User, error) {
	if s.getByUsernameFn == nil {
		return models.User{}, nil
	}
	return s.getByUsernameFn(ctx, username)
}

func (s stubUserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	if s.getByIDFn == nil {
		return models.User{}, nil
	}
	return s.getByIDFn(ctx, userID)
}

type stubAdminStore struct {
	isAdminFn     func(ctx context.Context, userID string) (bool, bool, error)
	hasRoleFn     func(ctx context.Context, userID, role string) (bool, error)
	createAdminFn func(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, adminUserID, role string) error
	hasAnyAdminFn func(ctx context.Context) (bool, error)
	listRolesFn   func(ctx context.Context, userID string) ([]string, error)
}

func (s stubAdminStore) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	if s.isAdminFn == nil {
		return false, false, nil
	}
	return s.isAdminFn(ctx, userID)
}

func (s stubAdminStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, userID, role)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, userID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, adminUserID, role)
}

func (s stubAdminStore) HasAnyAdmin(ctx context.Context) (bool, error) {
	if s.hasAnyAdminFn == nil {
		return true, nil
	}
	return s.hasAnyAdminFn(ctx)
}

func (s stubAdminStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	if s.listRolesFn == nil {
		return nil, nil
	}
	return s.listRolesFn(ctx, userID)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, entry store.AuditEntry) error
	listFn func(ctx context.Context, limit, offset int) ([]store.AuditLog, error)
}

func (s stubAuditStore) Log(ctx context.Context, entry store.AuditEntry) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, entry)
}

func (s stubAuditStore) List(ctx context.Context, limit, offset int) ([]store.AuditLog, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, limit, offset)
}

type stubTransactionStore struct {
	listByUserFn func(ctx context.Context, userID string, txType models.TransactionType, limit, offset int) ([]models.Transaction, error)
	listAllFn    func(ctx context.Context, limit, offset int) ([]models.Transaction, error)
	checkUserFn  func(ctx context.Context, userID string) (store.BalanceCheck, error)
	reconcileFn  func(ctx context.Context) ([]store.BalanceCheck, error)
}

func (s stubTransactionStore) ListByUser(ctx context.Context, userID string, txType models.TransactionType, limit, offset int) ([]models.Transaction, error) {
	if s.listByUserFn == nil {
		return nil, nil
	}
	return s.listByUserFn(ctx, userID, txType, limit, offset)
}

func (s stubTransactionStore) ListAll(ctx context.Context, limit, offset int) ([]models.Transaction, error) {
	if s.listAllFn == nil {
		return nil, nil
	}
	return s.listAllFn(ctx, limit, offset)
}

func (s stubTransactionStore) CheckUser(ctx context.Context, userID string) (store.BalanceCheck, error) {
	if s.checkUserFn == nil {
		return store.BalanceCheck{UserID: userID}, nil
	}
	return s.checkUserFn(ctx, userID)
}

func (s stubTransactionStore) Reconcile(ctx context.Context) ([]store.BalanceCheck, error) {
	if s.reconcileFn == nil {
		return nil, nil
	}
	return s.reconcileFn(ctx)
}

type stubSettingsStore struct {
	getFn    func(ctx context.Context, userID string) (models.CreatorSettings, error)
	upsertFn func(ctx context.Context, tx store.Execer, settings models.CreatorSettings) error
}

func (s stubSettingsStore) Get(ctx context.Context, userID string) (models.CreatorSettings, error) {
	if s.getFn == nil {
		return models.CreatorSettings{}, nil
	}
	return s.getFn(ctx, userID)
}

func (s stubSettingsStore) Upsert(ctx context.Context, tx store.Execer, settings models.CreatorSettings) error {
	if s.upsertFn == nil {
		return nil
	}
	return s.upsertFn(ctx, tx, settings)
}

type stubTierStore struct {
	createFn func(ctx context.Context, tx store.Execer, tier models.SubscriptionTier) error
	getFn    func(ctx context.Context, tierID string) (models.SubscriptionTier, error)
}

func (s stubTierStore) CreateTier(ctx context.Context, tx store.Execer, tier models.SubscriptionTier) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, tier)
}

func (s stubTierStore) GetTier(ctx context.Context, tierID string) (models.SubscriptionTier, error) {
	if s.getFn == nil {
		return models.SubscriptionTier{}, nil
	}
	return s.getFn(ctx, tierID)
}

type sessionActionFn func(ctx context.Context, sessionID, actorID string) (models.Session, error)

type stubSessionService struct {
	requestFn func(ctx context.Context, in services.RequestInput) (models.Session, error)
	acceptFn  sessionActionFn
	rejectFn  sessionActionFn
	cancelFn  func(ctx context.Context, sessionID, actorID, reason string) (models.Session, error)
	startFn   sessionActionFn
	endFn     func(ctx context.Context, sessionID, actorID string) (services.SettlementResult, error)
	tickFn    func(ctx context.Context, sessionID, actorID string) (services.TickResult, error)
	getFn     sessionActionFn
	listFn    func(ctx context.Context, userID string, limit, offset int) ([]models.Session, error)
}

func (s stubSessionService) Request(ctx context.Context, in services.RequestInput) (models.Session, error) {
	if s.requestFn == nil {
		return models.Session{}, nil
	}
	return s.requestFn(ctx, in)
}

func (s stubSessionService) Accept(ctx context.Context, sessionID, payeeID string) (models.Session, error) {
	return callSessionAction(ctx, s.acceptFn, sessionID, payeeID)
}

func (s stubSessionService) Reject(ctx context.Context, sessionID, payeeID string) (models.Session, error) {
	return callSessionAction(ctx, s.rejectFn, sessionID, payeeID)
}

func (s stubSessionService) Cancel(ctx context.Context, sessionID, actorID, reason string) (models.Session, error) {
	if s.cancelFn == nil {
		return models.Session{}, nil
	}
	return s.cancelFn(ctx, sessionID, actorID, reason)
}

func (s stubSessionService) Start(ctx context.Context, sessionID, actorID string) (models.Session, error) {
	return callSessionAction(ctx, s.startFn, sessionID, actorID)
}

func (s stubSessionService) End(ctx context.Context, sessionID, actorID string) (services.SettlementResult, error) {
	if s.endFn == nil {
		return services.SettlementResult{}, nil
	}
	return s.endFn(ctx, sessionID, actorID)
}

func (s stubSessionService) Tick(ctx context.Context, sessionID, actorID string) (services.TickResult, error) {
	if s.tickFn == nil {
		return services.TickResult{}, nil
	}
	return s.tickFn(ctx, sessionID, actorID)
}

func (s stubSessionService) Get(ctx context.Context, sessionID, actorID string) (models.Session, error) {
	return callSessionAction(ctx, s.getFn, sessionID, actorID)
}

func (s stubSessionService) List(ctx context.Context, userID string, limit, offset int) ([]models.Session, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, userID, limit, offset)
}

func callSessionAction(ctx context.Context, fn sessionActionFn, sessionID, actorID string) (models.Session, error) {
	if fn == nil {
		return models.Session{ID: sessionID}, nil
	}
	return fn(ctx, sessionID, actorID)
}

type stubWalletService struct {
	walletFn func(ctx context.Context, userID string) (models.Wallet, error)
	tipFn    func(ctx context.Context, req services.TipRequest) (services.TransferResult, error)
	grantFn  func(ctx context.Context, req services.GrantRequest) (services.TransferResult, error)
}

func (s stubWalletService) Wallet(ctx context.Context, userID string) (models.Wallet, error) {
	if s.walletFn == nil {
		return models.Wallet{UserID: userID}, nil
	}
	return s.walletFn(ctx, userID)
}

func (s stubWalletService) Tip(ctx context.Context, req services.TipRequest) (services.TransferResult, error) {
	if s.tipFn == nil {
		return services.TransferResult{}, nil
	}
	return s.tipFn(ctx, req)
}

func (s stubWalletService) Grant(ctx context.Context, req services.GrantRequest) (services.TransferResult, error) {
	if s.grantFn == nil {
		return services.TransferResult{}, nil
	}
	return s.grantFn(ctx, req)
}

type stubHoldService struct {
	availableFn func(ctx context.Context, userID string) (int64, error)
}

func (s stubHoldService) AvailableBalance(ctx context.Context, userID string) (int64, error) {
	if s.availableFn == nil {
		return 0, nil
	}
	return s.availableFn(ctx, userID)
}

type stubSubscriptionService struct {
	subscribeFn func(ctx context.Context, userID, tierID string) (models.Subscription, error)
	cancelFn    func(ctx context.Context, subscriptionID, userID string) (models.Subscription, error)
	getFn       func(ctx context.Context, subscriptionID, userID string) (models.Subscription, error)
	renewalsFn  func(ctx context.Context) (services.RenewalSummary, error)
}

func (s stubSubscriptionService) Subscribe(ctx context.Context, userID, tierID string) (models.Subscription, error) {
	if s.subscribeFn == nil {
		return models.Subscription{}, nil
	}
	return s.subscribeFn(ctx, userID, tierID)
}

func (s stubSubscriptionService) CancelSubscription(ctx context.Context, subscriptionID, userID string) (models.Subscription, error) {
	if s.cancelFn == nil {
		return models.Subscription{}, nil
	}
	return s.cancelFn(ctx, subscriptionID, userID)
}

func (s stubSubscriptionService) Get(ctx context.Context, subscriptionID, userID string) (models.Subscription, error) {
	if s.getFn == nil {
		return models.Subscription{}, nil
	}
	return s.getFn(ctx, subscriptionID, userID)
}

func (s stubSubscriptionService) ProcessRenewals(ctx context.Context) (services.RenewalSummary, error) {
	if s.renewalsFn == nil {
		return services.RenewalSummary{}, nil
	}
	return s.renewalsFn(ctx)
}

type stubSweeper struct {
	runFn func(ctx context.Context) services.SweepReport
}

func (s stubSweeper) Run(ctx context.Context) services.SweepReport {
	if s.runFn == nil {
		return services.SweepReport{}
	}
	return s.runFn(ctx)
}

// testDeps carries the collaborators a test cares about. Anything left nil is
// replaced by an empty stub.
type testDeps struct {
	txRunner      db.TxRunner
	users         UserStore
	admin         AdminStore
	audit         AuditStore
	transactions  TransactionStore
	settings      SettingsStore
	tiers         TierStore
	sessions      SessionService
	wallets       WalletService
	holds         HoldService
	subscriptions SubscriptionService
	sweeper       Sweeper
}

func newTestHandler(d testDeps) *Handler {
	cfg := config.Config{
		AppEnv:                "test",
		Port:                  "0",
		JWTSecret:             "secret",
		TokenTTL:              time.Minute,
		AllowedOrigins:        "*",
		PlatformUserID:        models.PlatformUserID,
		DefaultRate:           10,
		DefaultMinimumMinutes: 5,
	}
	if d.txRunner == nil {
		d.txRunner = fakeTxRunner{}
	}
	if d.users == nil {
		d.users = stubUserStore{}
	}
	if d.admin == nil {
		d.admin = stubAdminStore{}
	}
	if d.audit == nil {
		d.audit = stubAuditStore{}
	}
	if d.transactions == nil {
		d.transactions = stubTransactionStore{}
	}
	if d.settings == nil {
		d.settings = stubSettingsStore{}
	}
	if d.tiers == nil {
		d.tiers = stubTierStore{}
	}
	if d.sessions == nil {
		d.sessions = stubSessionService{}
	}
	if d.wallets == nil {
		d.wallets = stubWalletService{}
	}
	if d.holds == nil {
		d.holds = stubHoldService{}
	}
	if d.subscriptions == nil {
		d.subscriptions = stubSubscriptionService{}
	}
	if d.sweeper == nil {
		d.sweeper = stubSweeper{}
	}
	return New(d.txRunner, cfg, d.users, d.admin, d.audit, d.transactions, d.settings, d.tiers, d.sessions, d.wallets, d.holds, d.subscriptions, d.sweeper, websocket.NewHub())
}

// serve sends a request through the full router. An empty userID sends no
// Authorization header.
func serve(t *testing.T, h *Handler, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, err := auth.GenerateToken("secret", userID, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func stringPtr(value string) *string {
	return &value
}
