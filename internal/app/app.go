// Package app wires stores and services for the server and worker binaries.
package app

import (
	"coinledger/internal/config"
	"coinledger/internal/db"
	"coinledger/internal/services"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/jmoiron/sqlx"
)

type App struct {
	TxRunner db.TxRunner
	Hub      *websocket.Hub

	Users        *store.UserStore
	Admin        *store.AdminStore
	Audit        *store.AuditStore
	Transactions *store.TransactionStore
	Settings     *store.SettingsStore
	Subs         *store.SubscriptionStore

	Ledger        *services.Ledger
	Holds         *services.HoldManager
	Sessions      *services.SessionController
	Wallets       *services.WalletService
	Subscriptions *services.SubscriptionService
	Sweeper       *services.Sweeper
}

func Build(cfg config.Config, database *sqlx.DB) *App {
	txRunner := db.NewTxRunner(database)
	hub := websocket.NewHub()

	wallets := store.NewWalletStore(database)
	entries := store.NewLedgerStore(database)
	holds := store.NewHoldStore(database)
	sessions := store.NewSessionStore(database)
	settings := store.NewSettingsStore(database)
	subs := store.NewSubscriptionStore(database)
	audit := store.NewAuditStore(database)

	ledger := services.NewLedger(wallets, entries, cfg.PlatformUserID)
	holdManager := services.NewHoldManager(txRunner, ledger, wallets, holds)
	controller := services.NewSessionController(txRunner, ledger, holdManager, wallets, sessions, settings, audit, hub, services.SessionConfig{
		CallFeePercent:        cfg.CallFeePercent,
		AISessionFeePercent:   cfg.AISessionFeePercent,
		DefaultRate:           cfg.DefaultRate,
		DefaultMinimumMinutes: cfg.DefaultMinimumMinutes,
	})

	return &App{
		TxRunner:     txRunner,
		Hub:          hub,
		Users:        store.NewUserStore(database),
		Admin:        store.NewAdminStore(database),
		Audit:        audit,
		Transactions: store.NewTransactionStore(database),
		Settings:     settings,
		Subs:         subs,

		Ledger:   ledger,
		Holds:    holdManager,
		Sessions: controller,
		Wallets:  services.NewWalletService(txRunner, ledger, wallets, audit, hub),
		Subscriptions: services.NewSubscriptionService(txRunner, ledger, wallets, subs, audit, hub, services.SubscriptionConfig{
			FeePercent:   cfg.SubscriptionFeePercent,
			FailureLimit: cfg.RenewalFailureLimit,
		}),
		Sweeper: services.NewSweeper(sessions, controller, holdManager, services.SweepConfig{
			PendingTimeout:  cfg.PendingTimeout,
			AcceptedTimeout: cfg.AcceptedTimeout,
			MaxDuration:     cfg.MaxSessionDuration,
			BatchSize:       cfg.SweepBatchSize,
		}),
	}
}
