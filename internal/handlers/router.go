package handlers

import (
	"net/http"

	"coinledger/internal/config"
	"coinledger/internal/db"
	"coinledger/internal/middleware"
	"coinledger/internal/store"
	"coinledger/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Handler struct {
	txRunner      db.TxRunner
	cfg           config.Config
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
	hub           *websocket.Hub
}

func New(txRunner db.TxRunner, cfg config.Config, users UserStore, admin AdminStore, audit AuditStore, transactions TransactionStore, settings SettingsStore, tiers TierStore, sessions SessionService, wallets WalletService, holds HoldService, subscriptions SubscriptionService, sweeper Sweeper, hub *websocket.Hub) *Handler {
	return &Handler{
		txRunner:      txRunner,
		cfg:           cfg,
		users:         users,
		admin:         admin,
		audit:         audit,
		transactions:  transactions,
		settings:      settings,
		tiers:         tiers,
		sessions:      sessions,
		wallets:       wallets,
		holds:         holds,
		subscriptions: subscriptions,
		sweeper:       sweeper,
		hub:           hub,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.With(middleware.Auth(h.cfg.JWTSecret)).Get("/me", h.Me)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/available", h.AvailableBalance)
		r.Get("/wallet/self-check", h.SelfCheck)
		r.Get("/wallet/transactions", h.ListTransactions)
		r.Post("/tips", h.Tip)
		r.Get("/users/username/{username}", h.GetUserByUsername)

		r.Put("/settings", h.UpdateSettings)
		r.Get("/creators/{id}/settings", h.GetCreatorSettings)
		r.Post("/tiers", h.CreateTier)
		r.Get("/tiers/{id}", h.GetTier)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.RequestSession)
			r.Get("/{id}", h.GetSession)
			r.Post("/{id}/accept", h.AcceptSession)
			r.Post("/{id}/reject", h.RejectSession)
			r.Post("/{id}/cancel", h.CancelSession)
			r.Post("/{id}/start", h.StartSession)
			r.Post("/{id}/tick", h.TickSession)
			r.Post("/{id}/end", h.EndSession)
		})

		r.Post("/subscriptions", h.Subscribe)
		r.Get("/subscriptions/{id}", h.GetSubscription)
		r.Post("/subscriptions/{id}/cancel", h.CancelSubscription)
	})
	router.Get("/ws/wallet", h.WSWallet)

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.With(middleware.RequireAdmin(h.admin, store.RoleViewLedger)).Get("/transactions", h.AdminListTransactions)
		r.With(middleware.RequireAdmin(h.admin, store.RoleViewLedger)).Get("/audit", h.ListAuditLogs)
		r.With(middleware.RequireAdmin(h.admin, store.RoleViewLedger)).Get("/reconcile", h.Reconcile)
		r.With(middleware.RequireAdmin(h.admin, store.RoleGrantCoins)).Post("/grants", h.GrantCoins)
		r.With(middleware.RequireAdmin(h.admin, store.RoleRunJobs)).Post("/jobs/sweep", h.RunSweep)
		r.With(middleware.RequireAdmin(h.admin, store.RoleRunJobs)).Post("/jobs/renewals", h.RunRenewals)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/roles/grant", h.GrantRole)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/promote", h.PromoteAdmin)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
