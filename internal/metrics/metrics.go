// Package metrics holds the Prometheus collectors for the billing engine.
// All collectors register on the default registry; cmd/server exposes them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Holds ──────────────────────────────────────────────────────────────────

var HoldsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "holds",
	Name:      "created_total",
	Help:      "Holds placed against wallets, by purpose.",
}, []string{"purpose"})

var HoldsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "holds",
	Name:      "rejected_total",
	Help:      "Hold attempts refused for insufficient available balance, by purpose.",
}, []string{"purpose"})

var HoldsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "holds",
	Name:      "closed_total",
	Help:      "Holds leaving the active state, by outcome (settled, released).",
}, []string{"outcome"})

// ─── Sessions ───────────────────────────────────────────────────────────────

var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "sessions",
	Name:      "transitions_total",
	Help:      "Metered session state transitions, by kind and target status.",
}, []string{"kind", "status"})

var CoinsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "sessions",
	Name:      "coins_settled_total",
	Help:      "Coins debited from payers by session settlement and ticks, by kind.",
}, []string{"kind"})

var SettlementsCapped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "sessions",
	Name:      "capped_total",
	Help:      "Settlements whose charge was capped to the payer's balance, by kind.",
}, []string{"kind"})

var SettlementReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "sessions",
	Name:      "replays_total",
	Help:      "End or tick calls detected as idempotent replays.",
})

// ─── Renewals & sweeps ──────────────────────────────────────────────────────

var Renewals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "subscriptions",
	Name:      "renewals_total",
	Help:      "Subscription renewal attempts, by result (succeeded, failed, cancelled).",
}, []string{"result"})

var SweepCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "sweeper",
	Name:      "cleaned_total",
	Help:      "Sessions and orphaned holds resolved by the cleanup sweeper, by sweep.",
}, []string{"sweep"})

var SweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "sweeper",
	Name:      "failures_total",
	Help:      "Individual sweep items that failed and were skipped, by sweep.",
}, []string{"sweep"})

// ─── Database ───────────────────────────────────────────────────────────────

var TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "db",
	Name:      "tx_retries_total",
	Help:      "Serializable transactions retried after a conflict, by SQLSTATE.",
}, []string{"code"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

var RequestsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coinledger",
	Subsystem: "http",
	Name:      "denied_total",
	Help:      "Requests refused by the auth and admin middleware, by reason.",
}, []string{"reason"})
