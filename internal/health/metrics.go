package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Order lifecycle metrics
var (
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brokerd_orders_created_total",
		Help: "Total number of orders created",
	})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerd_order_transitions_total",
		Help: "Order state transitions by target state",
	}, []string{"to"})

	FillsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brokerd_fills_applied_total",
		Help: "Total number of fills folded into the ledger",
	})

	BufferedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerd_buffered_events",
		Help: "Out-of-sequence broker events waiting for their prerequisite transition",
	})
)

// Dispatcher metrics
var (
	RequestBudget = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerd_request_budget_per_second",
		Help: "Current broker request budget in requests per second",
	})

	RequestTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerd_request_tokens",
		Help: "Request tokens currently available in the bucket",
	})

	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brokerd_pending_requests",
		Help: "Requests waiting for a token by priority class",
	}, []string{"class"})
)

// Stream and reconciliation metrics
var (
	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerd_stream_connected",
		Help: "Whether the broker account stream is connected (0 or 1)",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brokerd_stream_reconnects_total",
		Help: "Total number of account stream reconnections",
	})

	ReconciliationDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brokerd_reconciliation_drift_total",
		Help: "Total number of drift findings recorded by reconciliation",
	})

	EventsPendingPublish = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerd_events_pending_publish",
		Help: "Order events queued for redelivery to the message bus",
	})
)
