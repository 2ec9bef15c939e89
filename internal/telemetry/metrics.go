// Package telemetry holds the Prometheus vectors and the zap-backed operation logger.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "studiocredits"

var (
	// LedgerOperationsTotal counts credit engine operations by operation and status.
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Credit ledger operations by operation and status.",
	}, []string{"operation", "status"})

	// LedgerCreditsTotal sums credits moved by successful operations.
	LedgerCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "ledger",
		Name:      "credits_total",
		Help:      "Credits moved by successful ledger operations.",
	}, []string{"operation"})

	// TierLookupFailuresTotal counts tier reads that fell back to the default tier.
	TierLookupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "ledger",
		Name:      "tier_lookup_failures_total",
		Help:      "Tier lookups that degraded to the default tier.",
	})

	// WebhookRequestsTotal counts payment webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GrantRunsTotal counts per-user monthly grant outcomes.
	GrantRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "scheduler",
		Name:      "grant_runs_total",
		Help:      "Monthly grant attempts by outcome.",
	}, []string{"outcome"})

	// HTTPRequestDuration tracks API latency by route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
