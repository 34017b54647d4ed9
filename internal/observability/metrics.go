package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "supportcarr", Name: "rescue_transitions_total", Help: "Accepted rescue status transitions"},
		[]string{"to"},
	)
	TransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "rescue_transition_conflicts_total", Help: "Transitions rejected by the status guard"})

	DispatchClaims    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "dispatch_claims_total", Help: "Successful driver claims"})
	DispatchDeclines  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "dispatch_declines_total", Help: "Declined or timed-out offers"})
	DispatchFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "dispatch_failures_total", Help: "Rescues failed with no driver bound"})
	DriversSeen       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "drivers_seen_total", Help: "Distinct drivers that have reported at least one location"})
	BroadcastDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "broadcast_stale_dropped_total", Help: "Location updates dropped by last-writer-wins"})
	BroadcastFanouts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "broadcast_fanouts_total", Help: "Location/ETA updates published to subscribers"})

	SettlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "supportcarr", Name: "settlement_outcomes_total", Help: "Settlement stage outcomes"},
		[]string{"stage", "outcome"},
	)
	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "supportcarr", Name: "gateway_retries_total", Help: "Payment gateway attempts retried after transient failure"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "supportcarr", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supportcarr",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
