package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// Request outcome label values.
const (
	outcomeCompleted  = "completed"
	outcomeFailed     = "failed"
	outcomeCancelled  = "cancelled"
	outcomeTimeout    = "timeout"
	outcomeTerminated = "terminated"
)

var (
	sessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homeboard_dispatch_sessions",
			Help: "Number of worker sessions by lifecycle state.",
		},
		[]string{"state"},
	)

	queuedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeboard_dispatch_queued_messages",
			Help: "Number of messages waiting for a worker to become ready.",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeboard_dispatch_requests_total",
			Help: "Total number of settled requests by outcome.",
		},
		[]string{"outcome"},
	)

	protocolErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeboard_dispatch_protocol_errors_total",
			Help: "Total number of inbound messages dropped because they matched no pending request.",
		},
	)

	workerLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homeboard_dispatch_worker_launch_seconds",
			Help:    "Duration from session initialization to a ready worker channel, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homeboard_dispatch_request_seconds",
			Help:    "Duration from send to settlement, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsByState)
	prometheus.MustRegister(queuedMessages)
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(protocolErrorsTotal)
	prometheus.MustRegister(workerLaunchDuration)
	prometheus.MustRegister(requestDuration)

	for _, s := range []model.SessionState{model.SessionUninitialized, model.SessionInitializing, model.SessionActive} {
		sessionsByState.WithLabelValues(string(s))
	}
	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeCancelled, outcomeTimeout, outcomeTerminated} {
		requestsTotal.WithLabelValues(o)
	}
}
