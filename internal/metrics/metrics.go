// Package metrics holds the Prometheus collectors for SMTP pools, sessions,
// message sends and authentication.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics
var (
	SessionsLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtpmail_pool_sessions_live",
			Help: "Sessions currently open or connecting, idle and in use",
		},
		[]string{"pool"},
	)

	SessionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtpmail_pool_sessions_idle",
			Help: "Sessions parked in the idle list",
		},
		[]string{"pool"},
	)

	WaitQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtpmail_pool_wait_queue_length",
			Help: "Callers waiting for a session",
		},
		[]string{"pool"},
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpmail_pool_sessions_created_total",
			Help: "Sessions successfully connected by the pool",
		},
		[]string{"pool"},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpmail_pool_sessions_closed_total",
			Help: "Sessions removed from the pool, by reason",
		},
		[]string{"pool", "reason"},
	)

	AcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpmail_pool_acquire_wait_seconds",
			Help:    "Time spent in Acquire, connecting included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"pool"},
	)
)

// Session close reasons
const (
	ReasonIdle     = "idle"
	ReasonFailed   = "failed"
	ReasonReleased = "released"
	ReasonShutdown = "shutdown"
)

// Delivery metrics
var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpmail_messages_total",
			Help: "Send transactions, by result",
		},
		[]string{"result"},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpmail_auth_attempts_total",
			Help: "SASL authentication attempts, by mechanism and result",
		},
		[]string{"mechanism", "result"},
	)
)

// Send and auth results
const (
	ResultSuccess  = "success"
	ResultPartial  = "partial"
	ResultRejected = "rejected"
	ResultFailure  = "failure"
)
