package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of open connections per channel
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wsmc_active_connections",
			Help: "Number of open connections per channel",
		},
		[]string{"channel"},
	)

	// AuthResults counts credential submissions by channel and outcome
	AuthResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsmc_auth_results_total",
			Help: "Credential submissions by channel and outcome",
		},
		[]string{"channel", "result"},
	)

	// AdmissionTimeouts counts connections evicted because they did not authenticate in time
	AdmissionTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsmc_admission_timeouts_total",
			Help: "Connections closed by the admission timer",
		},
		[]string{"channel"},
	)

	// MalformedPayloads counts inbound messages that could not be parsed
	MalformedPayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsmc_malformed_payloads_total",
			Help: "Inbound messages rejected as malformed",
		},
		[]string{"channel"},
	)

	// VerifyLatency tracks the latency of remote credential verification
	VerifyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsmc_verify_latency_seconds",
			Help:    "Latency of remote credential verification",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// Auth outcome labels.
const (
	ResultAuthorized = "authorized"
	ResultRejected   = "rejected"
)
