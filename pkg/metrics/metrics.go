// Package metrics exposes Prometheus instrumentation for a RoadStack.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Packet-level drop counters, incremented by the RoadStack driver.
	ParseOuterErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raet_parse_outer_errors_total",
			Help: "Total number of packets dropped for outer-parse failure",
		},
	)

	ParseInnerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raet_parse_inner_errors_total",
			Help: "Total number of packets dropped for signature or decryption failure",
		},
	)

	InvalidDestinationTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raet_invalid_destination_total",
			Help: "Total number of packets dropped for destination eid mismatch",
		},
	)

	OversizePacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raet_oversize_packets_total",
			Help: "Total number of datagrams dropped for exceeding UDP_MAX_PACKET_SIZE",
		},
	)

	// Transaction lifecycle.
	TransactionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raet_transactions_started_total",
			Help: "Total number of transactions started by kind and role",
		},
		[]string{"kind", "role"},
	)

	TransactionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raet_transactions_completed_total",
			Help: "Total number of transactions completed by kind and role",
		},
		[]string{"kind", "role"},
	)

	TransactionTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raet_transaction_timeouts_total",
			Help: "Total number of transactions that expired before completion",
		},
		[]string{"kind", "role"},
	)

	ActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raet_active_transactions",
			Help: "Current number of live transactions in the table",
		},
	)

	NacksSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raet_nacks_sent_total",
			Help: "Total number of stale-correspondent nacks sent",
		},
	)

	RetransmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raet_retransmits_total",
			Help: "Total number of packet retransmits by kind",
		},
		[]string{"kind"},
	)

	// Service-loop timing.
	ServiceTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raet_service_tick_duration_seconds",
			Help:    "Time taken by one RoadStack.Service() tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	KeepWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raet_keep_write_duration_seconds",
			Help:    "Time taken to atomically write a keep record",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ParseOuterErrorsTotal,
		ParseInnerErrorsTotal,
		InvalidDestinationTotal,
		OversizePacketsTotal,
		TransactionsStartedTotal,
		TransactionsCompletedTotal,
		TransactionTimeoutsTotal,
		ActiveTransactions,
		NacksSentTotal,
		RetransmitsTotal,
		ServiceTickDuration,
		KeepWriteDuration,
	)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
