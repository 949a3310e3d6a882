package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	ScanEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microbotd_scan_events_total",
		Help: "The total number of BLE advertisements matched as microbots",
	}, []string{"result"})

	ActionDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microbotd_action_dispatches_total",
		Help: "The total number of scheduler action dispatches",
	}, []string{"kind", "outcome"})

	ActionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microbotd_action_retries_total",
		Help: "The total number of action retries scheduled",
	}, []string{"kind"})

	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microbotd_reconnect_attempts_total",
		Help: "The total number of reconnect attempts made by the reconnector",
	}, []string{"outcome"})

	// Gauges
	ConnectedMicrobots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microbotd_connected_microbots",
		Help: "The current number of connected microbots",
	})

	KnownMicrobots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microbotd_known_microbots",
		Help: "The current number of microbots tracked by the registry",
	})

	PendingActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microbotd_pending_actions",
		Help: "The current number of ready-or-scheduled actions in the queue",
	})

	// Histograms
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "microbotd_action_dispatch_latency_seconds",
		Help:    "Latency of one scheduler action dispatch, including BLE I/O",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"kind"})
)

// Outcome constants used as the "outcome" label value across counters.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// Scan result labels.
const (
	ScanResultMatched   = "matched"
	ScanResultFiltered  = "filtered"
)

// IncScanEvent records one scan-loop classification.
func IncScanEvent(result string) {
	ScanEvents.WithLabelValues(result).Inc()
}

// ObserveDispatch records one scheduler dispatch's outcome and latency.
func ObserveDispatch(kind, outcome string, seconds float64) {
	ActionDispatches.WithLabelValues(kind, outcome).Inc()
	DispatchLatency.WithLabelValues(kind).Observe(seconds)
}

// IncActionRetry records a scheduled retry for an action kind.
func IncActionRetry(kind string) {
	ActionRetries.WithLabelValues(kind).Inc()
}

// IncReconnectAttempt records one reconnector attempt's outcome.
func IncReconnectAttempt(outcome string) {
	ReconnectAttempts.WithLabelValues(outcome).Inc()
}

// SetConnectedMicrobots sets the connected-device gauge.
func SetConnectedMicrobots(count int) {
	ConnectedMicrobots.Set(float64(count))
}

// SetKnownMicrobots sets the known-device gauge.
func SetKnownMicrobots(count int) {
	KnownMicrobots.Set(float64(count))
}

// SetPendingActions sets the pending-action-count gauge.
func SetPendingActions(count int) {
	PendingActions.Set(float64(count))
}
