package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	pruned       *prometheus.CounterVec
	openDeposits prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// Ledger returns the lazily-initialised metrics registry tracking ledger
// operations.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ramp",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "ledger",
				Name:      "intents_pruned_total",
				Help:      "Count of reservations removed without settling, by reason.",
			}, []string{"reason"}),
			openDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ramp",
				Subsystem: "ledger",
				Name:      "open_deposits",
				Help:      "Number of deposits currently holding value.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.pruned,
			ledgerRegistry.openDeposits,
		)
	})
	return ledgerRegistry
}

// ObserveOperation records one ledger operation outcome and its duration.
func (m *ledgerMetrics) ObserveOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalizeLabel(operation)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPrune increments the prune counter for the supplied reason.
func (m *ledgerMetrics) RecordPrune(reason string) {
	if m == nil {
		return
	}
	m.pruned.WithLabelValues(normalizeLabel(reason)).Inc()
}

// AddOpenDeposits moves the open deposit gauge by delta.
func (m *ledgerMetrics) AddOpenDeposits(delta float64) {
	if m == nil || delta == 0 {
		return
	}
	m.openDeposits.Add(delta)
}

type rpcMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// RPC returns the metrics registry tracking JSON-RPC traffic.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ramp",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one JSON-RPC request.
func (m *rpcMetrics) Observe(method string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	method = normalizeLabel(method)
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
