package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to record
// RPC activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total RPC requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total RPC errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subledger",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of RPC requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LedgerMetrics tracks invocation outcomes and renewal activity on the host.
type LedgerMetrics struct {
	invocations   *prometheus.CounterVec
	applyLatency  *prometheus.HistogramVec
	renewals      *prometheus.CounterVec
	logFailures   prometheus.Counter
	height        prometheus.Gauge
	eventsEmitted *prometheus.CounterVec
}

// Ledger returns the singleton metrics registry for the ledger host.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "ledger",
				Name:      "invocations_total",
				Help:      "Count of applied invocations segmented by method and status.",
			}, []string{"method", "status"}),
			applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subledger",
				Subsystem: "ledger",
				Name:      "apply_duration_seconds",
				Help:      "Latency distribution for applying a single invocation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Name:      "renewal_outcomes_total",
				Help:      "Count of committed renewal attempts segmented by outcome.",
			}, []string{"outcome"}),
			logFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "subledger",
				Name:      "renewal_log_failures_total",
				Help:      "Count of isolated logging collaborator calls that failed and were reverted.",
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "subledger",
				Subsystem: "ledger",
				Name:      "height",
				Help:      "Current ledger height.",
			}),
			eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subledger",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.invocations,
			ledgerRegistry.applyLatency,
			ledgerRegistry.renewals,
			ledgerRegistry.logFailures,
			ledgerRegistry.height,
			ledgerRegistry.eventsEmitted,
		)
	})
	return ledgerRegistry
}

// ObserveInvocation records the status and latency of an applied invocation.
func (m *LedgerMetrics) ObserveInvocation(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	method = strings.TrimSpace(method)
	if method == "" {
		method = "unknown"
	}
	m.invocations.WithLabelValues(method, status).Inc()
	m.applyLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRenewal counts a committed renewal outcome ("succeeded" or "failed").
func (m *LedgerMetrics) RecordRenewal(outcome string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcome).Inc()
}

// RecordLogFailure counts a reverted logging collaborator call.
func (m *LedgerMetrics) RecordLogFailure() {
	if m == nil {
		return
	}
	m.logFailures.Inc()
}

// SetHeight publishes the current ledger height.
func (m *LedgerMetrics) SetHeight(height uint32) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// RecordEvent counts a committed event by type.
func (m *LedgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}
