package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	transactions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	events       *prometheus.CounterVec
}

type indexerMetrics struct {
	writes *prometheus.CounterVec
}

type gatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics

	indexerMetricsOnce sync.Once
	indexerRegistry    *indexerMetrics
)

// Ledger returns the lazily-initialised registry tracking transaction
// execution in the runtime.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopchain",
				Subsystem: "runtime",
				Name:      "transactions_total",
				Help:      "Submitted transactions segmented by program and outcome.",
			}, []string{"program", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shopchain",
				Subsystem: "runtime",
				Name:      "execution_duration_seconds",
				Help:      "Time spent executing and committing a transaction.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"program"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopchain",
				Subsystem: "runtime",
				Name:      "events_total",
				Help:      "Events emitted by committed transactions segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.transactions,
			ledgerRegistry.latency,
			ledgerRegistry.events,
		)
	})
	return ledgerRegistry
}

// ObserveTransaction records the outcome of one submission. An empty outcome
// is reported as "ok".
func (m *ledgerMetrics) ObserveTransaction(program, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	program = normalizeLabel(program)
	outcome = normalizeLabel(outcome)
	if outcome == "unknown" {
		outcome = "ok"
	}
	m.transactions.WithLabelValues(program, outcome).Inc()
	m.latency.WithLabelValues(program).Observe(elapsed.Seconds())
}

// RecordEvent increments the counter for a committed event type.
func (m *ledgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// Indexer returns the registry tracking writes into the gateway deal index.
func Indexer() *indexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &indexerMetrics{
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopchain",
				Subsystem: "indexer",
				Name:      "writes_total",
				Help:      "Deal events written to the index segmented by type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(indexerRegistry.writes)
	})
	return indexerRegistry
}

// RecordWrite counts one index write for eventType. A nil err is "ok".
func (m *indexerMetrics) RecordWrite(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.writes.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}

// Gateway returns the registry tracking REST gateway traffic.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopchain",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Gateway requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shopchain",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shopchain",
				Subsystem: "gateway",
				Name:      "throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttle,
		)
	})
	return gatewayRegistry
}

// Observe records a finished gateway request.
func (m *gatewayMetrics) Observe(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	m.requests.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordThrottle counts a request rejected by rate limiting.
func (m *gatewayMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttle.WithLabelValues(normalizeLabel(route)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
