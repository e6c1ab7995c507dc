// Package metrics exposes prometheus instrumentation for the backfill pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics is valid and records
// nothing, so callers don't need to branch on whether telemetry is wired.
type Metrics struct {
	apiCalls        *prometheus.CounterVec
	rateLimitEvents *prometheus.CounterVec
	backoffSeconds  *prometheus.CounterVec
	candlesInserted *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	cyclesTotal     prometheus.Counter
}

// New constructs the pipeline metrics and registers them on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_api_calls_total",
			Help: "Provider invocations by provider and classified outcome.",
		}, []string{"provider", "outcome"}),
		rateLimitEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_rate_limit_events_total",
			Help: "Throttled attempts by provider, counted before backoff.",
		}, []string{"provider"}),
		backoffSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_backoff_seconds_total",
			Help: "Cumulative backoff sleep per provider.",
		}, []string{"provider"}),
		candlesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_candles_inserted_total",
			Help: "Candles newly inserted into the store by symbol and timeframe.",
		}, []string{"symbol", "timeframe"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backfill_cycle_duration_seconds",
			Help:    "Wall duration of one orchestrator cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_cycles_total",
			Help: "Orchestrator cycles run.",
		}),
	}
	reg.MustRegister(m.apiCalls, m.rateLimitEvents, m.backoffSeconds, m.candlesInserted, m.cycleDuration, m.cyclesTotal)
	return m
}

// ObserveAPICall records one logical provider invocation and its classified outcome.
func (m *Metrics) ObserveAPICall(provider, outcome string) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(provider, outcome).Inc()
}

// ObserveRateLimit records one throttled attempt and the backoff applied after it.
func (m *Metrics) ObserveRateLimit(provider string, backoff time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitEvents.WithLabelValues(provider).Inc()
	m.backoffSeconds.WithLabelValues(provider).Add(backoff.Seconds())
}

// ObserveInserted records candles newly inserted for a pair.
func (m *Metrics) ObserveInserted(symbol, timeframe string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.candlesInserted.WithLabelValues(symbol, timeframe).Add(float64(count))
}

// ObserveCycle records one completed cycle and its wall duration.
func (m *Metrics) ObserveCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(duration.Seconds())
}
