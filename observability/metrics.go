package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StrategyMetrics records strategy operation activity for the RPC surface.
type StrategyMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	payouts  prometheus.Counter
	refunds  prometheus.Counter
}

var (
	strategyMetricsOnce sync.Once
	strategyRegistry    *StrategyMetrics
)

// Strategy returns the lazily-initialised metrics registry used to record
// strategy module activity.
func Strategy() *StrategyMetrics {
	strategyMetricsOnce.Do(func() {
		strategyRegistry = &StrategyMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantpool",
				Subsystem: "strategy",
				Name:      "requests_total",
				Help:      "Total strategy operations segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantpool",
				Subsystem: "strategy",
				Name:      "errors_total",
				Help:      "Total strategy operation failures segmented by method.",
			}, []string{"method"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "grantpool",
				Subsystem: "strategy",
				Name:      "request_duration_seconds",
				Help:      "Strategy operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			payouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grantpool",
				Subsystem: "strategy",
				Name:      "milestone_payouts_total",
				Help:      "Total milestone payouts executed.",
			}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grantpool",
				Subsystem: "strategy",
				Name:      "abort_refunds_total",
				Help:      "Total abort-vote refund sweeps executed.",
			}),
		}
		prometheus.MustRegister(
			strategyRegistry.requests,
			strategyRegistry.errors,
			strategyRegistry.latency,
			strategyRegistry.payouts,
			strategyRegistry.refunds,
		)
	})
	return strategyRegistry
}

// Observe records one operation with its duration and outcome.
func (m *StrategyMetrics) Observe(method string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(method).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// MilestonePaid counts a completed milestone payout.
func (m *StrategyMetrics) MilestonePaid() {
	if m == nil {
		return
	}
	m.payouts.Inc()
}

// AbortRefunded counts a completed abort refund sweep.
func (m *StrategyMetrics) AbortRefunded() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}
