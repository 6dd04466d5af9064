package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records settlement saga activity.
type SettlementMetrics struct {
	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tipvault",
				Subsystem: "settlement",
				Name:      "attempts_total",
				Help:      "Total settlement attempts segmented by terminal outcome.",
			}, []string{"outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tipvault",
				Subsystem: "settlement",
				Name:      "failures_total",
				Help:      "Settlement failures segmented by stage and error code.",
			}, []string{"stage", "code"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tipvault",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution for settlement attempts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			settlementReg.attempts,
			settlementReg.duration,
			settlementReg.failures,
		)
	})
	return settlementReg
}

// ObserveOutcome records a terminal settlement outcome and its latency.
func (m *SettlementMetrics) ObserveOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveFailure records a failure at a specific saga stage.
func (m *SettlementMetrics) ObserveFailure(stage, code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage, code).Inc()
}
