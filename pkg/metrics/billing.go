package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics records scheduler tick activity and billing outcomes.
type BillingMetrics struct {
	tickDuration *prometheus.HistogramVec
	executions   *prometheus.CounterVec
	claimed      prometheus.Gauge
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	tickDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_tick_duration_seconds",
		Help:    "Duration of billing scheduler ticks in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_executions_total",
		Help: "Billing schedule executions by outcome.",
	}, []string{"outcome"})
	claimed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "billing_claimed_schedules",
		Help: "Schedules claimed by the current tick.",
	})
	reg.MustRegister(tickDuration, executions, claimed)
	return &BillingMetrics{
		tickDuration: tickDuration,
		executions:   executions,
		claimed:      claimed,
	}
}

// ObserveTickDuration records the duration of one scheduler tick.
func (b *BillingMetrics) ObserveTickDuration(worker string, duration time.Duration) {
	if b == nil || b.tickDuration == nil {
		return
	}
	b.tickDuration.WithLabelValues(normalizeLabel(worker)).Observe(duration.Seconds())
}

// IncExecution increments the execution counter for the given outcome.
func (b *BillingMetrics) IncExecution(outcome string) {
	if b == nil || b.executions == nil {
		return
	}
	b.executions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// SetClaimed records how many schedules the current tick claimed.
func (b *BillingMetrics) SetClaimed(count int) {
	if b == nil || b.claimed == nil {
		return
	}
	b.claimed.Set(float64(count))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
