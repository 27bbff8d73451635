package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: сколько занял вердикт (включая чтения фактов)
	VerdictDuration *prometheus.HistogramVec

	// Traffic: вердикты и вызовы жизненного цикла по результату
	VerdictTotal *prometheus.CounterVec

	// Errors: внутренние причины отказа (наружу не отдаются)
	FailureTotal *prometheus.CounterVec

	// Чтения фактов по аксессору и исходу
	FactReads *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker RPC (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		VerdictDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intentguard_verdict_duration_seconds",
			Help:    "Histogram of policy call latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind", "result"}),

		VerdictTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "intentguard_verdicts_total",
			Help: "Total number of policy calls by kind and result.",
		}, []string{"kind", "result"}),

		FailureTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "intentguard_verdict_failures_total",
			Help: "Failed verdicts by internal reason.",
		}, []string{"reason"}),

		FactReads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "intentguard_fact_reads_total",
			Help: "Guarded fact reads by accessor and outcome.",
		}, []string{"accessor", "outcome"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "intentguard_circuit_breaker_state",
			Help: "Current state of the RPC circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "intentguard_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// ObserveVerdict реализует policy.Recorder.
func (m *Metrics) ObserveVerdict(kind, result, reason string, elapsed time.Duration) {
	m.VerdictTotal.WithLabelValues(kind, result).Inc()
	m.VerdictDuration.WithLabelValues(kind, result).Observe(elapsed.Seconds())
	if reason != "" {
		m.FailureTotal.WithLabelValues(reason).Inc()
	}
}

// FactRead реализует facts.ReadObserver.
func (m *Metrics) FactRead(accessor, outcome string) {
	m.FactReads.WithLabelValues(accessor, outcome).Inc()
}

// BreakerStateChanged реализует facts.BreakerObserver.
func (m *Metrics) BreakerStateChanged(name string, state gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
