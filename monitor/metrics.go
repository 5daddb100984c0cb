package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-dispatch/messaging"
)

const (
	namespace = "mmate"
	subsystem = "dispatch"
)

// PrometheusRecorder exports dispatch events as Prometheus metrics. It
// implements messaging.MetricsRecorder.
type PrometheusRecorder struct {
	messages        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	activeWorkers   *prometheus.GaugeVec
	transportErrors *prometheus.CounterVec
	breakerState    prometheus.Gauge
}

var _ messaging.MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the dispatch metrics with reg
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_total",
				Help:      "Handler attempt outcomes by message type",
			},
			[]string{"message_type", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "processing_duration_seconds",
				Help:      "Handler attempt duration by message type",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"message_type"},
		),
		activeWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_workers",
				Help:      "Running workers by message type",
			},
			[]string{"message_type"},
		),
		transportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transport_errors_total",
				Help:      "Queue adapter failures that exhausted their retries",
			},
			[]string{"op"},
		),
		breakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_state",
				Help:      "Queue adapter circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
	}
}

// RecordOutcome implements messaging.MetricsRecorder. A dead-lettered
// attempt also reports a failed outcome, so only that one is timed.
func (r *PrometheusRecorder) RecordOutcome(typeID string, outcome messaging.Outcome, duration time.Duration) {
	r.messages.WithLabelValues(typeID, outcome.String()).Inc()
	if outcome != messaging.OutcomeDeadLettered {
		r.duration.WithLabelValues(typeID).Observe(duration.Seconds())
	}
}

// WorkerStarted implements messaging.MetricsRecorder
func (r *PrometheusRecorder) WorkerStarted(typeID string) {
	r.activeWorkers.WithLabelValues(typeID).Inc()
}

// WorkerStopped implements messaging.MetricsRecorder
func (r *PrometheusRecorder) WorkerStopped(typeID string) {
	r.activeWorkers.WithLabelValues(typeID).Dec()
}

// RecordTransportError implements messaging.MetricsRecorder
func (r *PrometheusRecorder) RecordTransportError(op string) {
	r.transportErrors.WithLabelValues(op).Inc()
}

// ObserveBreakerState can be passed as breaker.Settings.OnStateChange
func (r *PrometheusRecorder) ObserveBreakerState(_, to gobreaker.State) {
	r.breakerState.Set(float64(to))
}
