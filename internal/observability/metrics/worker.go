package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

const namespace = "quotes"

// WorkerMetrics observes workflow steps, bus delivery and pricing results.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepInFlight prometheus.Gauge
	stepRetries  *prometheus.CounterVec
	callRetries  *prometheus.CounterVec
	eventLag     *prometheus.HistogramVec
	quoteTotals  *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stepTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "step_runs_total",
			Help:      "Total finished workflow step runs by step and status.",
		},
		[]string{"service", "step", "status"},
	)
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "step_run_duration_seconds",
			Help:      "Workflow step run duration in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "step", "status"},
	)
	stepInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "step_runs_in_flight",
			Help:      "Number of workflow step runs in progress.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	stepRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "step_retries_total",
			Help:      "Total workflow step attempts that failed and were retried.",
		},
		[]string{"service", "step"},
	)
	callRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "retries_total",
			Help:      "Total retried calls to external dependencies by operation.",
		},
		[]string{"service", "operation"},
	)
	eventLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "event_lag_seconds",
			Help:      "Delay between event publication and delivery to the worker.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"service", "event"},
	)
	quoteTotals := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "quote_total",
			Help:      "Distribution of computed quote totals by currency.",
			Buckets:   []float64{25, 50, 75, 100, 150, 200, 300, 500, 750, 1000, 2500},
		},
		[]string{"service", "currency"},
	)

	registry.MustRegister(stepTotal, stepDuration, stepInFlight, stepRetries, callRetries, eventLag, quoteTotals)

	return &WorkerMetrics{
		registry:     registry,
		service:      service,
		stepTotal:    stepTotal,
		stepDuration: stepDuration,
		stepInFlight: stepInFlight,
		stepRetries:  stepRetries,
		callRetries:  callRetries,
		eventLag:     eventLag,
		quoteTotals:  quoteTotals,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StepStarted(string) {
	m.stepInFlight.Inc()
}

func (m *WorkerMetrics) StepRetried(stepID string) {
	m.stepRetries.WithLabelValues(m.service, stepID).Inc()
}

func (m *WorkerMetrics) StepFinished(stepID string, status domain.RunStatus, duration time.Duration) {
	m.stepInFlight.Dec()
	m.stepTotal.WithLabelValues(m.service, stepID, string(status)).Inc()
	m.stepDuration.WithLabelValues(m.service, stepID, string(status)).Observe(duration.Seconds())
}

// ObserveRetry matches resilience.Config.OnRetry.
func (m *WorkerMetrics) ObserveRetry(operation string, _ int, _ error) {
	m.callRetries.WithLabelValues(m.service, operation).Inc()
}

func (m *WorkerMetrics) ObserveEventLag(event string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.eventLag.WithLabelValues(m.service, event).Observe(lag.Seconds())
}

func (m *WorkerMetrics) ObserveQuoteTotal(currency string, total float64) {
	if currency == "" {
		currency = "unknown"
	}
	m.quoteTotals.WithLabelValues(m.service, currency).Observe(total)
}
