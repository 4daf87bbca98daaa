package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports controller activity under the
// <namespace>_controller_ subsystem.
type PrometheusMetrics struct {
	reconcileTotal    *prometheus.CounterVec
	reconcileErrors   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	itemsProcessed    *prometheus.CounterVec
	controllerRunning *prometheus.GaugeVec
	lastReconcileTime *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "prodcast"
	}

	return &PrometheusMetrics{
		reconcileTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconcile_total",
				Help:      "Total number of reconciliations by controller",
			},
			[]string{"controller", "result"},
		),

		reconcileErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconcile_errors_total",
				Help:      "Total number of reconciliation errors by controller",
			},
			[]string{"controller"},
		),

		reconcileDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"controller"},
		),

		itemsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "items_processed_total",
				Help:      "Total number of items processed by controller",
			},
			[]string{"controller"},
		),

		controllerRunning: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "running",
				Help:      "Whether the controller is running (1) or not (0)",
			},
			[]string{"controller"},
		),

		lastReconcileTime: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "last_reconcile_timestamp_seconds",
				Help:      "Unix timestamp of the last reconciliation",
			},
			[]string{"controller"},
		),
	}
}

// RecordReconcile records a reconciliation run.
func (m *PrometheusMetrics) RecordReconcile(controller string, itemsProcessed int, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}

	m.reconcileTotal.WithLabelValues(controller, result).Inc()
	if err != nil {
		m.reconcileErrors.WithLabelValues(controller).Inc()
	}
	m.reconcileDuration.WithLabelValues(controller).Observe(duration.Seconds())

	if itemsProcessed > 0 {
		m.itemsProcessed.WithLabelValues(controller).Add(float64(itemsProcessed))
	}
}

// SetControllerRunning sets whether a controller is running.
func (m *PrometheusMetrics) SetControllerRunning(controller string, running bool) {
	val := 0.0
	if running {
		val = 1.0
	}
	m.controllerRunning.WithLabelValues(controller).Set(val)
}

// SetLastReconcileTime sets the last reconcile timestamp.
func (m *PrometheusMetrics) SetLastReconcileTime(controller string, t time.Time) {
	m.lastReconcileTime.WithLabelValues(controller).Set(float64(t.Unix()))
}

var _ Metrics = (*PrometheusMetrics)(nil)
