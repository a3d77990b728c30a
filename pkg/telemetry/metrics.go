package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the fault injection engine.
type Metrics struct {
	config MetricsConfig

	// Submission metrics
	faultsSubmitted     *prometheus.CounterVec
	submissionsRejected *prometheus.CounterVec

	// Lifecycle metrics
	activeFaults  prometheus.Gauge
	faultDuration *prometheus.HistogramVec
	revertsTotal  *prometheus.CounterVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec

	// Reconciliation metrics
	reconcileRuns    prometheus.Counter
	reconcileExpired prometheus.Counter
	reconcileDrift   prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Submission metrics
		faultsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_submitted_total",
				Help:      "Total number of fault requests submitted",
			},
			[]string{"template", "backend"},
		),
		submissionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_rejected_total",
				Help:      "Total number of submissions rejected, by error code",
			},
			[]string{"code"},
		),

		// Lifecycle metrics
		activeFaults: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_faults",
				Help:      "Current number of faults in the ACTIVE state",
			},
		),
		faultDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fault_duration_seconds",
				Help:      "Time faults spent active before revert",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"backend"},
		),
		revertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reverts_total",
				Help:      "Total number of revert operations, by outcome",
			},
			[]string{"outcome"},
		),

		// Adapter metrics
		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of backend adapter calls",
			},
			[]string{"backend", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of backend adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of backend adapter errors",
			},
			[]string{"backend", "operation"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried adapter operations",
			},
			[]string{"operation"},
		),

		// Reconciliation metrics
		reconcileRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of reconciliation passes",
			},
		),
		reconcileExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_expired_total",
				Help:      "Total number of faults reverted because their TTL elapsed",
			},
		),
		reconcileDrift: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_drift_total",
				Help:      "Total number of drift detections during reconciliation",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.faultsSubmitted,
		m.submissionsRejected,
		m.activeFaults,
		m.faultDuration,
		m.revertsTotal,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.retriesTotal,
		m.reconcileRuns,
		m.reconcileExpired,
		m.reconcileDrift,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Submission Metrics

// RecordSubmission increments the counter for submitted fault requests.
func (m *Metrics) RecordSubmission(template, backend string) {
	if m.faultsSubmitted == nil {
		return
	}
	m.faultsSubmitted.WithLabelValues(template, backend).Inc()
}

// RecordRejection records a rejected submission by its error code.
func (m *Metrics) RecordRejection(code string) {
	if m.submissionsRejected == nil {
		return
	}
	m.submissionsRejected.WithLabelValues(code).Inc()
}

// Lifecycle Metrics

// RecordActivation increments the active fault gauge.
func (m *Metrics) RecordActivation() {
	if m.activeFaults == nil {
		return
	}
	m.activeFaults.Inc()
}

// RecordDeactivation decrements the active fault gauge and records how long
// the fault was active.
func (m *Metrics) RecordDeactivation(backend string, activeFor time.Duration) {
	if m.activeFaults == nil {
		return
	}
	m.activeFaults.Dec()
	m.faultDuration.WithLabelValues(backend).Observe(activeFor.Seconds())
}

// RecordRevert records a revert operation outcome
// (reverted, already_gone, failed).
func (m *Metrics) RecordRevert(outcome string) {
	if m.revertsTotal == nil {
		return
	}
	m.revertsTotal.WithLabelValues(outcome).Inc()
}

// Adapter Metrics

// RecordAdapterCall records a backend adapter call with its duration.
func (m *Metrics) RecordAdapterCall(backend, operation string, duration time.Duration) {
	if m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(backend, operation).Inc()
	m.adapterDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordAdapterError records a backend adapter error.
func (m *Metrics) RecordAdapterError(backend, operation string) {
	if m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(backend, operation).Inc()
}

// RecordRetry records a retried adapter operation.
func (m *Metrics) RecordRetry(operation string) {
	if m.retriesTotal == nil {
		return
	}
	m.retriesTotal.WithLabelValues(operation).Inc()
}

// Reconciliation Metrics

// RecordReconcilePass records one reconciliation pass and its findings.
func (m *Metrics) RecordReconcilePass(expired, drifted int) {
	if m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.Inc()
	m.reconcileExpired.Add(float64(expired))
	m.reconcileDrift.Add(float64(drifted))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
