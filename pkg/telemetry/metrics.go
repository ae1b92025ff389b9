package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides the operational Prometheus series of the orchestration service.
// A zero or disabled Metrics is safe to use; every recorder is a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	compensations *prometheus.CounterVec

	// Collaborator metrics
	collaboratorCalls    *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec
	collaboratorErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Lock metrics
	lockConflicts *prometheus.CounterVec

	// Reconciliation metrics
	findings      *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	runsPurged    prometheus.Counter

	// System metrics
	activeRuns prometheus.Gauge
	queuedRuns prometheus.Gauge

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
	// Runs and collaborator calls can legitimately take tens of seconds.
	slowBuckets := prometheus.ExponentialBuckets(0.05, 2, 12)

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of workflow runs that reached a terminal phase",
			},
			[]string{"workflow", "phase"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   slowBuckets,
			},
			[]string{"workflow", "phase"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of forward step executions by outcome",
			},
			[]string{"workflow", "step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of forward step executions including retries",
				Buckets:   slowBuckets,
			},
			[]string{"workflow", "step"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries after transient failures",
			},
			[]string{"workflow", "step", "kind"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating actions by outcome",
			},
			[]string{"workflow", "step", "status"},
		),

		collaboratorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_calls_total",
				Help:      "Total number of external collaborator calls",
			},
			[]string{"collaborator", "operation"},
		),
		collaboratorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collaborator_call_duration_seconds",
				Help:      "Duration of external collaborator calls in seconds",
				Buckets:   buckets,
			},
			[]string{"collaborator", "operation"},
		),
		collaboratorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_errors_total",
				Help:      "Total number of external collaborator errors",
			},
			[]string{"collaborator", "operation", "class"},
		),

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

		lockConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Total number of starts rejected because the target lock was held",
			},
			[]string{"workflow"},
		),

		findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_findings_total",
				Help:      "Total number of reconciliation findings by kind and action",
			},
			[]string{"kind", "action"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_check_duration_seconds",
				Help:      "Duration of reconciliation checks in seconds",
				Buckets:   buckets,
			},
			[]string{"check"},
		),
		runsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_purged_total",
				Help:      "Total number of terminal runs archived and purged from hot storage",
			},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs executing in this process",
			},
		),
		queuedRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_runs",
				Help:      "Current number of runs waiting for a worker",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.compensations,
		m.collaboratorCalls,
		m.collaboratorDuration,
		m.collaboratorErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.lockConflicts,
		m.findings,
		m.sweepDuration,
		m.runsPurged,
		m.activeRuns,
		m.queuedRuns,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Namespace returns the configured metrics namespace.
func (m *Metrics) Namespace() string {
	if m == nil {
		return ""
	}
	return m.config.Namespace
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records a run reaching a terminal phase.
func (m *Metrics) RecordRunFinished(workflow, phase string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsFinished.WithLabelValues(workflow, phase).Inc()
	m.runDuration.WithLabelValues(workflow, phase).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordRunResumed tracks a run re-driven after an interruption as active again.
func (m *Metrics) RecordRunResumed(workflow string) {
	if !m.enabled() {
		return
	}
	m.activeRuns.Inc()
}

// Step Metrics

// RecordStepExecution records the outcome of a forward step.
func (m *Metrics) RecordStepExecution(workflow, step, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(workflow, step, status).Inc()
	m.stepDuration.WithLabelValues(workflow, step).Observe(duration.Seconds())
}

// RecordStepRetry records a retry. kind is "forward" or "compensate".
func (m *Metrics) RecordStepRetry(workflow, step, kind string) {
	if !m.enabled() {
		return
	}
	m.stepRetries.WithLabelValues(workflow, step, kind).Inc()
}

// RecordCompensation records the outcome of a compensating action.
func (m *Metrics) RecordCompensation(workflow, step, status string) {
	if !m.enabled() {
		return
	}
	m.compensations.WithLabelValues(workflow, step, status).Inc()
}

// Collaborator Metrics

// RecordCollaboratorCall records an external collaborator call with its duration.
func (m *Metrics) RecordCollaboratorCall(collaborator, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.collaboratorCalls.WithLabelValues(collaborator, operation).Inc()
	m.collaboratorDuration.WithLabelValues(collaborator, operation).Observe(duration.Seconds())
}

// RecordCollaboratorError records an external collaborator error.
func (m *Metrics) RecordCollaboratorError(collaborator, operation, class string) {
	if !m.enabled() {
		return
	}
	m.collaboratorErrors.WithLabelValues(collaborator, operation, class).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordLockConflict records a start rejected with a concurrent run conflict.
func (m *Metrics) RecordLockConflict(workflow string) {
	if !m.enabled() {
		return
	}
	m.lockConflicts.WithLabelValues(workflow).Inc()
}

// Reconciliation Metrics

// RecordFinding records a reconciliation finding.
func (m *Metrics) RecordFinding(kind, action string) {
	if !m.enabled() {
		return
	}
	m.findings.WithLabelValues(kind, action).Inc()
}

// RecordCheckDuration records how long a reconciliation check took.
func (m *Metrics) RecordCheckDuration(check string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sweepDuration.WithLabelValues(check).Observe(duration.Seconds())
}

// RecordRunsPurged adds to the purged runs counter.
func (m *Metrics) RecordRunsPurged(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.runsPurged.Add(float64(n))
}

// System Metrics

// SetQueuedRuns sets the current number of queued runs.
func (m *Metrics) SetQueuedRuns(count float64) {
	if !m.enabled() {
		return
	}
	m.queuedRuns.Set(count)
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint on the dedicated listen address until ctx is
// done. It returns immediately when no dedicated address is configured.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
