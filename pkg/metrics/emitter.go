// Package metrics provides the emitter behind the point-in-time operational snapshot:
// resources per lifecycle state, allocation and revocation durations, the leak indicators
// of the last reconciliation sweep and per-workflow outcome counters. It polls resource
// counts on its own timer, independently of the sweeps and of the engine.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/reconcile"
	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// Workflow outcome labels.
const (
	OutcomeStarted            = "started"
	OutcomeCompleted          = "completed"
	OutcomeCompensated        = "compensated"
	OutcomeFailedCompensation = "failed_compensation"
)

// Config tunes the emitter.
type Config struct {
	// Namespace prefixes every series.
	Namespace string `yaml:"namespace" json:"namespace"`

	// Interval is how often resource counts are polled.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Buckets are the duration histogram buckets in seconds.
	Buckets []float64 `yaml:"buckets" json:"buckets"`
}

// DefaultConfig returns a 15s poll interval.
func DefaultConfig() Config {
	return Config{
		Namespace: "ispflow",
		Interval:  15 * time.Second,
		// Allocation spans seconds to minutes; revocation may wait for a sweep.
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 16),
	}
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithRegistry registers the collectors on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(e *Emitter) { e.registry = reg }
}

// WithTelemetry sets the logger.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Emitter) { e.tel = t }
}

// WithClock overrides the clock used for the snapshot timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// Emitter collects the snapshot series. It observes the engine, the lifecycle machine and
// the reconciliation controller.
type Emitter struct {
	cfg       Config
	resources lifecycle.Querier
	registry  *prometheus.Registry
	tel       *telemetry.Telemetry
	log       zerolog.Logger
	now       func() time.Time

	resourcesByState   *prometheus.GaugeVec
	allocationDuration prometheus.Histogram
	revocationDuration prometheus.Histogram
	lastSweep          *prometheus.GaugeVec
	workflowOutcomes   *prometheus.CounterVec
	runsInFlight       prometheus.Gauge

	mu          sync.Mutex
	revokingAt  map[string]time.Time
	inFlight    map[string]struct{}
	lastSweepAt time.Time
	lastPollAt  time.Time
}

// New creates an emitter polling resources, registering its collectors.
func New(resources lifecycle.Querier, cfg Config, opts ...Option) (*Emitter, error) {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = def.Buckets
	}

	e := &Emitter{
		cfg:        cfg,
		resources:  resources,
		now:        time.Now,
		revokingAt: make(map[string]time.Time),
		inFlight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	if e.tel == nil {
		e.tel = telemetry.Nop()
	}
	e.log = e.tel.Component("metrics")

	ns := cfg.Namespace
	e.resourcesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "resources_by_state",
			Help:      "Managed resources per lifecycle state",
		},
		[]string{"state"},
	)
	e.allocationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "resource_allocation_duration_seconds",
		Help:      "Time from resource creation to ACTIVE",
		Buckets:   cfg.Buckets,
	})
	e.revocationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "resource_revocation_duration_seconds",
		Help:      "Time from REVOKING to REVOKED",
		Buckets:   cfg.Buckets,
	})
	e.lastSweep = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "reconcile_last_sweep_findings",
			Help:      "Findings of the most recent hot sweep per kind",
		},
		[]string{"kind"},
	)
	e.workflowOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "workflow_outcomes_total",
			Help:      "Workflow runs by outcome",
		},
		[]string{"workflow", "outcome"},
	)
	e.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "runs_in_flight",
		Help:      "Runs started and not yet terminal in this process",
	})

	for _, c := range []prometheus.Collector{
		e.resourcesByState,
		e.allocationDuration,
		e.revocationDuration,
		e.lastSweep,
		e.workflowOutcomes,
		e.runsInFlight,
	} {
		if err := e.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics collector: %w", err)
		}
	}

	for _, s := range lifecycle.States {
		e.resourcesByState.WithLabelValues(string(s))
	}
	for _, k := range []reconcile.Kind{reconcile.KindStuckAllocated, reconcile.KindStuckRevoking, reconcile.KindOrphanedRun} {
		e.lastSweep.WithLabelValues(string(k))
	}
	return e, nil
}

// Registry returns the registry holding the emitter collectors.
func (e *Emitter) Registry() *prometheus.Registry {
	return e.registry
}

// Run polls resource counts immediately and then on every interval until ctx is done.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.cfg.Interval).Msg("Metrics emitter started")
	for {
		if err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("Failed to poll resource counts")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll refreshes the resources-per-state gauges.
func (e *Emitter) Poll(ctx context.Context) error {
	if e.resources == nil {
		return nil
	}
	counts, err := e.resources.CountResourcesByState(ctx)
	if err != nil {
		return fmt.Errorf("failed to count resources: %w", err)
	}
	for _, s := range lifecycle.States {
		e.resourcesByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	e.mu.Lock()
	e.lastPollAt = e.now()
	e.mu.Unlock()
	return nil
}

// OnRunStarted implements engine.Observer.
func (e *Emitter) OnRunStarted(run *engine.WorkflowRun) {
	e.workflowOutcomes.WithLabelValues(run.Workflow, OutcomeStarted).Inc()

	e.mu.Lock()
	e.inFlight[run.ID] = struct{}{}
	e.runsInFlight.Set(float64(len(e.inFlight)))
	e.mu.Unlock()
}

// OnStepFinished implements engine.Observer.
func (e *Emitter) OnStepFinished(*engine.WorkflowRun, *engine.StepExecution, time.Duration) {}

// OnRunFinished implements engine.Observer.
func (e *Emitter) OnRunFinished(run *engine.WorkflowRun, _ time.Duration) {
	var outcome string
	switch run.Phase {
	case engine.PhaseCompleted:
		outcome = OutcomeCompleted
	case engine.PhaseCompensated:
		outcome = OutcomeCompensated
	case engine.PhaseFailedCompensation:
		outcome = OutcomeFailedCompensation
	default:
		return
	}
	e.workflowOutcomes.WithLabelValues(run.Workflow, outcome).Inc()

	// Runs rejected before starting, or resumed after a restart, were never counted.
	e.mu.Lock()
	delete(e.inFlight, run.ID)
	e.runsInFlight.Set(float64(len(e.inFlight)))
	e.mu.Unlock()
}

// OnTransition implements lifecycle.Observer.
func (e *Emitter) OnTransition(r *lifecycle.Resource, t lifecycle.Transition) {
	switch {
	case t.From == lifecycle.StateAllocated && t.To == lifecycle.StateActive:
		e.allocationDuration.Observe(t.At.Sub(r.CreatedAt).Seconds())

	case t.To == lifecycle.StateRevoking:
		e.mu.Lock()
		e.revokingAt[r.ID] = t.At
		e.mu.Unlock()

	case t.From == lifecycle.StateRevoking:
		e.mu.Lock()
		began, ok := e.revokingAt[r.ID]
		delete(e.revokingAt, r.ID)
		e.mu.Unlock()
		// Revocations begun before this process started are not timed.
		if ok && t.To == lifecycle.StateRevoked {
			e.revocationDuration.Observe(t.At.Sub(began).Seconds())
		}
	}
}

// RecordSweep implements reconcile.SweepObserver. The gauges hold the counts of the last
// sweep only.
func (e *Emitter) RecordSweep(findings []reconcile.Finding) {
	counts := map[reconcile.Kind]int{
		reconcile.KindStuckAllocated: 0,
		reconcile.KindStuckRevoking:  0,
		reconcile.KindOrphanedRun:    0,
	}
	for _, f := range findings {
		counts[f.Kind]++
	}
	for k, n := range counts {
		e.lastSweep.WithLabelValues(string(k)).Set(float64(n))
	}

	e.mu.Lock()
	e.lastSweepAt = e.now()
	e.mu.Unlock()
}
