package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is the point-in-time operational summary.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`

	// ResourcesByState counts managed resources per lifecycle state as of the last poll.
	ResourcesByState map[string]int `json:"resources_by_state"`
	LastPollAt       *time.Time     `json:"last_poll_at,omitempty"`

	AllocationDuration Histogram `json:"allocation_duration"`
	RevocationDuration Histogram `json:"revocation_duration"`

	// LastSweep counts findings per kind in the most recent hot sweep. STUCK_ALLOCATED and
	// STUCK_REVOKING are the leak indicators.
	LastSweep   map[string]int `json:"last_sweep"`
	LastSweepAt *time.Time     `json:"last_sweep_at,omitempty"`

	Workflows    map[string]WorkflowCounters `json:"workflows"`
	RunsInFlight int                         `json:"runs_in_flight"`
}

// Histogram is a cumulative duration histogram in seconds.
type Histogram struct {
	Count   uint64   `json:"count"`
	Sum     float64  `json:"sum_seconds"`
	Buckets []Bucket `json:"buckets"`
}

// Bucket is one cumulative histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// WorkflowCounters are the per-workflow outcome counters.
type WorkflowCounters struct {
	Started            uint64 `json:"started"`
	Completed          uint64 `json:"completed"`
	Compensated        uint64 `json:"compensated"`
	FailedCompensation uint64 `json:"failed_compensation"`
}

// Snapshot reads the collectors back through the registry.
func (e *Emitter) Snapshot() (*Snapshot, error) {
	families, err := e.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	name := func(n string) *dto.MetricFamily {
		return byName[prometheus.BuildFQName(e.cfg.Namespace, "", n)]
	}

	s := &Snapshot{
		TakenAt:          e.now(),
		ResourcesByState: gaugesByLabel(name("resources_by_state"), "state"),
		LastSweep:        gaugesByLabel(name("reconcile_last_sweep_findings"), "kind"),
		Workflows:        make(map[string]WorkflowCounters),
	}
	s.AllocationDuration = histogram(name("resource_allocation_duration_seconds"))
	s.RevocationDuration = histogram(name("resource_revocation_duration_seconds"))

	if mf := name("runs_in_flight"); mf != nil && len(mf.GetMetric()) > 0 {
		s.RunsInFlight = int(mf.GetMetric()[0].GetGauge().GetValue())
	}

	if mf := name("workflow_outcomes_total"); mf != nil {
		for _, m := range mf.GetMetric() {
			wf := label(m, "workflow")
			c := s.Workflows[wf]
			v := uint64(m.GetCounter().GetValue())
			switch label(m, "outcome") {
			case OutcomeStarted:
				c.Started = v
			case OutcomeCompleted:
				c.Completed = v
			case OutcomeCompensated:
				c.Compensated = v
			case OutcomeFailedCompensation:
				c.FailedCompensation = v
			}
			s.Workflows[wf] = c
		}
	}

	e.mu.Lock()
	if !e.lastPollAt.IsZero() {
		t := e.lastPollAt
		s.LastPollAt = &t
	}
	if !e.lastSweepAt.IsZero() {
		t := e.lastSweepAt
		s.LastSweepAt = &t
	}
	e.mu.Unlock()

	return s, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func gaugesByLabel(mf *dto.MetricFamily, key string) map[string]int {
	out := make(map[string]int)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		out[label(m, key)] = int(m.GetGauge().GetValue())
	}
	return out
}

func histogram(mf *dto.MetricFamily) Histogram {
	h := Histogram{Buckets: []Bucket{}}
	if mf == nil || len(mf.GetMetric()) == 0 {
		return h
	}
	ph := mf.GetMetric()[0].GetHistogram()
	h.Count = ph.GetSampleCount()
	h.Sum = ph.GetSampleSum()
	for _, b := range ph.GetBucket() {
		if math.IsInf(b.GetUpperBound(), 1) {
			continue
		}
		h.Buckets = append(h.Buckets, Bucket{UpperBound: b.GetUpperBound(), Count: b.GetCumulativeCount()})
	}
	return h
}
