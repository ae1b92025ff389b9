// Package sim provides in-memory collaborators for tests and for running the service without
// real external systems. All simulators share one ordered call journal and one fault table,
// and deduplicate create calls by idempotency key.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/ispflow/pkg/collaborators"
)

// Call is one journal entry.
type Call struct {
	Seq int
	Op  string
	Key string
	Ref string
	Err error
	At  time.Time
}

// Object is an external object held by a simulator.
type Object struct {
	Ref    string
	Kind   string
	Key    string
	Active bool
	Attrs  map[string]string
}

type fault struct {
	err       error
	remaining int // < 0 means every call
}

// Simulator backs every collaborator with shared in-memory state.
type Simulator struct {
	mu      sync.Mutex
	calls   []Call
	faults  map[string]*fault
	latency map[string]time.Duration
	objects map[string]*Object
	keys    map[string]string
	seq     int
	nextID  int
}

// New creates an empty simulator.
func New() *Simulator {
	return &Simulator{
		faults:  make(map[string]*fault),
		latency: make(map[string]time.Duration),
		objects: make(map[string]*Object),
		keys:    make(map[string]string),
	}
}

// Op joins a collaborator and operation name into the journal/fault key, e.g.
// "cpe.push_config".
func Op(collaborator, operation string) string {
	return collaborator + "." + operation
}

// Set returns a collaborator set backed by the simulator.
func (s *Simulator) Set() collaborators.Set {
	return collaborators.Set{
		Billing:          billing{s},
		RecurringBilling: recurring{s},
		NetworkAuth:      networkAuth{s},
		Address:          address{s},
		PON:              pon{s},
		CPE:              cpe{s},
	}
}

// FailNext makes the next n calls of op return err.
func (s *Simulator) FailNext(op string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, remaining: n}
}

// FailAlways makes every call of op return err until ClearFaults.
func (s *Simulator) FailAlways(op string, err error) {
	s.FailNext(op, err, -1)
}

// ClearFaults removes every injected fault.
func (s *Simulator) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*fault)
}

// SetLatency delays every call of op by d, honouring context cancellation.
func (s *Simulator) SetLatency(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[op] = d
}

// Calls returns a copy of the journal.
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Succeeded returns the ops of successful calls in order.
func (s *Simulator) Succeeded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []string
	for _, c := range s.calls {
		if c.Err == nil {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// Count returns the number of successful calls of op.
func (s *Simulator) Count(op string) int {
	n := 0
	for _, o := range s.Succeeded() {
		if o == op {
			n++
		}
	}
	return n
}

// Index returns the journal sequence of the first successful call of op, or -1.
func (s *Simulator) Index(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Op == op && c.Err == nil {
			return c.Seq
		}
	}
	return -1
}

// Object returns a copy of the object behind ref.
func (s *Simulator) Object(ref string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[ref]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Distinct returns how many objects of kind were ever created.
func (s *Simulator) Distinct(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.objects {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// ActiveCount returns how many objects of kind are still active.
func (s *Simulator) ActiveCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.objects {
		if o.Kind == kind && o.Active {
			n++
		}
	}
	return n
}

// Seed inserts an active object directly, bypassing the journal. It lets tests and demos
// start from an already provisioned subscriber.
func (s *Simulator) Seed(kind, ref string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[ref] = &Object{Ref: ref, Kind: kind, Active: true, Attrs: attrs}
}

// before applies latency and faults for op. It must be called without the lock held.
func (s *Simulator) before(ctx context.Context, op string) error {
	s.mu.Lock()
	d := s.latency[op]
	var err error
	if f, ok := s.faults[op]; ok {
		err = f.err
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				delete(s.faults, op)
			}
		}
	}
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Simulator) record(op, key, ref string, err error) {
	s.seq++
	s.calls = append(s.calls, Call{Seq: s.seq, Op: op, Key: key, Ref: ref, Err: err, At: time.Now()})
}

// create returns the object bound to key, creating it on first use.
func (s *Simulator) create(ctx context.Context, kind, op, key string, attrs map[string]string) (string, error) {
	if err := s.before(ctx, op); err != nil {
		s.mu.Lock()
		s.record(op, key, "", err)
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bound := kind + "|" + key
	if ref, ok := s.keys[bound]; ok {
		s.record(op, key, ref, nil)
		return ref, nil
	}
	s.nextID++
	ref := fmt.Sprintf("%s-%04d", kind, s.nextID)
	s.keys[bound] = ref
	s.objects[ref] = &Object{Ref: ref, Kind: kind, Key: key, Active: true, Attrs: attrs}
	s.record(op, key, ref, nil)
	return ref, nil
}

// deactivate marks ref inactive. Unknown refs fail with a not-found error; repeated calls
// succeed.
func (s *Simulator) deactivate(ctx context.Context, collaborator, kind, op, ref string) error {
	if err := s.before(ctx, op); err != nil {
		s.mu.Lock()
		s.record(op, "", ref, err)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[ref]
	if !ok || o.Kind != kind {
		err := collaborators.NotFound(collaborator, ref)
		s.record(op, "", ref, err)
		return err
	}
	o.Active = false
	s.record(op, "", ref, nil)
	return nil
}

// touch records a call that has no state effect beyond the journal.
func (s *Simulator) touch(ctx context.Context, op, ref string, apply func()) error {
	if err := s.before(ctx, op); err != nil {
		s.mu.Lock()
		s.record(op, "", ref, err)
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if apply != nil {
		apply()
	}
	s.record(op, "", ref, nil)
	return nil
}
