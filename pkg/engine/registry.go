package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payload is the result of a step action. Its entries are merged into the run context.
type Payload map[string]interface{}

// Action is a forward or compensating step action.
type Action func(ctx context.Context, sc *StepContext) (Payload, error)

// StepContext is handed to every action invocation.
type StepContext struct {
	RunID          string
	Workflow       string
	TenantID       string
	TargetID       string
	Step           string
	IdempotencyKey string

	// Attempt is the 1-based attempt number of the current invocation.
	Attempt int

	// Data is a copy of the run context at the time of the invocation.
	Data map[string]interface{}
}

// String returns the context value for key as a string, or "" when absent.
func (sc *StepContext) String(key string) string {
	v, ok := sc.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the context value for key as an int, or def when absent or not numeric.
// JSON round trips turn numbers into float64, so both are accepted.
func (sc *StepContext) Int(key string, def int) int {
	switch v := sc.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// StepSpec is a registry entry: a forward action paired with its compensation.
type StepSpec struct {
	Name       string
	Forward    Action
	Compensate Action

	// BestEffortCompensation marks compensation failures as warnings that do not block the
	// run from reaching COMPENSATED.
	BestEffortCompensation bool

	// ContinueOnFailure records a forward failure and proceeds with the next step instead
	// of compensating.
	ContinueOnFailure bool

	// Timeout bounds a single attempt. Zero uses the engine default.
	Timeout time.Duration

	// Retry overrides the engine's forward retry policy.
	Retry *RetryPolicy
}

// StepOption configures a StepSpec at registration.
type StepOption func(*StepSpec)

// BestEffortCompensation marks the step's compensation as best-effort.
func BestEffortCompensation() StepOption {
	return func(s *StepSpec) { s.BestEffortCompensation = true }
}

// ContinueOnFailure lets the run proceed past a failed forward action.
func ContinueOnFailure() StepOption {
	return func(s *StepSpec) { s.ContinueOnFailure = true }
}

// WithStepTimeout sets the per-attempt timeout.
func WithStepTimeout(d time.Duration) StepOption {
	return func(s *StepSpec) { s.Timeout = d }
}

// WithRetry overrides the forward retry policy for the step.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *StepSpec) { s.Retry = &p }
}

// DefaultKeyTemplate renders to "<run id>:<step name>" before hashing.
const DefaultKeyTemplate = "{run_id}:{step}"

// Definition is an immutable, ordered workflow built from registry entries.
type Definition struct {
	name        string
	description string
	steps       []StepSpec
	timeout     time.Duration
	keyTemplate string
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Description returns the workflow description.
func (d *Definition) Description() string { return d.description }

// Timeout returns the overall run timeout, zero when unbounded.
func (d *Definition) Timeout() time.Duration { return d.timeout }

// KeyTemplate returns the idempotency key template.
func (d *Definition) KeyTemplate() string { return d.keyTemplate }

// Steps returns a copy of the ordered step specs.
func (d *Definition) Steps() []StepSpec {
	out := make([]StepSpec, len(d.steps))
	copy(out, d.steps)
	return out
}

// StepNames returns the ordered step names.
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.steps))
	for i, s := range d.steps {
		names[i] = s.Name
	}
	return names
}

// IdempotencyKey derives the deterministic key for a step of a run. The rendered template
// is hashed into a name-based UUID so keys have a fixed shape regardless of the inputs.
func (d *Definition) IdempotencyKey(run *WorkflowRun, step string) string {
	rendered := strings.NewReplacer(
		"{run_id}", run.ID,
		"{step}", step,
		"{workflow}", d.name,
		"{tenant_id}", run.TenantID,
		"{target_id}", run.TargetID,
	).Replace(d.keyTemplate)
	return uuid.NewSHA1(idempotencyNamespace, []byte(rendered)).String()
}

var idempotencyNamespace = uuid.MustParse("6f1c7e52-3d0a-4b8e-9a55-1f2b7c9d4e10")

// DefineOption configures a Definition.
type DefineOption func(*Definition)

// WithDescription sets the workflow description.
func WithDescription(desc string) DefineOption {
	return func(d *Definition) { d.description = desc }
}

// WithRunTimeout bounds the whole run.
func WithRunTimeout(t time.Duration) DefineOption {
	return func(d *Definition) { d.timeout = t }
}

// WithKeyTemplate overrides the idempotency key template. Supported placeholders are
// {run_id}, {step}, {workflow}, {tenant_id} and {target_id}; {run_id} and {step} are
// required so keys stay unique per step.
func WithKeyTemplate(tpl string) DefineOption {
	return func(d *Definition) { d.keyTemplate = tpl }
}

// Registry catalogs steps and the workflows defined over them.
type Registry struct {
	mu        sync.RWMutex
	steps     map[string]StepSpec
	workflows map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:     make(map[string]StepSpec),
		workflows: make(map[string]*Definition),
	}
}

// Register adds a step. Compensate may be nil when there is nothing to undo.
func (r *Registry) Register(name string, forward, compensate Action, opts ...StepOption) error {
	if name == "" {
		return NewPermanentError("step name is required", nil).WithCode(ErrCodeValidation)
	}
	if forward == nil {
		return NewPermanentError("forward action is required", nil).
			WithCode(ErrCodeValidation).
			WithResource(name)
	}

	spec := StepSpec{
		Name:       name,
		Forward:    forward,
		Compensate: compensate,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return NewPermanentError("step already registered", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(name)
	}
	r.steps[name] = spec
	return nil
}

// Define builds and stores an immutable workflow from registered step names.
func (r *Registry) Define(workflow string, stepNames []string, opts ...DefineOption) (*Definition, error) {
	if workflow == "" {
		return nil, NewPermanentError("workflow name is required", nil).WithCode(ErrCodeValidation)
	}
	if len(stepNames) == 0 {
		return nil, NewPermanentError("workflow has no steps", nil).
			WithCode(ErrCodeValidation).
			WithResource(workflow)
	}

	def := &Definition{
		name:        workflow,
		keyTemplate: DefaultKeyTemplate,
	}
	for _, opt := range opts {
		opt(def)
	}
	if !strings.Contains(def.keyTemplate, "{run_id}") || !strings.Contains(def.keyTemplate, "{step}") {
		return nil, NewPermanentError("key template must contain {run_id} and {step}", nil).
			WithCode(ErrCodeValidation).
			WithResource(workflow)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[workflow]; exists {
		return nil, NewPermanentError("workflow already defined", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(workflow)
	}

	seen := make(map[string]bool, len(stepNames))
	for _, name := range stepNames {
		spec, ok := r.steps[name]
		if !ok {
			return nil, NewPermanentError("unknown step", nil).
				WithCode(ErrCodeNotFound).
				WithResource(workflow).
				WithDetail("step", name)
		}
		if seen[name] {
			return nil, NewPermanentError("duplicate step", nil).
				WithCode(ErrCodeValidation).
				WithResource(workflow).
				WithDetail("step", name)
		}
		seen[name] = true
		def.steps = append(def.steps, spec)
	}

	r.workflows[workflow] = def
	return def, nil
}

// Workflow returns the named definition.
func (r *Registry) Workflow(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	return def, ok
}

// Step returns the named step spec.
func (r *Registry) Step(name string) (StepSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.steps[name]
	return spec, ok
}

// Workflows returns the sorted names of all defined workflows.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
