package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an operator-facing notification about a run, a resource or a reconciliation
// finding. Critical events are the alerts that need a human.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Step is the associated step name, if applicable.
	Step string `json:"step,omitempty"`

	// ResourceID is the associated managed resource ID, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level.
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeRunStarted            = "run.started"
	EventTypeRunCompleted          = "run.completed"
	EventTypeRunCompensated        = "run.compensated"
	EventTypeRunFailedCompensation = "run.failed_compensation"
	EventTypeStepRetrying          = "step.retrying"
	EventTypeStepContinued         = "step.continued"
	EventTypeCompensationWarning   = "compensation.warning"
	EventTypeResourceStateChanged  = "resource.state_changed"
	EventTypeFindingDetected       = "finding.detected"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo     = "info"
	EventLevelWarning  = "warning"
	EventLevelError    = "error"
	EventLevelCritical = "critical"
)

var eventLevels = map[string]int{
	EventLevelInfo:     0,
	EventLevelWarning:  1,
	EventLevelError:    2,
	EventLevelCritical: 3,
}

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are buffered and
// delivered in batches, either when a batch fills up or on every flush interval.
// A nil or disabled publisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	flushReq    chan chan struct{}
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		flushReq:    make(chan chan struct{}),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, workflow, targetID string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %s started for %s", runID, workflow, targetID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"workflow":  workflow,
			"target_id": targetID,
		},
	})
}

// PublishRunFinished publishes the terminal outcome of a run. Compensated runs are warnings.
func (ep *EventPublisher) PublishRunFinished(runID, workflow, phase string, duration time.Duration) error {
	eventType, level := EventTypeRunCompleted, EventLevelInfo
	if phase == "COMPENSATED" {
		eventType, level = EventTypeRunCompensated, EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %s finished in phase %s", runID, workflow, phase),
		Level:   level,
		Data: map[string]interface{}{
			"workflow": workflow,
			"phase":    phase,
			"duration": duration.Seconds(),
		},
	})
}

// PublishFailedCompensation raises the critical alert for a run that could not be rolled
// back. pending lists the steps whose effects are still in place.
func (ep *EventPublisher) PublishFailedCompensation(runID, workflow, step, reason string, pending []string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailedCompensation,
		Source:  "engine",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Run %s of %s needs manual cleanup: compensation of %s failed: %s (pending: %s)", runID, workflow, step, reason, strings.Join(pending, ", ")),
		Level:   EventLevelCritical,
		Data: map[string]interface{}{
			"workflow":        workflow,
			"reason":          reason,
			"pending_cleanup": pending,
		},
	})
}

// PublishCompensationWarning reports a best-effort compensation that failed and was skipped.
func (ep *EventPublisher) PublishCompensationWarning(runID, step, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCompensationWarning,
		Source:  "engine",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Best-effort compensation of %s in run %s failed: %s", step, runID, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStepRetry reports that a step attempt failed and will be retried.
func (ep *EventPublisher) PublishStepRetry(runID, step string, attempt int, reason string, next time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStepRetrying,
		Source:  "engine",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s attempt %d failed, retrying in %s: %s", step, attempt, next, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"attempt": attempt,
			"reason":  reason,
			"next":    next.Seconds(),
		},
	})
}

// PublishStepContinued reports a step failure that the workflow tolerates and moves past.
func (ep *EventPublisher) PublishStepContinued(runID, step, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepContinued,
		Source:  "engine",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s in run %s failed and was skipped over: %s", step, runID, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishResourceStateChanged publishes a resource state change event.
func (ep *EventPublisher) PublishResourceStateChanged(resourceID, oldState, newState, reason string) error {
	level := EventLevelInfo
	if newState == "FAILED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypeResourceStateChanged,
		Source:     "lifecycle",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s state changed from %s to %s", resourceID, oldState, newState),
		Level:      level,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
			"reason":    reason,
		},
	})
}

// PublishFinding publishes a reconciliation finding. Alerted findings need an operator.
func (ep *EventPublisher) PublishFinding(kind, subjectID, action, detail string) error {
	level := EventLevelWarning
	if action == "ALERTED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypeFindingDetected,
		Source:     "reconciler",
		ResourceID: subjectID,
		Message:    fmt.Sprintf("Reconciliation finding %s on %s (%s): %s", kind, subjectID, action, detail),
		Level:      level,
		Data: map[string]interface{}{
			"kind":   kind,
			"action": action,
			"detail": detail,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Flush delivers every buffered event before returning.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	if !ep.enabled() || !ep.config.EnableAsync {
		return nil
	}
	done := make(chan struct{})
	select {
	case ep.flushReq <- done:
	case <-ep.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processEvents batches buffered events and delivers them when the batch is full, on the
// flush interval, on an explicit Flush and on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) > 0 {
			ep.flushBatch(batch)
			batch = make([]Event, 0, ep.config.MaxBatchSize)
		}
	}
	drain := func() {
		for {
			select {
			case event := <-ep.buffer:
				batch = append(batch, event)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case done := <-ep.flushReq:
			drain()
			close(done)

		case <-ep.ctx.Done():
			drain()
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher, delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() || ep.cancel == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := eventLevels[minLevel]

	return func(event Event) bool {
		return eventLevels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}
