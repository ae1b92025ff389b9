package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Telemetry bundles logging, tracing, metrics and events. Every component is nil-safe,
// so a zero Telemetry or Nop() can be passed wherever instrumentation is optional.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing.
func Nop() *Telemetry {
	return &Telemetry{Logger: NewNopLogger()}
}

// Component returns a component logger, tolerating a nil receiver.
func (t *Telemetry) Component(name string) zerolog.Logger {
	if t == nil {
		return zerolog.Nop()
	}
	return t.Logger.Component(name)
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	// Events first so the alerts they carry still get traced and logged.
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// CallCollaborator runs fn inside a collaborator span and records call count, latency and
// classified errors. classify maps an error to its class label.
func (t *Telemetry) CallCollaborator(
	ctx context.Context,
	collaborator, operation string,
	classify func(error) string,
	fn func(ctx context.Context) error,
) error {
	var (
		tracer  *Tracer
		metrics *Metrics
	)
	if t != nil {
		tracer, metrics = t.Tracer, t.Metrics
	}

	ctx, span := tracer.StartCollaboratorSpan(ctx, collaborator, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	metrics.RecordCollaboratorCall(collaborator, operation, timer.Duration())

	if err != nil {
		class := "unknown"
		if classify != nil {
			class = classify(err)
		}
		metrics.RecordCollaboratorError(collaborator, operation, class)
		span.SetAttributes(AttrErrorClass.String(class))
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
