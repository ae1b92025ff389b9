// Package telemetry provides the observability plumbing of ispflow.
//
// It integrates structured logging (zerolog), distributed tracing (OpenTelemetry),
// metrics (Prometheus) and an event pipeline used for operator alerts.
//
// # Architecture
//
// Telemetry is built on four parts:
//
//  1. Structured Logging - zerolog loggers handed to components through Component
//  2. Distributed Tracing - OpenTelemetry spans for runs, steps, collaborator calls and checks
//  3. Metrics Collection - Prometheus series on a private registry
//  4. Event Publishing - buffered events; critical ones are FAILED_COMPENSATION alerts
//
// Every part is nil-safe. Components accept a *Telemetry and work unchanged with Nop().
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	log := tel.Component("engine")
//	log.Info().Str("run_id", runID).Msg("run started")
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, "provision", targetID)
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
//	tel.Metrics.RecordRunStarted("provision")
//	tel.Metrics.RecordRunFinished("provision", "COMPENSATED", d)
//	tel.Metrics.RecordCollaboratorCall("billing", "create_subscription", d)
//
// The registry is served by the API router at /metrics, or on a dedicated listener when
// metrics.listen_address is set.
//
// # Events
//
//	tel.Events.Subscribe(pager, telemetry.FilterByLevel(telemetry.EventLevelCritical))
//	tel.Events.PublishFailedCompensation(runID, "provision", "allocate-ipv6-prefix", reason, pending)
//
// In async mode events are flushed when a batch fills, on every flush interval and on
// Shutdown.
package telemetry
