// Package engine executes workflows as sagas.
//
// # Overview
//
// A workflow is an ordered list of steps. Each step pairs a forward Action with an optional
// compensating Action. The engine runs the forward actions in order; when one fails
// permanently, exhausts its retries, or the run is cancelled, it runs the compensations of
// every succeeded step in reverse order. Runs end in one of three terminal phases:
//
//   - COMPLETED: every forward step succeeded
//   - COMPENSATED: a step failed and every prior effect was undone
//   - FAILED_COMPENSATION: a compensation itself failed; PendingCleanup names the steps
//     an operator has to clean up
//
// # Registry
//
// Steps are registered once by name and shared between workflows:
//
//	reg := engine.NewRegistry()
//	reg.Register("create-billing-subscription", create, cancel,
//	    engine.WithRetry(engine.RetryPolicy{MaxAttempts: 5}))
//	reg.Define("provision", []string{"create-billing-subscription", ...})
//
// Every step attempt receives a StepContext carrying a deterministic idempotency key derived
// from the run and step name. Collaborators use it to deduplicate retried calls, and resumed
// runs reuse it for the interrupted step.
//
// # Concurrency
//
// Start acquires a per-target lock before accepting a run, so at most one run is active for
// a subscriber at any time. A second Start for the same target fails with
// ErrConcurrentRunConflict after Config.LockWait. Runs execute on a bounded worker pool;
// a full queue is reported as a throttled QUEUE_FULL error.
//
// # Persistence
//
// Every phase and step transition is saved through RunStore together with an audit entry
// before the engine moves on. Runs left active by a crash can be re-driven with Resume.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: temporary failures retried with exponential backoff
//   - Throttled: rate limiting, retried with backoff
//   - Conflict: state conflicts, retried
//   - Permanent: never retried; compensation starts immediately
//
// Unclassified step errors are treated as permanent, except context deadline errors which
// count as transient timeouts. Collaborator clients classify their own failures.
package engine
