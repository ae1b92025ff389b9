package engine_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/ispflow/pkg/engine"
)

// Example_saga shows a failing step triggering compensation of the steps before it.
func Example_saga() {
	reg := engine.NewRegistry()

	reserve := func(_ context.Context, sc *engine.StepContext) (engine.Payload, error) {
		return engine.Payload{"reservation": "r-" + sc.TargetID}, nil
	}
	release := func(_ context.Context, sc *engine.StepContext) (engine.Payload, error) {
		fmt.Println("released", sc.String("reservation"))
		return nil, nil
	}
	charge := func(context.Context, *engine.StepContext) (engine.Payload, error) {
		return nil, engine.NewPermanentError("card declined", nil)
	}

	_ = reg.Register("reserve", reserve, release)
	_ = reg.Register("charge", charge, nil)
	_, _ = reg.Define("order", []string{"reserve", "charge"})

	eng := engine.New(reg, engine.NewMemoryStore(), engine.Config{Workers: 1, QueueSize: 1})
	defer func() { _ = eng.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := eng.Start(ctx, engine.StartRequest{Workflow: "order", TenantID: "T1", TargetID: "S1"})
	if err != nil {
		fmt.Println(err)
		return
	}
	run, _ = eng.Wait(ctx, run.ID)
	fmt.Println(run.Phase, run.LastError.Step)

	// Output:
	// released r-S1
	// COMPENSATED charge
}

// Example_errorHandling demonstrates error classification.
func Example_errorHandling() {
	transientErr := engine.NewTransientError("radius timeout", nil).
		WithResource("S1").
		WithOperation("CreateCredential")

	permanentErr := engine.NewPermanentError("plan not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("plan", "fiber-9000")

	fmt.Println(engine.IsRetryable(transientErr))
	fmt.Println(engine.IsRetryable(permanentErr))
	fmt.Println(engine.IsRetryable(errors.New("connection reset")))

	// Output:
	// true
	// false
	// false
}

// Example_phaseValidation demonstrates phase predicates.
func Example_phaseValidation() {
	phase := engine.PhaseRunning
	fmt.Println(phase.Validate() == nil, phase.IsActive(), phase.IsTerminal())
	fmt.Println(phase.CanTransitionTo(engine.PhaseCompensating))

	// Output:
	// true true false
	// true
}
