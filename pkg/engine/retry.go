package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds exponential backoff for step and compensation retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"min=1,max=100"`

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`

	// Multiplier grows the delay after every attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// MaxElapsed bounds the total time spent retrying. Zero means no bound besides
	// MaxAttempts.
	MaxElapsed time.Duration `yaml:"max_elapsed" json:"max_elapsed"`
}

// DefaultStepRetryPolicy is used for forward actions.
func DefaultStepRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
	}
}

// DefaultCompensationRetryPolicy is used for compensating actions. It is more patient than
// the forward policy since giving up means FAILED_COMPENSATION.
func DefaultCompensationRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     6,
		InitialInterval: 2 * time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2,
	}
}

func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.25
	return b
}

// retryNotify is called before sleeping ahead of the next attempt.
type retryNotify func(attempt int, err error, next time.Duration)

// retry runs op until it succeeds, fails with an error rejected by retryable, or the policy
// is exhausted. It returns the number of attempts made and the last error.
func retry(
	ctx context.Context,
	p RetryPolicy,
	retryable func(error) bool,
	op func(ctx context.Context, attempt int) error,
	notify retryNotify,
) (int, error) {
	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempts, err, next)
			}
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	} else {
		opts = append(opts, backoff.WithMaxElapsedTime(0))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	return attempts, err
}
