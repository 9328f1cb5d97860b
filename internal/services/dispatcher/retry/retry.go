// Package retry bounds re-execution of transient failures with exponential
// backoff. Permanent errors stop immediately; every failed attempt stays
// reachable through the returned error's chain.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
)

// Policy bounds one retry sequence. Zero fields fall back to defaults.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay is the delay before the first retry; later delays grow
	// exponentially.
	BaseDelay time.Duration
	// MaxDelay caps the delay between any two attempts.
	MaxDelay time.Duration
	// MaxElapsed caps the whole sequence so one task cannot monopolize a
	// worker indefinitely.
	MaxElapsed time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 5 * time.Minute
	}
	return p
}

// DelayFor returns the re-enqueue delay before attempt retryCount+1, growing
// exponentially from BaseDelay and capped at MaxDelay.
func (p Policy) DelayFor(retryCount int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do invokes fn, retrying transient failures up to policy.MaxRetries extra
// times. Only errors the taxonomy marks retryable are retried; validation and
// other permanent errors return after the first attempt. When all attempts
// fail, the returned error joins every attempt's error.
func Do(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	policy = policy.normalized()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseDelay
	expo.MaxInterval = policy.MaxDelay

	var attempts []error
	operation := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		attempts = append(attempts, err)
		if !apperrors.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxRetries)+1),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
	)
	if err == nil {
		return nil
	}
	switch len(attempts) {
	case 0:
		// Context canceled before the first attempt ran.
		return err
	case 1:
		return attempts[0]
	default:
		return errors.Join(attempts...)
	}
}
