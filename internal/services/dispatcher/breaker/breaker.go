// Package breaker implements a per-dependency circuit breaker. Each named
// external dependency shares one process-wide breaker; when the dependency
// keeps failing, calls fail fast instead of piling up on a dead service.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
)

// State is the breaker's position in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker. Zero fields fall back to defaults.
type Config struct {
	// FailureThreshold is the number of failures within MonitoringPeriod
	// that trips the breaker open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before admitting trial
	// calls.
	Timeout time.Duration
	// MonitoringPeriod bounds how far back failures count toward the
	// threshold while closed. Older failures are forgotten.
	MonitoringPeriod time.Duration
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = time.Minute
	}
	return c
}

// Breaker gates calls to one named dependency. All mutations happen under one
// mutex; workers on every queue share the same instance.
type Breaker struct {
	name   string
	config Config

	mu        sync.Mutex
	state     State
	failures  []time.Time
	successes int
	openedAt  time.Time

	now func() time.Time
}

// New returns a closed breaker for the named dependency.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.normalized(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State reports the current state for diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.now())
}

// Execute runs fn through the breaker. While open, it fails fast with a
// circuit-open error and never invokes fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked(b.now()) == StateOpen {
		return apperrors.WithMetadata(
			apperrors.CodeCircuitOpen,
			fmt.Sprintf("circuit %q is open", b.name),
			map[string]string{"dependency": b.name},
		)
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.stateLocked(now) {
	case StateClosed:
		if success {
			b.failures = nil
			return
		}
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.config.FailureThreshold {
			b.tripLocked(now)
		}
	case StateHalfOpen:
		if !success {
			b.tripLocked(now)
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = nil
			b.successes = 0
		}
	}
}

// stateLocked resolves the effective state at now, moving an expired open
// breaker to half-open. Caller holds b.mu.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.Timeout {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) tripLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = nil
	b.successes = 0
}

// pruneLocked drops failures older than the monitoring period. Caller holds
// b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringPeriod)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.failures = kept
}
