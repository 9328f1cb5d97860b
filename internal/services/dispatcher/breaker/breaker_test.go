package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
)

var errBoom = errors.New("boom")

func newTestBreaker(config Config) (*Breaker, *time.Time) {
	b := New("renderer", config)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Timeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("Execute() error = %v, want errBoom", err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want %q", got, StateOpen)
	}
}

func TestOpenFailsFastWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: 30 * time.Second})
	ctx := context.Background()

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if apperrors.CodeOf(err) != apperrors.CodeCircuitOpen {
		t.Fatalf("CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodeCircuitOpen)
	}
	if called {
		t.Error("fn was invoked while the breaker was open")
	}
	if !apperrors.IsRetryable(err) {
		t.Error("circuit-open error should be retryable")
	}
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})
	ctx := context.Background()

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}

	*now = now.Add(31 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() = %q, want %q", got, StateHalfOpen)
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() after one success = %q, want %q", got, StateHalfOpen)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() after threshold successes = %q, want %q", got, StateClosed)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})
	ctx := context.Background()

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	*now = now.Add(31 * time.Second)

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want %q", got, StateOpen)
	}
	if err := b.Execute(ctx, succeed); apperrors.CodeOf(err) != apperrors.CodeCircuitOpen {
		t.Fatalf("Execute() error = %v, want circuit-open", err)
	}
}

func TestMonitoringPeriodForgetsOldFailures(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, MonitoringPeriod: time.Minute, Timeout: 30 * time.Second})
	ctx := context.Background()

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	*now = now.Add(2 * time.Minute)
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q (old failure expired)", got, StateClosed)
	}
}

func TestSuccessResetsClosedWindow(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, Timeout: 30 * time.Second})
	ctx := context.Background()

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestRegistryFirstConfigWins(t *testing.T) {
	registry := NewRegistry()

	first := registry.GetOrCreate("renderer", Config{FailureThreshold: 1, Timeout: 30 * time.Second})
	second := registry.GetOrCreate("renderer", Config{FailureThreshold: 100, Timeout: time.Hour})

	if first != second {
		t.Fatal("GetOrCreate() returned distinct breakers for one name")
	}
	if second.config.FailureThreshold != 1 {
		t.Errorf("FailureThreshold = %d, want first caller's 1", second.config.FailureThreshold)
	}

	other := registry.GetOrCreate("mailer", Config{})
	if other == first {
		t.Fatal("GetOrCreate() shared a breaker across names")
	}
	if len(registry.Names()) != 2 {
		t.Errorf("len(Names()) = %d, want 2", len(registry.Names()))
	}
}

func TestDefaultsApplied(t *testing.T) {
	b := New("renderer", Config{})
	if b.config.FailureThreshold != 5 || b.config.SuccessThreshold != 2 {
		t.Errorf("defaults = %+v", b.config)
	}
	if b.config.Timeout != 30*time.Second || b.config.MonitoringPeriod != time.Minute {
		t.Errorf("defaults = %+v", b.config)
	}
}
