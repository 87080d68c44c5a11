package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second)
	testErr := errors.New("disk I/O error")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected rejection without call, got err=%v called=%v", err, called)
	}
}

func TestBreakerProbeClosesAfterReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker(1, time.Minute, WithStateChange(func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Minute)
	cb.nowFunc = func() time.Time { return now }
	_ = cb.Execute(func() error { return errors.New("fail") })
	now = now.Add(2 * time.Minute)
	_ = cb.Execute(func() error { return errors.New("still failing") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}
}

func TestBreakerIgnoresDomainErrors(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, WithFailurePredicate(isInfraFailure))
	for i := 0; i < 5; i++ {
		err := cb.Execute(func() error { return &core.ConflictError{LocationID: "loc-1"} })
		if !core.IsConflict(err) {
			t.Fatalf("expected conflict to pass through, got %v", err)
		}
	}
	_ = cb.Execute(func() error { return core.ErrNotFound })
	if cb.State() != StateClosed {
		t.Fatalf("domain errors must not trip the breaker, got %s", cb.State())
	}
}
