package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrySucceedsOnTransientLock(t *testing.T) {
	calls := 0
	err := retryOnDBLockInternal(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		if calls <= 3 {
			return errors.New("database is locked")
		}
		return nil
	}, noSleep)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetryLeavesConstraintErrorsAlone(t *testing.T) {
	calls := 0
	err := retryOnDBLockInternal(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return errors.New("UNIQUE constraint failed: checkin_sessions.location_id")
	}, noSleep)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryExhaustsAllAttempts(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	err := retryOnDBLockInternal(context.Background(), cfg, func() error {
		calls++
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	}, noSleep)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 1+cfg.MaxRetries {
		t.Fatalf("expected %d calls, got %d", 1+cfg.MaxRetries, calls)
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryOnDBLockContext(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected lock error")
	}
	if calls != 1 {
		t.Fatalf("expected no retries after cancel, got %d calls", calls)
	}
}

func TestLockBackoffGrowsWithinJitter(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, JitterPct: 0.25}
	for attempt, base := range map[int]time.Duration{1: 10 * time.Millisecond, 2: 20 * time.Millisecond, 3: 40 * time.Millisecond} {
		d := lockBackoff(cfg, attempt)
		if d < base || d > base+base/4 {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, base, base+base/4)
		}
	}
}
