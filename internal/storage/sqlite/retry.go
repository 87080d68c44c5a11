package sqlite

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls exponential backoff for lock contention.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // 0.25 adds up to 25% on top of each delay
}

// DefaultRetryConfig is 7 retries from a 50ms base with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock retries fn while sqlite reports the database as locked or busy.
func RetryOnDBLock(fn func() error) error {
	return retryOnDBLockInternal(context.Background(), DefaultRetryConfig(), fn, sleepContext)
}

// RetryOnDBLockContext is RetryOnDBLock with a caller config that gives up
// once ctx is done.
func RetryOnDBLockContext(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryOnDBLockInternal(ctx, cfg, fn, sleepContext)
}

func retryOnDBLockInternal(ctx context.Context, cfg RetryConfig, fn func() error, sleepFn func(context.Context, time.Duration) error) error {
	err := fn()
	for attempt := 1; err != nil && isDBLocked(err) && attempt <= cfg.MaxRetries; attempt++ {
		if serr := sleepFn(ctx, lockBackoff(cfg, attempt)); serr != nil {
			return err
		}
		err = fn()
	}
	return err
}

func lockBackoff(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay * (1 << (attempt - 1))
	jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
	return delay + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
