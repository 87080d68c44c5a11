package offline

import (
	"math/rand"
	"time"
)

// Backoff schedules retries of a failed entry: Base doubled per attempt,
// capped at Max, plus up to Jitter (fraction) of the delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before attempt+1, given attempt failures so far.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := b.Base
	for i := 1; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return delay + time.Duration(float64(delay)*r()*b.Jitter)
}
