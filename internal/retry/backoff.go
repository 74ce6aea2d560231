package retry

import (
	"math"
	"math/rand"
	"time"
)

// calculateBackoff implements spec.md §4.6 step 5:
//
//	delay = min(initial_delay * backoff_multiplier^(attempt-1), max_delay)
//
// multiplied by uniform(0.5, 1.5) when jitter is requested, generalized
// from the teacher's executor.RetryStrategy.calculateBackoff (which
// uses a ±25%-of-duration jitter window instead of a multiplicative
// uniform one — the spec's formula is followed exactly here since it is
// unambiguous and testable).
func calculateBackoff(initialDelay, backoffMultiplier, maxDelay float64, attempt int, jitter bool, randFloat func() float64) time.Duration {
	delay := initialDelay * math.Pow(backoffMultiplier, float64(attempt-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	if jitter {
		delay *= 0.5 + randFloat()
	}
	return time.Duration(delay * float64(time.Second))
}

func defaultRandFloat() float64 {
	return rand.Float64()
}
