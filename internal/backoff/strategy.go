package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the interface for delay calculation between attempts.
type Strategy interface {
	// Calculate returns the wait before the given attempt. Attempts are
	// 1-indexed: attempt 1 is the wait after the first failure.
	Calculate(attempt int, base, max time.Duration) time.Duration
}

// ExponentialStrategy doubles the delay for every attempt: base·2^(attempt−1),
// capped at max.
type ExponentialStrategy struct{}

// Calculate implements Strategy.
func (ExponentialStrategy) Calculate(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Prevent overflow by limiting attempt
	if attempt > 31 {
		attempt = 31
	}

	delay := time.Duration(float64(base) * pow(2, attempt-1))
	return capDelay(delay, max)
}

// IncrementalStrategy grows the delay linearly: base·attempt, capped at max.
type IncrementalStrategy struct{}

// Calculate implements Strategy.
func (IncrementalStrategy) Calculate(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 1000 {
		attempt = 1000
	}
	return capDelay(base*time.Duration(attempt), max)
}

// ConstantStrategy always waits base.
type ConstantStrategy struct{}

// Calculate implements Strategy.
func (ConstantStrategy) Calculate(_ int, base, max time.Duration) time.Duration {
	return capDelay(base, max)
}

// applyJitter adds up to jitter·delay of uniform noise without crossing max.
func applyJitter(delay, max time.Duration, jitter float64, rnd func() float64) time.Duration {
	jitter = clampJitter(jitter)
	if jitter == 0 || delay <= 0 {
		return delay
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return capDelay(delay+time.Duration(float64(delay)*jitter*rnd()), max)
}

func capDelay(delay, max time.Duration) time.Duration {
	if delay < 0 {
		return max
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
