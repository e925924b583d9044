package backoff

import (
	"time"
)

// Calculator binds a Strategy to its base and cap so callers only pass the
// attempt number.
type Calculator struct {
	strategy Strategy
	base     time.Duration
	max      time.Duration
	jitter   float64
	rand     func() float64
}

// NewCalculator creates a calculator. A zero max means uncapped.
func NewCalculator(strategy Strategy, base, max time.Duration) *Calculator {
	if strategy == nil {
		strategy = ExponentialStrategy{}
	}
	return &Calculator{
		strategy: strategy,
		base:     base,
		max:      max,
	}
}

// WithJitter returns a copy of the calculator that adds up to jitter·delay of
// random noise (clamped to [0, 1]). rnd may be nil to use math/rand.
func (c *Calculator) WithJitter(jitter float64, rnd func() float64) *Calculator {
	cp := *c
	cp.jitter = clampJitter(jitter)
	cp.rand = rnd
	return &cp
}

// Delay returns the wait before the given 1-indexed attempt.
func (c *Calculator) Delay(attempt int) time.Duration {
	d := c.strategy.Calculate(attempt, c.base, c.max)
	return applyJitter(d, c.max, c.jitter, c.rand)
}

// Strategy returns the strategy in use.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Exponential returns a capped exponential calculator.
func Exponential(base, max time.Duration) *Calculator {
	return NewCalculator(ExponentialStrategy{}, base, max)
}

// Incremental returns a capped linear calculator.
func Incremental(base, max time.Duration) *Calculator {
	return NewCalculator(IncrementalStrategy{}, base, max)
}
