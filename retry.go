package kurir

import (
	"context"
	"time"

	"github.com/ambiyansyah-risyal/kurir/internal/backoff"
)

// RetryPolicy bounds how a failing call is re-attempted. MaxRetries is the
// total number of attempts a call may make, so an always-failing call runs
// exactly MaxRetries times.
type RetryPolicy struct {
	MaxRetries int
	// PerKind overrides MaxRetries for specific kinds.
	PerKind   map[Kind]int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter adds up to Jitter·delay of random noise, in [0, 1].
	Jitter float64
	// ShouldRetry replaces the error's own Retryable flag when set.
	ShouldRetry func(err *ClassifiedError) bool
	// OnRetry runs before each re-attempt. Panics are recovered.
	OnRetry  func(err *ClassifiedError, attempt int)
	Disabled bool
}

// DefaultRetryPolicy: 3 attempts, 1s base delay capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// MaxFor returns the attempt ceiling for kind, at least 1.
func (p RetryPolicy) MaxFor(kind Kind) int {
	if p.Disabled {
		return 1
	}
	n := p.MaxRetries
	if v, ok := p.PerKind[kind]; ok {
		n = v
	}
	if n < 1 {
		return 1
	}
	return n
}

func (p RetryPolicy) calculator() *backoff.Calculator {
	calc := backoff.Exponential(p.BaseDelay, p.MaxDelay)
	if p.Jitter > 0 {
		calc = calc.WithJitter(p.Jitter, nil)
	}
	return calc
}

// Retrier re-invokes failing operations according to a RetryPolicy.
type Retrier struct {
	policy  RetryPolicy
	logger  Logger
	metrics *MetricsCollector
	stats   *Stats
}

// NewRetrier returns a Retrier for policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy, logger: NopLogger()}
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

func (r *Retrier) withPolicy(p RetryPolicy) *Retrier {
	cp := *r
	cp.policy = p
	return &cp
}

// Do runs op under the retry policy.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry runs op until it succeeds, fails with a non-retryable error, or
// reaches the attempt ceiling for the failure's kind. The returned error is
// always a *ClassifiedError whose RetryCount is the number of failed
// attempts. A nil r uses DefaultRetryPolicy.
func Retry[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	if r == nil {
		r = NewRetrier(DefaultRetryPolicy())
	}
	var zero T
	calc := r.policy.calculator()

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		ce := Classify(err)
		ceiling := r.policy.MaxFor(ce.Kind)
		ce.MaxRetries = ceiling
		// The kind can change between attempts, so clamp to its own ceiling.
		ce.RetryCount = min(attempt, ceiling)

		if !r.shouldRetry(ce) {
			return zero, ce
		}
		if ce.RetryCount >= ceiling {
			// Exhausted; later stages must not retry it again.
			ce.Retryable = false
			return zero, ce
		}
		if ctx.Err() != nil {
			return zero, r.canceled(ctx, ce)
		}

		delay := calc.Delay(ce.RetryCount)
		r.onRetry(ce, attempt)
		r.metrics.RecordRetry(ce.Kind, attempt)
		r.stats.recordRetry()
		r.logger.Debug("Retrying call", "kind", ce.Kind, "attempt", attempt, "max", ceiling, "delay", delay, "error", ce.Message)

		if err := sleepContext(ctx, delay); err != nil {
			return zero, r.canceled(ctx, ce)
		}
	}
}

func (r *Retrier) shouldRetry(ce *ClassifiedError) bool {
	if r.policy.Disabled || ce.Kind == KindCancel {
		return false
	}
	if r.policy.ShouldRetry != nil {
		return r.policy.ShouldRetry(ce)
	}
	return ce.Retryable
}

func (r *Retrier) onRetry(ce *ClassifiedError, attempt int) {
	if r.policy.OnRetry == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("OnRetry hook panicked", "panic", p, "attempt", attempt)
		}
	}()
	r.policy.OnRetry(ce, attempt)
}

func (r *Retrier) canceled(ctx context.Context, last *ClassifiedError) *ClassifiedError {
	e := NewError(KindCancel, "call cancelled while waiting to retry")
	e.Cause = context.Cause(ctx)
	e.RetryCount = last.RetryCount
	e.MaxRetries = last.MaxRetries
	e.Method, e.URL = last.Method, last.URL
	e.WithMetadata("lastError", last.Error())
	return e
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
