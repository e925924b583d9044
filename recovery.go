package kurir

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/kurir/internal/backoff"
)

// RecoveryStrategy is the corrective action for one error kind.
type RecoveryStrategy struct {
	// ShouldAttempt filters which errors of the kind are recoverable. Nil
	// means all of them.
	ShouldAttempt func(err *ClassifiedError) bool
	// Recover performs the corrective action; nil error means the original
	// call may be resumed. A nil Recover only re-runs the call.
	Recover func(ctx context.Context, err *ClassifiedError) error
	// MaxAttempts bounds Recover invocations, at least 1.
	MaxAttempts int
	// Delay is the incremental wait before each attempt (Delay·attempt).
	Delay time.Duration
}

// ProbeFunc checks whether the network is reachable again.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe returns a ProbeFunc issuing HEAD url; any response counts as
// reachable.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

// RecoveryRegistry maps kinds to recovery strategies. Kinds without an entry
// are never auto-recovered.
type RecoveryRegistry struct {
	mu         sync.RWMutex
	strategies map[Kind]RecoveryStrategy
	logger     Logger
	metrics    *MetricsCollector
	stats      *Stats
}

// NewRecoveryRegistry returns an empty registry.
func NewRecoveryRegistry() *RecoveryRegistry {
	return &RecoveryRegistry{
		strategies: make(map[Kind]RecoveryStrategy),
		logger:     NopLogger(),
	}
}

// DefaultRecoveryRegistry registers the standard strategies: NETWORK and
// TIMEOUT re-run the call on an incremental delay, checking probe first when
// one is given; AUTH with status 401 calls refresh (403 is unrecoverable). A
// nil refresh leaves AUTH unregistered.
func DefaultRecoveryRegistry(refresh RefreshFunc, probe ProbeFunc) *RecoveryRegistry {
	r := NewRecoveryRegistry()

	connectivity := RecoveryStrategy{
		MaxAttempts: 2,
		Delay:       time.Second,
	}
	if probe != nil {
		connectivity.Recover = func(ctx context.Context, _ *ClassifiedError) error {
			return probe(ctx)
		}
	}
	r.Register(KindNetwork, connectivity)
	r.Register(KindTimeout, connectivity)

	if refresh != nil {
		r.Register(KindAuth, RecoveryStrategy{
			MaxAttempts: 1,
			ShouldAttempt: func(err *ClassifiedError) bool {
				return err.Status == http.StatusUnauthorized
			},
			Recover: func(ctx context.Context, _ *ClassifiedError) error {
				return refresh(ctx)
			},
		})
	}
	return r
}

// Register sets (or replaces) the strategy for kind.
func (r *RecoveryRegistry) Register(kind Kind, strategy RecoveryStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[kind] = strategy
}

// Unregister removes the strategy for kind.
func (r *RecoveryRegistry) Unregister(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strategies, kind)
}

// Strategy returns the strategy registered for kind.
func (r *RecoveryRegistry) Strategy(kind Kind) (RecoveryStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	return s, ok
}

// setDelay changes the wait of the registered strategies for kinds.
func (r *RecoveryRegistry) setDelay(d time.Duration, kinds ...Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range kinds {
		if s, ok := r.strategies[kind]; ok {
			s.Delay = d
			r.strategies[kind] = s
		}
	}
}

// AttemptRecovery runs the strategy for err's kind and reports whether it
// succeeded. Errors and panics from the strategy count as failure and are
// never propagated. Each attempt bumps err.RetryCount while it is below the
// kind's ceiling. A strategy without a Recover func cannot succeed here.
func (r *RecoveryRegistry) AttemptRecovery(ctx context.Context, err *ClassifiedError) bool {
	return r.RecoverAndResume(ctx, err, nil)
}

// RecoverAndResume is AttemptRecovery followed by resume after every
// successful corrective action. Recovery only counts once resume succeeds;
// a failed resume moves on to the next attempt.
func (r *RecoveryRegistry) RecoverAndResume(ctx context.Context, err *ClassifiedError, resume func(context.Context) error) bool {
	if r == nil || err == nil {
		return false
	}
	strategy, ok := r.Strategy(err.Kind)
	if !ok || (strategy.Recover == nil && resume == nil) {
		return false
	}
	if strategy.ShouldAttempt != nil && !r.safeShouldAttempt(strategy, err) {
		return false
	}

	attempts := max(strategy.MaxAttempts, 1)
	calc := backoff.Incremental(strategy.Delay, 0)
	for attempt := 1; attempt <= attempts; attempt++ {
		if strategy.Delay > 0 {
			if sleepContext(ctx, calc.Delay(attempt)) != nil {
				break
			}
		}
		err.incrementRetry()

		rerr := r.safeRecover(ctx, strategy, err)
		if rerr == nil && resume != nil {
			rerr = resume(ctx)
		}
		if rerr == nil {
			r.logger.Info("Recovered from error", "kind", err.Kind, "attempt", attempt)
			r.metrics.RecordRecovery(err.Kind, true)
			r.stats.recordRecovered()
			return true
		}
		r.logger.Debug("Recovery attempt failed", "kind", err.Kind, "attempt", attempt, "error", rerr)
	}

	r.metrics.RecordRecovery(err.Kind, false)
	return false
}

func (r *RecoveryRegistry) safeShouldAttempt(s RecoveryStrategy, err *ClassifiedError) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovery predicate panicked", "kind", err.Kind, "panic", p)
			ok = false
		}
	}()
	return s.ShouldAttempt(err)
}

func (r *RecoveryRegistry) safeRecover(ctx context.Context, s RecoveryStrategy, err *ClassifiedError) (rerr error) {
	defer func() {
		if p := recover(); p != nil {
			rerr = fmt.Errorf("recovery panicked: %v", p)
		}
	}()
	if s.Recover == nil {
		return nil
	}
	return s.Recover(ctx, err)
}
