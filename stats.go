package kurir

import (
	"sync"
	"time"
)

// PerformanceStats aggregates call outcomes.
type PerformanceStats struct {
	Total        int64
	Success      int64
	Failed       int64
	CacheHits    int64
	Deduplicated int64
	Retries      int64
	TotalLatency time.Duration
}

// AverageLatency returns TotalLatency / Total, or zero.
func (p PerformanceStats) AverageLatency() time.Duration {
	if p.Total == 0 {
		return 0
	}
	return p.TotalLatency / time.Duration(p.Total)
}

// ErrorStats aggregates classified failures.
type ErrorStats struct {
	ByKind    map[Kind]int64
	Recovered int64
	Notified  int64
	Reported  int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Performance PerformanceStats
	Errors      ErrorStats
}

// Stats holds process-wide counters until Reset. Methods are safe on a nil
// receiver.
type Stats struct {
	mu   sync.Mutex
	perf PerformanceStats
	errs ErrorStats
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{errs: ErrorStats{ByKind: make(map[Kind]int64)}}
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{Errors: ErrorStats{ByKind: map[Kind]int64{}}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := make(map[Kind]int64, len(s.errs.ByKind))
	for k, v := range s.errs.ByKind {
		byKind[k] = v
	}
	errs := s.errs
	errs.ByKind = byKind
	return StatsSnapshot{Performance: s.perf, Errors: errs}
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.perf = PerformanceStats{}
	s.errs = ErrorStats{ByKind: make(map[Kind]int64)}
	s.mu.Unlock()
}

func (s *Stats) recordCall(success bool, latency time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf.Total++
	if success {
		s.perf.Success++
	} else {
		s.perf.Failed++
	}
	s.perf.TotalLatency += latency
}

func (s *Stats) recordCacheHit() {
	s.add(func() { s.perf.CacheHits++ })
}

func (s *Stats) recordDeduplicated() {
	s.add(func() { s.perf.Deduplicated++ })
}

func (s *Stats) recordRetry() {
	s.add(func() { s.perf.Retries++ })
}

func (s *Stats) recordError(kind Kind) {
	s.add(func() { s.errs.ByKind[kind]++ })
}

func (s *Stats) recordRecovered() {
	s.add(func() { s.errs.Recovered++ })
}

func (s *Stats) recordNotified() {
	s.add(func() { s.errs.Notified++ })
}

func (s *Stats) recordReported() {
	s.add(func() { s.errs.Reported++ })
}

func (s *Stats) add(fn func()) {
	if s == nil {
		return
	}
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}
