package kurir

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestWithMaxRetries(t *testing.T) {
	client := New(WithMaxRetries(5))

	if client.retryPolicy.MaxRetries != 5 {
		t.Errorf("Expected MaxRetries=5, got %d", client.retryPolicy.MaxRetries)
	}
	if client.retrier.Policy().MaxRetries != 5 {
		t.Error("retrier should be built from the configured policy")
	}
}

func TestWithBackoff(t *testing.T) {
	client := New(WithBackoff(200*time.Millisecond, 5*time.Second))

	if client.retryPolicy.BaseDelay != 200*time.Millisecond {
		t.Errorf("Expected BaseDelay=200ms, got %v", client.retryPolicy.BaseDelay)
	}
	if client.retryPolicy.MaxDelay != 5*time.Second {
		t.Errorf("Expected MaxDelay=5s, got %v", client.retryPolicy.MaxDelay)
	}
}

func TestWithJitter(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{-1, 0},
		{2, 1},
	}
	for _, tt := range tests {
		client := New(WithJitter(tt.in))
		if client.retryPolicy.Jitter != tt.want {
			t.Errorf("WithJitter(%v) = %v, want %v", tt.in, client.retryPolicy.Jitter, tt.want)
		}
	}
}

func TestWithRetryPolicy(t *testing.T) {
	policy := fastPolicy(7)
	policy.PerKind = map[Kind]int{KindTimeout: 2}
	client := New(WithRetryPolicy(policy))

	if client.retryPolicy.MaxFor(KindTimeout) != 2 || client.retryPolicy.MaxFor(KindServer) != 7 {
		t.Errorf("unexpected per-kind ceilings: %+v", client.retryPolicy)
	}
}

func TestWithRetryCondition(t *testing.T) {
	client := New(WithRetryCondition(func(ce *ClassifiedError) bool { return ce.Kind == KindClient }))

	if client.retryPolicy.ShouldRetry == nil {
		t.Fatal("retry condition not set")
	}
	if !client.retryPolicy.ShouldRetry(NewError(KindClient, "")) {
		t.Error("condition should be the one supplied")
	}
}

func TestWithRateLimit(t *testing.T) {
	client := New(WithRateLimit(10, 5))

	if client.limiters == nil || client.limiters.fallback == nil {
		t.Fatal("Expected rate limiter to be set")
	}
	l := client.limiters.fallback
	if l.Burst() != 5 || float64(l.Limit()) != 10 {
		t.Errorf("unexpected limiter %v/%d", l.Limit(), l.Burst())
	}

	if New(WithRateLimit(0, 5)).IsValid() {
		t.Error("zero rps should be rejected")
	}
}

func TestWithCache(t *testing.T) {
	client := New(WithCache(time.Minute))
	if _, ok := client.cache.(*MemoryCache[*Response]); !ok {
		t.Errorf("Expected *MemoryCache, got %T", client.cache)
	}
	if client.cacheTTL != time.Minute {
		t.Errorf("Expected cacheTTL=1m, got %v", client.cacheTTL)
	}

	client = New(WithTTLCache(time.Minute, 100))
	if _, ok := client.cache.(*TTLCache[*Response]); !ok {
		t.Errorf("Expected *TTLCache, got %T", client.cache)
	}
}

func TestWithCustomCache(t *testing.T) {
	custom := NewMemoryCache[*Response]()
	client := New(WithCustomCache(custom, 2*time.Minute))

	if client.cache != Cache[*Response](custom) {
		t.Error("Expected custom cache to be used")
	}
	if client.cacheTTL != 2*time.Minute {
		t.Errorf("Expected cacheTTL=2m, got %v", client.cacheTTL)
	}
}

func TestWithTimeout(t *testing.T) {
	client := New(WithTimeout(5 * time.Second))
	if client.httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected timeout=5s, got %v", client.httpClient.Timeout)
	}

	custom := &http.Client{}
	client = New(WithTimeout(7*time.Second), WithHTTPClient(custom))
	if client.httpClient != custom || custom.Timeout != 7*time.Second {
		t.Error("timeout should carry over to a custom HTTP client")
	}
}

func TestWithSchedulerOptions(t *testing.T) {
	client := New(WithConcurrency(2), WithAdmissionTimeout(time.Second), WithQueue(3))

	if client.scheduler.Gate().Limit() != 2 {
		t.Errorf("Expected gate limit 2, got %d", client.scheduler.Gate().Limit())
	}
	if !client.queueAll || client.defaultPriority != 3 {
		t.Errorf("Expected all calls queued at priority 3, got %v/%d", client.queueAll, client.defaultPriority)
	}
	if !client.queued(CallDescriptor{}) {
		t.Error("descriptor without a policy should be queued")
	}
	if client.queued(CallDescriptor{Queue: &QueuePolicy{Enabled: false}}) {
		t.Error("an explicit disabled policy should win")
	}
}

func TestWithMetrics(t *testing.T) {
	client := New(WithMetrics())
	if client.metrics == nil {
		t.Fatal("Expected metrics to be enabled")
	}
	if client.Metrics() != client.metrics {
		t.Error("Metrics() should expose the collector")
	}
}

func TestWithMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	client := New(WithMetricsCollector(collector))
	if client.metrics != collector {
		t.Error("Expected custom metrics collector to be used")
	}
}

func TestWithDebug(t *testing.T) {
	client := New(WithDebug())
	if !client.debug.Enabled {
		t.Error("Expected debug to be enabled")
	}
	if !client.IsValid() {
		t.Errorf("debug defaults should be valid: %v", client.ValidationError())
	}

	ids := 0
	client = New(WithDebug(), WithRequestIDGenerator(func() string {
		ids++
		return "fixed"
	}))
	call, err := client.prepare(CallDescriptor{URL: "http://example.com"})
	if err != nil || call.requestID != "fixed" || ids != 1 {
		t.Errorf("request id generator not used: %q, %v", call.requestID, err)
	}
}

func TestStageLoggerQuietsDebug(t *testing.T) {
	rec := &recordingLogger{}
	client := New(WithLogger(rec))

	client.stageLogger(true).Debug("dropped")
	client.stageLogger(true).Warn("kept")
	if rec.count("dropped") != 0 || rec.count("kept") != 1 {
		t.Errorf("debug output should be dropped when debug is off: %v", rec.lines())
	}

	client = New(WithLogger(rec), WithDebug())
	client.stageLogger(true).Debug("shown")
	client.stageLogger(false).Debug("hidden")
	if rec.count("shown") != 1 || rec.count("hidden") != 0 {
		t.Errorf("per-stage toggles should apply: %v", rec.lines())
	}
}

func TestWithReporterResolvesAgainstBaseURL(t *testing.T) {
	cfg := DefaultReporterConfig()
	cfg.FlushInterval = 0
	client := New(WithBaseURL("https://api.example.com/v1/"), WithReporter(cfg))

	if client.Reporter() == nil {
		t.Fatal("reporter not built")
	}
	if got := client.Reporter().Endpoint(); got != "https://api.example.com/api/error-report" {
		t.Errorf("unexpected endpoint %q", got)
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		problem string
	}{
		{"negative retries", []Option{WithMaxRetries(-1)}, "maxRetries must be non-negative"},
		{"maxDelay below delay", []Option{WithBackoff(time.Second, time.Millisecond)}, "maxDelay must be greater"},
		{"zero timeout", []Option{WithTimeout(0)}, "timeout must be positive"},
		{"zero cache ttl", []Option{WithCache(0)}, "cache ttl must be positive"},
		{"negative admission", []Option{WithAdmissionTimeout(-time.Second)}, "admission timeout"},
		{"nil middleware", []Option{WithMiddleware(nil)}, "middleware[0] cannot be nil"},
		{"nil http client", []Option{WithHTTPClient(nil)}, "HTTP client cannot be nil"},
		{"nil dedup key", []Option{WithDeduplication(), WithDeduplicationKeyFunc(nil)}, "key function"},
		{"huge concurrency", []Option{WithConcurrency(20000)}, "defeats admission control"},
		{"bad base url", []Option{WithBaseURL("::nope")}, "baseURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.opts...)
			err := client.ValidationError()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("Expected %q in %q", tt.problem, err.Error())
			}
		})
	}
}

func TestValidateConfigurationCollectsAll(t *testing.T) {
	client := New(WithMaxRetries(-1), WithConcurrency(0))

	msg := client.ValidationError().Error()
	if !strings.Contains(msg, "maxRetries") || !strings.Contains(msg, "concurrency") {
		t.Errorf("every problem should be reported: %s", msg)
	}
}
