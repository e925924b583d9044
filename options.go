package kurir

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// WithBaseURL resolves relative descriptor URLs against base.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		u, err := url.Parse(base)
		if err != nil || !u.IsAbs() {
			c.optionErrors = append(c.optionErrors, fmt.Sprintf("baseURL %q must be an absolute URL", base))
			return
		}
		c.baseURL = u
	}
}

// WithUserAgent sets the User-Agent sent when a descriptor has none.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithRetryPolicy replaces the retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// WithMaxRetries sets the total number of attempts per call
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retryPolicy.MaxRetries = n
	}
}

// WithBackoff sets the base and maximum retry delay
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryPolicy.BaseDelay = base
		c.retryPolicy.MaxDelay = maxDelay
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.retryPolicy.Jitter = f
	}
}

// WithRetryCondition overrides which classified errors are retried
func WithRetryCondition(fn func(*ClassifiedError) bool) Option {
	return func(c *Client) {
		c.retryPolicy.ShouldRetry = fn
	}
}

// WithRetryObserver sets a hook run before each re-attempt
func WithRetryObserver(fn func(err *ClassifiedError, attempt int)) Option {
	return func(c *Client) {
		c.retryPolicy.OnRetry = fn
	}
}

// WithRateLimit paces transport attempts to rps with the given burst. It is
// the fallback for requests without a limiter of their own.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.rateLimiters().fallback = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRateLimitFor paces requests whose key (see WithRateLimitKeyFunc)
// equals key, e.g. "host:api.example.com".
func WithRateLimitFor(key string, rps float64, burst int) Option {
	return func(c *Client) {
		c.rateLimiters().RegisterLimiter(key, rate.NewLimiter(rate.Limit(rps), burst))
	}
}

// WithRateLimitKeyFunc sets how requests map to per-key limiters. The default
// keys by host.
func WithRateLimitKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.rateLimiters().keyFunc = fn
	}
}

func (c *Client) rateLimiters() *RateLimiterRegistry {
	if c.limiters == nil {
		c.limiters = NewRateLimiterRegistry(DefaultHostKeyFunc, nil)
	}
	return c.limiters
}

// WithCache sets the default TTL of the in-memory response cache. Calls
// still opt in through CachePolicy.
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewMemoryCache[*Response]()
		c.cacheTTL = ttl
	}
}

// WithTTLCache uses a ttlcache-backed store bounded to capacity entries
func WithTTLCache(ttl time.Duration, capacity uint64) Option {
	return func(c *Client) {
		c.cache = NewTTLCache[*Response](capacity)
		c.cacheTTL = ttl
	}
}

// WithCustomCache sets a custom cache implementation
func WithCustomCache(cache Cache[*Response], ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if client != nil && c.timeout != 0 {
			c.httpClient.Timeout = c.timeout
		}
	}
}

// WithConcurrency sets the number of queued calls that may run at once
func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithAdmissionTimeout bounds how long a queued call waits for a slot
func WithAdmissionTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.admissionTimeout = d
	}
}

// WithQueue routes every call without its own QueuePolicy through the
// scheduler at priority.
func WithQueue(priority int) Option {
	return func(c *Client) {
		c.queueAll = true
		c.defaultPriority = priority
	}
}

// WithCredential sets the source of the bearer credential
func WithCredential(fn CredentialFunc) Option {
	return func(c *Client) {
		c.credential = fn
	}
}

// WithRefresh sets the hook used to recover from 401 responses
func WithRefresh(fn RefreshFunc) Option {
	return func(c *Client) {
		c.refresh = fn
	}
}

// WithConnectivityProbe sets the check run when recovering NETWORK and
// TIMEOUT failures
func WithConnectivityProbe(fn ProbeFunc) Option {
	return func(c *Client) {
		c.probe = fn
	}
}

// WithRecoveryRegistry replaces the default recovery strategies
func WithRecoveryRegistry(r *RecoveryRegistry) Option {
	return func(c *Client) {
		c.recovery = r
	}
}

// WithBusinessDecoder detects application-level failures in 2xx responses
func WithBusinessDecoder(fn BusinessDecoder) Option {
	return func(c *Client) {
		c.businessDecoder = fn
	}
}

// WithNotifications enables user notifications for unresolved failures
func WithNotifications(cfg NotificationConfig) Option {
	return func(c *Client) {
		c.notifier = NewNotificationManager(cfg)
	}
}

// WithNotificationManager shares an existing manager between clients
func WithNotificationManager(m *NotificationManager) Option {
	return func(c *Client) {
		c.notifier = m
	}
}

// WithReporter enables error reporting. A relative endpoint is resolved
// against the client's base URL.
func WithReporter(cfg ReporterConfig) Option {
	return func(c *Client) {
		c.reporterConfig = &cfg
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a colored console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithDeduplication enables in-flight call deduplication
func WithDeduplication() Option {
	return func(c *Client) {
		c.dedup = NewDeduplicator()
	}
}

// WithDeduplicationKeyFunc sets a custom deduplication key function
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithDeduplicationCondition sets a custom deduplication condition function
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = fn
	}
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// ValidateConfiguration validates the client configuration. All problems are
// reported together in one error wrapping ErrInvalidConfig.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.optionErrors...)
	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimiterConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateQueueConfig()...)
	problems = append(problems, c.validateDebugConfig()...)
	problems = append(problems, c.validateDeduplicationConfig()...)
	problems = append(problems, c.validateMiddlewareConfig()...)
	problems = append(problems, c.validateHTTPClientConfig()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var problems []string
	p := c.retryPolicy

	if p.MaxRetries < 0 {
		problems = append(problems, "retry maxRetries must be non-negative")
	}
	for kind, n := range p.PerKind {
		if n < 0 {
			problems = append(problems, fmt.Sprintf("retry maxRetries for %s must be non-negative", kind))
		}
	}

	if !p.Disabled && p.BaseDelay <= 0 {
		problems = append(problems, "retry delay must be positive")
	}

	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		problems = append(problems, "retry maxDelay must be greater than or equal to retry delay")
	}

	if p.Jitter < 0 || p.Jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}

	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}

	return problems
}

// validateRateLimiterConfig validates rate limiter configuration
func (c *Client) validateRateLimiterConfig() []string {
	var problems []string

	if c.limiters != nil {
		c.limiters.each(func(key string, l *rate.Limiter) {
			if l == nil {
				problems = append(problems, fmt.Sprintf("rateLimit %s limiter cannot be nil", key))
				return
			}
			if l.Limit() <= 0 {
				problems = append(problems, fmt.Sprintf("rateLimit %s rps must be positive", key))
			}
			if l.Burst() <= 0 {
				problems = append(problems, fmt.Sprintf("rateLimit %s burst must be positive", key))
			}
		})
	}

	return problems
}

// validateCacheConfig validates cache configuration
func (c *Client) validateCacheConfig() []string {
	var problems []string

	if c.cache != nil && c.cacheTTL <= 0 {
		problems = append(problems, "cache ttl must be positive when cache is enabled")
	}

	return problems
}

// validateQueueConfig validates scheduler configuration
func (c *Client) validateQueueConfig() []string {
	var problems []string

	if c.concurrency <= 0 {
		problems = append(problems, "concurrency max must be positive")
	}
	if c.admissionTimeout < 0 {
		problems = append(problems, "admission timeout must be non-negative")
	}

	return problems
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var problems []string

	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen == nil {
		problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
	}

	return problems
}

// validateDeduplicationConfig validates deduplication configuration
func (c *Client) validateDeduplicationConfig() []string {
	var problems []string

	if c.dedup != nil {
		if c.dedupKeyFunc == nil {
			problems = append(problems, "deduplication key function must be set when deduplication is enabled")
		}
		if c.dedupCondition == nil {
			problems = append(problems, "deduplication condition must be set when deduplication is enabled")
		}
	}

	return problems
}

// validateMiddlewareConfig validates middleware configuration
func (c *Client) validateMiddlewareConfig() []string {
	var problems []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return problems
}

// validateHTTPClientConfig validates HTTP client configuration
func (c *Client) validateHTTPClientConfig() []string {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}

	return problems
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.retryPolicy.MaxRetries > 100 {
		problems = append(problems, "retry maxRetries > 100 may cause excessive resource usage")
	}

	if c.retryPolicy.BaseDelay > 10*time.Minute {
		problems = append(problems, "retry delay > 10m may cause very long delays")
	}
	if c.retryPolicy.MaxDelay > 1*time.Hour {
		problems = append(problems, "retry maxDelay > 1h may cause extremely long delays")
	}

	if c.timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}

	if c.concurrency > 10000 {
		problems = append(problems, "concurrency max > 10000 defeats admission control")
	}

	if c.cache != nil && c.cacheTTL > 24*time.Hour {
		problems = append(problems, "cache ttl > 24h may cause stale data issues")
	}

	return problems
}
