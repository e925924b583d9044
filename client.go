package kurir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Client executes CallDescriptors through kurir's pipeline: response cache,
// in-flight deduplication, priority admission, retry with backoff, error
// classification, recovery, notification and error reporting. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	timeout    time.Duration
	userAgent  string
	middleware []Middleware

	retryPolicy RetryPolicy
	retrier     *Retrier
	limiters    *RateLimiterRegistry

	cache    Cache[*Response]
	cacheTTL time.Duration

	dedup          *Deduplicator
	dedupKeyFunc   DeduplicationKeyFunc
	dedupCondition DeduplicationCondition

	scheduler        *Scheduler[*Response]
	concurrency      int
	admissionTimeout time.Duration
	queueAll         bool
	defaultPriority  int

	credential      CredentialFunc
	refresh         RefreshFunc
	probe           ProbeFunc
	recovery        *RecoveryRegistry
	businessDecoder BusinessDecoder

	notifier       *NotificationManager
	reporter       *Reporter
	reporterConfig *ReporterConfig

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger
	stats   *Stats
	tracer  trace.Tracer
	now     func() time.Time

	holdMu sync.Mutex
	holds  int

	optionErrors    []string
	validationError error
}

type preparedCall struct {
	desc        CallDescriptor
	method      string
	url         string
	endpoint    string
	body        []byte
	contentType string
	requestID   string
}

// New constructs a Client using the provided functional options. Invalid
// configuration does not panic: IsValid and ValidationError report it and
// every call fails with a VALIDATION error wrapping ErrInvalidConfig.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout:        30 * time.Second,
		userAgent:      "kurir/" + Version,
		middleware:     []Middleware{},
		retryPolicy:    DefaultRetryPolicy(),
		cache:          NewMemoryCache[*Response](),
		cacheTTL:       5 * time.Minute,
		dedupKeyFunc:   DefaultDeduplicationKeyFunc,
		dedupCondition: DefaultDeduplicationCondition,
		concurrency:    4,
		debug:          DefaultDebugConfig(),
		logger:         NopLogger(),
		stats:          NewStats(),
		tracer:         defaultTracer(),
		now:            time.Now,
	}

	for _, option := range options {
		option(client)
	}
	if client.logger == nil {
		client.logger = NopLogger()
	}
	if client.debug == nil {
		client.debug = &DebugConfig{}
	}

	client.wire()

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
		client.logger.Error("Invalid client configuration", "error", err)
	}

	return client
}

// wire builds the pipeline components and shares the logger, metrics and
// stats with them.
func (c *Client) wire() {
	c.retrier = NewRetrier(c.retryPolicy)
	c.retrier.logger = c.stageLogger(c.debug.LogRetries)
	c.retrier.metrics = c.metrics
	c.retrier.stats = c.stats

	c.scheduler = NewScheduler[*Response](SchedulerConfig{
		Concurrency:      c.concurrency,
		AdmissionTimeout: c.admissionTimeout,
		Logger:           c.stageLogger(c.debug.LogQueue),
		Metrics:          c.metrics,
	})

	if c.dedup != nil {
		c.dedup.keyFunc = c.dedupKeyFunc
		c.dedup.condition = c.dedupCondition
	}

	if c.recovery == nil {
		c.recovery = DefaultRecoveryRegistry(c.refresh, c.probe)
		c.recovery.setDelay(c.retryPolicy.BaseDelay, KindNetwork, KindTimeout)
	}
	c.recovery.logger = c.stageLogger(c.debug.LogRecovery)
	c.recovery.metrics = c.metrics
	c.recovery.stats = c.stats

	if c.notifier != nil {
		c.notifier.logger = c.logger
		c.notifier.metrics = c.metrics
		c.notifier.stats = c.stats
		c.notifier.retrier = c.retrier
	}

	if c.reporterConfig != nil {
		cfg := *c.reporterConfig
		if cfg.BaseURL == "" && c.baseURL != nil {
			cfg.BaseURL = c.baseURL.String()
		}
		if cfg.HTTPClient == nil {
			cfg.HTTPClient = c.httpClient
		}
		r, err := NewReporter(cfg)
		if err != nil {
			c.optionErrors = append(c.optionErrors, err.Error())
		} else {
			c.reporter = r
		}
	}
	if c.reporter != nil {
		c.reporter.logger = c.logger
		c.reporter.metrics = c.metrics
		c.reporter.stats = c.stats
		c.reporter.Start(context.Background())
	}
}

// stageLogger returns the client logger when debug logging is on for a
// stage. Warnings and errors still reach the logger otherwise.
func (c *Client) stageLogger(enabled bool) Logger {
	if c.debug != nil && c.debug.Enabled && enabled {
		return c.logger
	}
	return quietLogger{c.logger}
}

// quietLogger drops debug output.
type quietLogger struct{ Logger }

func (quietLogger) Debug(string, ...any) {}

// Get performs a GET.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, CallDescriptor{Method: http.MethodGet, URL: url})
}

// Post performs a POST; body is encoded as described on CallDescriptor.
func (c *Client) Post(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, CallDescriptor{Method: http.MethodPost, URL: url, Body: body})
}

// Put performs a PUT.
func (c *Client) Put(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, CallDescriptor{Method: http.MethodPut, URL: url, Body: body})
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, CallDescriptor{Method: http.MethodDelete, URL: url})
}

// Do executes desc. A returned error is always a *ClassifiedError; failures
// that survive retry and recovery have already been handed to the
// notification manager and reporter when those are configured.
func (c *Client) Do(ctx context.Context, desc CallDescriptor) (*Response, error) {
	if c.validationError != nil {
		e := NewError(KindValidation, "invalid client configuration")
		e.Cause = c.validationError
		return nil, e
	}

	start := c.now()
	call, err := c.prepare(desc)
	if err != nil {
		e := NewError(KindValidation, err.Error())
		e.Cause = err
		e.Method, e.URL = desc.method(), desc.URL
		stampTimestamp(e, start)
		c.stats.recordError(e.Kind)
		c.stats.recordCall(false, 0)
		return nil, e
	}

	ctx, span := c.startSpan(ctx, desc, call.url)

	if c.debugEnabled(c.debug.LogRequests) {
		c.logger.Debug("Starting call", "requestID", call.requestID, "method", call.method, "url", call.url, "endpoint", call.endpoint)
	}
	c.metrics.RecordRequestStart(call.method, call.endpoint)
	defer c.metrics.RecordRequestEnd(call.method, call.endpoint)

	var key string
	if c.cacheable(desc) {
		key = c.cacheKeyFor(call)
		if cached, ok := c.cache.Get(key); ok {
			resp := cached.clone()
			resp.Cached = true
			c.metrics.RecordCacheHit(call.method, call.endpoint)
			c.stats.recordCacheHit()
			c.stats.recordCall(true, c.now().Sub(start))
			if c.debugEnabled(c.debug.LogCache) {
				c.logger.Debug("Cache hit", "requestID", call.requestID, "cacheKey", key)
			}
			finishSpan(span, resp, nil)
			return resp, nil
		}
		c.metrics.RecordCacheMiss(call.method, call.endpoint)
		if c.debugEnabled(c.debug.LogCache) {
			c.logger.Debug("Cache miss", "requestID", call.requestID, "cacheKey", key)
		}
	}

	resp, shared, err := c.dedup.Do(ctx, desc, call.url, call.body, func() (*Response, error) {
		return c.dispatch(ctx, call)
	})
	if shared {
		c.metrics.RecordDeduplicationHit(call.method, call.endpoint)
		c.stats.recordDeduplicated()
		if c.debugEnabled(c.debug.LogRequests) {
			c.logger.Debug("Deduplicated call", "requestID", call.requestID, "url", call.url)
		}
	}

	if err != nil {
		ce := Classify(err)
		c.annotate(ctx, ce, call)
		c.metrics.RecordError(ce.Kind, call.method, call.endpoint)
		c.stats.recordError(ce.Kind)
		c.stats.recordCall(false, c.now().Sub(start))
		if !shared {
			c.surface(ce)
		}
		finishSpan(span, nil, ce)
		return nil, ce
	}

	if key != "" && !shared {
		c.store(key, resp, call)
	}

	c.stats.recordCall(true, c.now().Sub(start))
	finishSpan(span, resp, nil)
	return resp, nil
}

func (c *Client) prepare(desc CallDescriptor) (preparedCall, error) {
	body, contentType, err := desc.encodeBody()
	if err != nil {
		return preparedCall{}, err
	}
	u, err := desc.fullURL(c.baseURL)
	if err != nil {
		return preparedCall{}, err
	}

	call := preparedCall{
		desc:        desc,
		method:      desc.method(),
		url:         u.String(),
		endpoint:    endpointOf(u),
		body:        body,
		contentType: contentType,
	}
	if c.debug != nil && c.debug.RequestIDGen != nil {
		call.requestID = c.debug.RequestIDGen()
	}
	return call, nil
}

// dispatch routes the call through the scheduler when queueing applies.
func (c *Client) dispatch(ctx context.Context, call preparedCall) (*Response, error) {
	if !c.queued(call.desc) {
		return c.execute(ctx, call)
	}

	priority := c.defaultPriority
	if call.desc.Queue != nil {
		priority = call.desc.priority()
	}
	future := c.scheduler.Submit(ctx, call.desc.ID, priority, func(ctx context.Context) (*Response, error) {
		return c.execute(ctx, call)
	})
	resp, err := future.Wait(ctx)
	if err != nil {
		return nil, admissionError(err)
	}
	return resp, nil
}

// admissionError maps scheduling outcomes onto the error taxonomy.
func admissionError(err error) error {
	switch {
	case errors.Is(err, ErrAdmissionDenied):
		e := NewError(KindTimeout, "call was not admitted in time")
		e.Cause = err
		e.Retryable = false
		return e
	case errors.Is(err, ErrSchedulerClosed):
		e := NewError(KindCancel, "client is closed")
		e.Cause = err
		return e
	default:
		return err
	}
}

// execute runs retry and, when that is exhausted, recovery. Each successful
// corrective action resumes the call once.
func (c *Client) execute(ctx context.Context, call preparedCall) (*Response, error) {
	retrier := c.retrier
	if call.desc.Retry != nil {
		retrier = retrier.withPolicy(*call.desc.Retry)
	}

	resp, err := Retry(ctx, retrier, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, call)
	})
	if err == nil {
		return resp, nil
	}

	ce := Classify(err)
	c.annotate(ctx, ce, call)

	var resumeErr error
	resume := func(ctx context.Context) error {
		if c.debugEnabled(c.debug.LogRecovery) {
			c.logger.Debug("Resuming call after recovery", "requestID", call.requestID, "kind", ce.Kind)
		}
		resp, resumeErr = c.attempt(ctx, call)
		return resumeErr
	}
	if c.recover(ctx, ce, resume) {
		return resp, nil
	}
	if resumeErr == nil {
		return nil, ce
	}

	final := Classify(resumeErr)
	final.MaxRetries = retrier.Policy().MaxFor(final.Kind)
	final.RetryCount = min(max(ce.RetryCount, 1), final.MaxRetries)
	final.Retryable = false
	c.annotate(ctx, final, call)
	return nil, final
}

// recover runs the recovery strategy for ce and resumes the call. Queue
// admission is held while credentials are refreshed so queued calls do not
// start with a stale credential.
func (c *Client) recover(ctx context.Context, ce *ClassifiedError, resume func(context.Context) error) bool {
	if ce.Kind == KindCancel {
		return false
	}
	if ce.Kind == KindAuth {
		if _, ok := c.recovery.Strategy(KindAuth); ok {
			c.holdQueue()
			defer c.releaseQueue()
		}
	}
	return c.recovery.RecoverAndResume(ctx, ce, resume)
}

func (c *Client) holdQueue() {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	c.holds++
	if c.holds == 1 {
		c.scheduler.Pause()
	}
}

func (c *Client) releaseQueue() {
	c.holdMu.Lock()
	c.holds--
	resume := c.holds == 0
	c.holdMu.Unlock()
	if resume {
		c.scheduler.Resume()
	}
}

// attempt performs one transport round trip and checks the outcome.
func (c *Client) attempt(ctx context.Context, call preparedCall) (*Response, error) {
	req, err := call.desc.newRequest(ctx, c.baseURL, call.body, call.contentType)
	if err != nil {
		e := NewError(KindValidation, err.Error())
		e.Cause = err
		return nil, e
	}
	if c.limiters != nil {
		limiter, key, err := c.limiters.Wait(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e := NewError(KindTimeout, "rate limit wait would exceed the deadline")
			e.Cause = err
			return nil, e
		}
		if limiter != nil {
			c.metrics.RecordRateLimiterTokens(key, limiter.Tokens())
		}
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	injectTrace(ctx, req.Header)

	start := c.now()
	httpResp, err := c.executeMiddleware(req)
	if err != nil {
		c.metrics.RecordRequest(call.method, call.endpoint, 0, c.now().Sub(start))
		return nil, &TransportError{Method: call.method, URL: call.url, Err: err}
	}
	resp, err := readResponse(httpResp)
	c.metrics.RecordRequest(call.method, call.endpoint, httpResp.StatusCode, c.now().Sub(start))
	if err != nil {
		return nil, &TransportError{Method: call.method, URL: call.url, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &TransportError{Method: call.method, URL: call.url, Response: resp}
	}
	if c.businessDecoder != nil {
		if code, msg, failed := c.businessDecoder(resp); failed {
			return nil, &TransportError{
				Method:   call.method,
				URL:      call.url,
				Response: resp,
				Business: true,
				Code:     code,
				Message:  msg,
			}
		}
	}
	return resp, nil
}

// authorize injects the caller-supplied credential unless the descriptor
// already carries an Authorization header.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.credential == nil || req.Header.Get("Authorization") != "" {
		return nil
	}
	token, err := c.credential(ctx)
	if err != nil {
		e := NewError(KindAuth, "credential unavailable")
		e.Cause = err
		e.Retryable = false
		return e
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func readResponse(httpResp *http.Response) (*Response, error) {
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// annotate attaches call context to ce.
func (c *Client) annotate(ctx context.Context, ce *ClassifiedError, call preparedCall) {
	for k, v := range call.desc.Metadata {
		if _, ok := ce.Metadata[k]; !ok {
			ce.WithMetadata(k, v)
		}
	}
	if ce.Method == "" {
		ce.Method, ce.URL = call.method, call.url
	}
	if call.requestID != "" && ce.MetadataString(MetaRequestID) == "" {
		ce.WithMetadata(MetaRequestID, call.requestID)
	}
	if id := traceID(ctx); id != "" && ce.MetadataString(MetaTraceID) == "" {
		ce.WithMetadata(MetaTraceID, id)
	}
	stampTimestamp(ce, c.now())
}

// surface hands an unresolved failure to notification and reporting in
// parallel.
func (c *Client) surface(ce *ClassifiedError) {
	var g errgroup.Group
	if c.notifier != nil {
		g.Go(func() error {
			c.notifier.emit(ce)
			return nil
		})
	}
	if c.reporter != nil && ce.Kind != KindCancel {
		g.Go(func() error {
			c.reporter.Report(ce)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) cacheable(desc CallDescriptor) bool {
	return c.cache != nil && desc.Cache != nil && desc.Cache.Enabled
}

func (c *Client) cacheKeyFor(call preparedCall) string {
	if call.desc.Cache.Key != "" {
		return call.desc.Cache.Key
	}
	return cacheKey(call.method, call.desc.URL, call.desc.Params, call.body)
}

func (c *Client) store(key string, resp *Response, call preparedCall) {
	ttl := c.ttlFor(call.desc)
	if call.desc.Cache.HonorHeaders {
		var ok bool
		if ttl, ok = responseTTL(resp.Header, c.now(), ttl); !ok {
			if c.debugEnabled(c.debug.LogCache) {
				c.logger.Debug("Response not cacheable", "requestID", call.requestID, "cacheKey", key)
			}
			return
		}
	}
	c.cache.Set(key, resp.clone(), ttl)
	c.metrics.RecordCacheSize("default", c.cache.Len())
	if c.debugEnabled(c.debug.LogCache) {
		c.logger.Debug("Response cached", "requestID", call.requestID, "cacheKey", key, "ttl", ttl)
	}
}

func (c *Client) ttlFor(desc CallDescriptor) time.Duration {
	if desc.Cache != nil && desc.Cache.TTL > 0 {
		return desc.Cache.TTL
	}
	return c.cacheTTL
}

func (c *Client) queued(desc CallDescriptor) bool {
	if desc.Queue != nil {
		return desc.Queue.Enabled
	}
	return c.queueAll
}

func (c *Client) debugEnabled(stage bool) bool {
	return c.debug != nil && c.debug.Enabled && stage
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// ResetStats zeroes the client's counters.
func (c *Client) ResetStats() {
	c.stats.Reset()
}

// Scheduler exposes the client's admission scheduler.
func (c *Client) Scheduler() *Scheduler[*Response] {
	return c.scheduler
}

// Recovery exposes the recovery registry so strategies can be replaced.
func (c *Client) Recovery() *RecoveryRegistry {
	return c.recovery
}

// Notifications returns the notification manager, or nil.
func (c *Client) Notifications() *NotificationManager {
	return c.notifier
}

// Reporter returns the error reporter, or nil.
func (c *Client) Reporter() *Reporter {
	return c.reporter
}

// Metrics returns the metrics collector, or nil.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// InvalidateCache drops the cached response for desc.
func (c *Client) InvalidateCache(desc CallDescriptor) error {
	if c.cache == nil {
		return nil
	}
	key, err := CacheKey(desc)
	if err != nil {
		return err
	}
	c.cache.Delete(key)
	return nil
}

// ClearCache empties the response cache.
func (c *Client) ClearCache() {
	if c.cache != nil {
		c.cache.Clear()
		c.metrics.RecordCacheSize("default", 0)
	}
}

// Close stops admitting calls, waits for running ones until ctx ends and
// flushes the reporter.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.scheduler != nil {
		if err := c.scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close scheduler: %w", err))
		}
	}
	if c.reporter != nil {
		if err := c.reporter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close reporter: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func endpointOf(u *url.URL) string {
	if u == nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)

	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
