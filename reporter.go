package kurir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Report is one element of the error-report wire format.
type Report struct {
	Error       ReportError       `json:"error"`
	Trace       string            `json:"trace,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Environment ReportEnvironment `json:"environment"`
}

// ReportError describes the failure.
type ReportError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Type    string `json:"type"`
}

// ReportEnvironment describes where the failure happened.
type ReportEnvironment struct {
	UserAgent string `json:"userAgent"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
}

// ReporterConfig configures a Reporter. Start from DefaultReporterConfig: a
// zero SampleRate reports nothing.
type ReporterConfig struct {
	// Endpoint is resolved against BaseURL when relative.
	Endpoint      string
	BaseURL       string
	SampleRate    float64
	BatchSize     int
	MaxQueueSize  int
	FlushInterval time.Duration
	// MaxRetries is how many failed sends a batch survives before it moves
	// to the fallback store.
	MaxRetries int
	// Transform may edit a report; returning false drops it.
	Transform  func(*Report) bool
	Fallback   FallbackStore
	HTTPClient *http.Client
	Headers    http.Header
	UserAgent  string
	// PageURL is reported as environment.url when the error has no URL.
	PageURL string
	Rand    func() float64
}

// DefaultReporterConfig reports everything to /api/error-report in batches of
// 10, keeping at most 100 queued and flushing every 5s.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		Endpoint:      "/api/error-report",
		SampleRate:    1,
		BatchSize:     10,
		MaxQueueSize:  100,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		UserAgent:     "kurir/" + Version,
	}
}

type pendingReport struct {
	report   Report
	failures int
}

// Reporter samples, batches and ships classified errors to a collector.
type Reporter struct {
	cfg      ReporterConfig
	endpoint string

	mu      sync.Mutex
	queue   []pendingReport
	closed  bool
	flushMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  Logger
	metrics *MetricsCollector
	stats   *Stats
	now     func() time.Time
}

// NewReporter validates cfg and fills zero sizes and intervals with defaults.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	def := DefaultReporterConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("%w: reporter sampleRate must be within [0, 1], got %v", ErrInvalidConfig, cfg.SampleRate)
	}

	endpoint, err := resolveEndpoint(cfg.BaseURL, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	return &Reporter{
		cfg:      cfg,
		endpoint: endpoint,
		stop:     make(chan struct{}),
		logger:   NopLogger(),
		now:      time.Now,
	}, nil
}

func resolveEndpoint(base, endpoint string) (string, error) {
	ep, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: reporter endpoint %q: %v", ErrInvalidConfig, endpoint, err)
	}
	if ep.IsAbs() || base == "" {
		return ep.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: base url %q: %v", ErrInvalidConfig, base, err)
	}
	return b.ResolveReference(ep).String(), nil
}

// Endpoint returns the resolved collector URL.
func (r *Reporter) Endpoint() string {
	return r.endpoint
}

// Pending returns the number of queued reports.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Report samples err and queues it. It never fails the caller; problems are
// logged.
func (r *Reporter) Report(err error) {
	ce := Classify(err)
	if ce == nil {
		return
	}
	if r.cfg.Rand() >= r.cfg.SampleRate {
		r.metrics.RecordReport("sampled_out", 1)
		return
	}

	report := r.build(ce)
	if r.cfg.Transform != nil && !r.safeTransform(&report) {
		r.logger.Debug("Report dropped by transform", "kind", ce.Kind)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("Report after close ignored", "kind", ce.Kind)
		return
	}
	dropped := 0
	if len(r.queue) >= r.cfg.MaxQueueSize {
		dropped = len(r.queue) - r.cfg.MaxQueueSize + 1
		r.queue = append(r.queue[:0:0], r.queue[dropped:]...)
	}
	r.queue = append(r.queue, pendingReport{report: report})
	full := len(r.queue) >= r.cfg.BatchSize
	if full {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	r.metrics.RecordReport("queued", 1)
	r.stats.recordReported()
	if dropped > 0 {
		r.metrics.RecordReport("dropped", dropped)
		r.logger.Warn("Report queue full, oldest dropped", "dropped", dropped)
	}
	if full {
		go func() {
			defer r.wg.Done()
			if err := r.Flush(context.Background()); err != nil {
				r.logger.Debug("Batch flush failed", "error", err)
			}
		}()
	}
}

func (r *Reporter) safeTransform(report *Report) (keep bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Report transform panicked", "panic", p)
			keep = false
		}
	}()
	return r.cfg.Transform(report)
}

func (r *Reporter) build(ce *ClassifiedError) Report {
	meta := make(map[string]any, len(ce.Metadata)+6)
	for k, v := range ce.Metadata {
		meta[k] = v
	}
	meta["severity"] = ce.Severity.String()
	meta["retryable"] = ce.Retryable
	meta["retryCount"] = ce.RetryCount
	if ce.Status > 0 {
		meta["status"] = ce.Status
	}
	if ce.Code != "" {
		meta["code"] = ce.Code
	}
	if ce.Method != "" {
		meta["method"] = ce.Method
	}

	ts := ce.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	pageURL := ce.URL
	if pageURL == "" {
		pageURL = r.cfg.PageURL
	}

	report := Report{
		Error: ReportError{
			Name:    errorName(ce),
			Message: ce.Message,
			Type:    ce.Kind.String(),
		},
		Trace:    ce.MetadataString(MetaTraceID),
		Metadata: meta,
		Environment: ReportEnvironment{
			UserAgent: r.cfg.UserAgent,
			Timestamp: ts.UTC().Format(time.RFC3339Nano),
			URL:       pageURL,
		},
	}
	if stack := ce.MetadataString("stack"); stack != "" {
		report.Error.Stack = stack
	}
	return report
}

// errorName is the Go type of the innermost cause, or ClassifiedError.
func errorName(ce *ClassifiedError) string {
	var last error
	for err := ce.Cause; err != nil; err = errors.Unwrap(err) {
		last = err
	}
	if last == nil {
		return "ClassifiedError"
	}
	return fmt.Sprintf("%T", last)
}

// Flush sends up to one batch. A failed batch returns to the front of the
// queue until it has failed MaxRetries times; then it goes to the fallback
// store.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.closed && len(r.queue) == 0 {
		r.mu.Unlock()
		return ErrReporterClosed
	}
	n := min(len(r.queue), r.cfg.BatchSize)
	batch := append([]pendingReport(nil), r.queue[:n]...)
	r.queue = append(r.queue[:0:0], r.queue[n:]...)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := r.send(ctx, batch)
	if err == nil {
		r.metrics.RecordReport("sent", len(batch))
		r.logger.Debug("Error reports sent", "count", len(batch), "endpoint", r.endpoint)
		return nil
	}

	var retry, exhausted []pendingReport
	for _, p := range batch {
		p.failures++
		if p.failures < r.cfg.MaxRetries {
			retry = append(retry, p)
		} else {
			exhausted = append(exhausted, p)
		}
	}

	if len(retry) > 0 {
		var overflow []pendingReport
		r.mu.Lock()
		r.queue = append(retry, r.queue...)
		if over := len(r.queue) - r.cfg.MaxQueueSize; over > 0 {
			overflow = append(overflow, r.queue[len(r.queue)-over:]...)
			r.queue = r.queue[:len(r.queue)-over]
		}
		r.mu.Unlock()
		r.metrics.RecordReport("requeued", len(retry))
		if len(overflow) > 0 {
			r.toFallback(ctx, overflow)
		}
	}
	if len(exhausted) > 0 {
		r.toFallback(ctx, exhausted)
	}

	r.logger.Warn("Error report flush failed", "count", len(batch), "requeued", len(retry), "error", err)
	return err
}

func (r *Reporter) send(ctx context.Context, batch []pendingReport) error {
	reports := make([]Report, len(batch))
	for i, p := range batch {
		reports[i] = p.report
	}
	body, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("encode reports: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	for k, vs := range r.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("post reports: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post reports: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (r *Reporter) toFallback(ctx context.Context, batch []pendingReport) {
	if r.cfg.Fallback == nil {
		r.metrics.RecordReport("dropped", len(batch))
		r.logger.Error("Error reports lost, no fallback store", "count", len(batch))
		return
	}

	records := make([]json.RawMessage, 0, len(batch))
	for _, p := range batch {
		raw, err := json.Marshal(p.report)
		if err != nil {
			r.logger.Error("Encode report for fallback failed", "error", err)
			continue
		}
		records = append(records, raw)
	}
	if err := r.cfg.Fallback.Append(context.WithoutCancel(ctx), FallbackKey, records...); err != nil {
		r.metrics.RecordReport("dropped", len(records))
		r.logger.Error("Fallback store append failed", "count", len(records), "error", err)
		return
	}
	r.metrics.RecordReport("fallback", len(records))
}

// Start runs the periodic flusher until ctx ends or Close is called.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Flush(ctx); err != nil && !errors.Is(err, ErrReporterClosed) {
					r.logger.Debug("Periodic flush failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the flusher and sends what remains. Reports that still cannot
// be delivered go to the fallback store.
func (r *Reporter) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	var firstErr error
	for r.Pending() > 0 {
		if err := r.Flush(ctx); err != nil {
			firstErr = err
			break
		}
	}

	r.mu.Lock()
	r.closed = true
	rest := r.queue
	r.queue = nil
	r.mu.Unlock()
	if len(rest) > 0 {
		r.toFallback(ctx, rest)
	}

	r.wg.Wait()
	return firstErr
}
