package kurir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// Duration reads either an integer number of milliseconds or a Go duration
// string such as "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var ms int64
	if err := unmarshal(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the file form of the client options.
type Config struct {
	BaseURL       string   `yaml:"baseURL"`
	Timeout       Duration `yaml:"timeout"`
	UserAgent     string   `yaml:"userAgent"`
	Deduplication bool     `yaml:"deduplication"`
	Metrics       bool     `yaml:"metrics"`

	Cache struct {
		TTL      Duration `yaml:"ttl"`
		Backend  string   `yaml:"backend"`
		Capacity uint64   `yaml:"capacity"`
	} `yaml:"cache"`

	Queue struct {
		Enabled          bool     `yaml:"enabled"`
		Priority         int      `yaml:"priority"`
		AdmissionTimeout Duration `yaml:"admissionTimeout"`
	} `yaml:"queue"`

	Retry struct {
		Times    int            `yaml:"times"`
		Delay    Duration       `yaml:"delay"`
		MaxDelay Duration       `yaml:"maxDelay"`
		Jitter   float64        `yaml:"jitter"`
		PerKind  map[string]int `yaml:"perKind"`
		Disabled bool           `yaml:"disabled"`
	} `yaml:"retry"`

	Concurrency struct {
		Max int `yaml:"max"`
	} `yaml:"concurrency"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	Reporter struct {
		Enabled       bool     `yaml:"enabled"`
		Endpoint      string   `yaml:"endpoint"`
		SampleRate    *float64 `yaml:"sampleRate"`
		BatchSize     int      `yaml:"batchSize"`
		MaxQueueSize  int      `yaml:"maxQueueSize"`
		FlushInterval Duration `yaml:"flushInterval"`
		MaxRetries    int      `yaml:"maxRetries"`
		Fallback      struct {
			Dir      string `yaml:"dir"`
			RedisURL string `yaml:"redisURL"`
		} `yaml:"fallback"`
	} `yaml:"reporter"`

	Notification struct {
		Enabled     bool     `yaml:"enabled"`
		Threshold   string   `yaml:"threshold"`
		Ignore      []string `yaml:"ignore"`
		Duration    Duration `yaml:"duration"`
		MaxDuration Duration `yaml:"maxDuration"`
		Position    string   `yaml:"position"`
		DedupWindow Duration `yaml:"dedupWindow"`
	} `yaml:"notification"`

	Logging struct {
		// Format is "console" (tint) or "json" (zap).
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
		Debug  bool   `yaml:"debug"`
	} `yaml:"logging"`
}

// DefaultConfig mirrors the defaults of New.
func DefaultConfig() Config {
	var cfg Config
	cfg.Timeout = Duration(30 * time.Second)
	cfg.Cache.TTL = Duration(5 * time.Minute)
	cfg.Cache.Backend = "memory"
	cfg.Retry.Times = 3
	cfg.Retry.Delay = Duration(time.Second)
	cfg.Retry.MaxDelay = Duration(30 * time.Second)
	cfg.Concurrency.Max = 4
	cfg.Notification.Threshold = "warning"
	cfg.Logging.Format = "console"
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads a YAML file. A .env file next to it is loaded first so
// ${VAR} references can be expanded; variables already set win.
func LoadConfig(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig expands environment variables in data and decodes it over
// DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that Options cannot express as an Option.
func (c *Config) Validate() error {
	var problems []string

	switch c.Cache.Backend {
	case "", "memory", "ttlcache":
	default:
		problems = append(problems, fmt.Sprintf("cache backend %q must be memory or ttlcache", c.Cache.Backend))
	}
	for name := range c.Retry.PerKind {
		if _, err := ParseKind(name); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.Notification.Threshold != "" {
		if _, err := ParseSeverity(c.Notification.Threshold); err != nil {
			problems = append(problems, err.Error())
		}
	}
	for _, name := range c.Notification.Ignore {
		if _, err := ParseKind(name); err != nil {
			problems = append(problems, err.Error())
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging format %q must be console or json", c.Logging.Format))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Reporter.Fallback.Dir != "" && c.Reporter.Fallback.RedisURL != "" {
		problems = append(problems, "reporter fallback must set only one of dir and redisURL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Options converts the configuration into client options. ctx bounds the
// connection check of a Redis fallback store.
func (c *Config) Options(ctx context.Context) ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	opts := []Option{
		WithTimeout(c.Timeout.D()),
		WithConcurrency(c.Concurrency.Max),
		WithRetryPolicy(c.retryPolicy()),
	}
	if c.BaseURL != "" {
		opts = append(opts, WithBaseURL(c.BaseURL))
	}
	if c.UserAgent != "" {
		opts = append(opts, WithUserAgent(c.UserAgent))
	}

	switch c.Cache.Backend {
	case "ttlcache":
		opts = append(opts, WithTTLCache(c.Cache.TTL.D(), c.Cache.Capacity))
	default:
		opts = append(opts, WithCache(c.Cache.TTL.D()))
	}

	if c.Queue.Enabled {
		opts = append(opts, WithQueue(c.Queue.Priority))
	}
	if c.Queue.AdmissionTimeout > 0 {
		opts = append(opts, WithAdmissionTimeout(c.Queue.AdmissionTimeout.D()))
	}
	if c.RateLimit.RPS > 0 {
		burst := c.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithRateLimit(c.RateLimit.RPS, burst))
	}
	if c.Deduplication {
		opts = append(opts, WithDeduplication())
	}
	if c.Metrics {
		opts = append(opts, WithMetrics())
	}

	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithLogger(logger))
	if c.Logging.Debug {
		opts = append(opts, WithDebug())
	}

	if c.Notification.Enabled {
		opts = append(opts, WithNotifications(c.notificationConfig()))
	}

	if c.Reporter.Enabled {
		rc, err := c.reporterConfig(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithReporter(rc))
	}

	return opts, nil
}

// NewFromConfig builds a client from a YAML file.
func NewFromConfig(ctx context.Context, path string, extra ...Option) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Options(ctx)
	if err != nil {
		return nil, err
	}
	client := New(append(opts, extra...)...)
	if err := client.ValidationError(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Config) retryPolicy() RetryPolicy {
	p := RetryPolicy{
		MaxRetries: c.Retry.Times,
		BaseDelay:  c.Retry.Delay.D(),
		MaxDelay:   c.Retry.MaxDelay.D(),
		Jitter:     c.Retry.Jitter,
		Disabled:   c.Retry.Disabled,
	}
	if len(c.Retry.PerKind) > 0 {
		p.PerKind = make(map[Kind]int, len(c.Retry.PerKind))
		for name, n := range c.Retry.PerKind {
			kind, _ := ParseKind(name)
			p.PerKind[kind] = n
		}
	}
	return p
}

func (c *Config) notificationConfig() NotificationConfig {
	nc := DefaultNotificationConfig()
	if c.Notification.Threshold != "" {
		nc.Threshold, _ = ParseSeverity(c.Notification.Threshold)
	}
	for _, name := range c.Notification.Ignore {
		kind, _ := ParseKind(name)
		nc.IgnoredKinds = append(nc.IgnoredKinds, kind)
	}
	if c.Notification.Duration > 0 {
		nc.Duration = c.Notification.Duration.D()
	}
	if c.Notification.MaxDuration > 0 {
		nc.MaxDuration = c.Notification.MaxDuration.D()
	}
	if c.Notification.Position != "" {
		nc.Position = Position(c.Notification.Position)
	}
	if c.Notification.DedupWindow > 0 {
		nc.DedupWindow = c.Notification.DedupWindow.D()
	}
	return nc
}

func (c *Config) reporterConfig(ctx context.Context) (ReporterConfig, error) {
	rc := DefaultReporterConfig()
	if c.Reporter.Endpoint != "" {
		rc.Endpoint = c.Reporter.Endpoint
	}
	if c.Reporter.SampleRate != nil {
		rc.SampleRate = *c.Reporter.SampleRate
	}
	if c.Reporter.BatchSize > 0 {
		rc.BatchSize = c.Reporter.BatchSize
	}
	if c.Reporter.MaxQueueSize > 0 {
		rc.MaxQueueSize = c.Reporter.MaxQueueSize
	}
	if c.Reporter.FlushInterval > 0 {
		rc.FlushInterval = c.Reporter.FlushInterval.D()
	}
	if c.Reporter.MaxRetries > 0 {
		rc.MaxRetries = c.Reporter.MaxRetries
	}

	switch {
	case c.Reporter.Fallback.Dir != "":
		store, err := NewFileFallback(c.Reporter.Fallback.Dir)
		if err != nil {
			return rc, err
		}
		rc.Fallback = store
	case c.Reporter.Fallback.RedisURL != "":
		store, err := NewRedisFallbackFromURL(ctx, c.Reporter.Fallback.RedisURL)
		if err != nil {
			return rc, err
		}
		rc.Fallback = store
	default:
		rc.Fallback = NewMemoryFallback()
	}
	return rc, nil
}

func (c *Config) logger() (Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	if c.Logging.Debug {
		level = slog.LevelDebug
	}

	if c.Logging.Format == "json" {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapLevel(level))
		zl, err := zc.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build zap logger: %w", err)
		}
		return NewZapLogger(zl), nil
	}
	return NewConsoleLogger(os.Stderr, level), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("logging level %q: %w", s, err)
	}
	return level, nil
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l < slog.LevelInfo:
		return zapcore.DebugLevel
	case l < slog.LevelWarn:
		return zapcore.InfoLevel
	case l < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
