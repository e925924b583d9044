package kurir

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NotificationType selects how a notification is styled. The zero value
// means "derive from the error kind".
type NotificationType int

const (
	NotifyInfo NotificationType = iota + 1
	NotifySuccess
	NotifyWarning
	NotifyError
)

func (t NotificationType) String() string {
	switch t {
	case NotifyInfo:
		return "info"
	case NotifySuccess:
		return "success"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "error"
	default:
		return "unset"
	}
}

// ParseNotificationType parses "info", "success", "warning" or "error".
func ParseNotificationType(s string) (NotificationType, error) {
	for _, t := range []NotificationType{NotifyInfo, NotifySuccess, NotifyWarning, NotifyError} {
		if strings.EqualFold(strings.TrimSpace(s), t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown notification type %q", s)
}

// Position is where a presentation layer should place a notification.
type Position string

const (
	PositionTopLeft      Position = "top-left"
	PositionTopCenter    Position = "top-center"
	PositionTopRight     Position = "top-right"
	PositionBottomLeft   Position = "bottom-left"
	PositionBottomCenter Position = "bottom-center"
	PositionBottomRight  Position = "bottom-right"
)

// Notification is one user-facing alert.
type Notification struct {
	// Message is the error's own message, or the kind title when it has none.
	Message string
	// Description holds the kind title, template text and call details.
	Description string
	Type        NotificationType
	Duration    time.Duration
	Position    Position
	Kind        Kind
	Severity    Severity
	Timestamp   time.Time
}

// Visibility lets a rule override the severity threshold.
type Visibility int

const (
	VisibilityDefault Visibility = iota
	VisibilityShow
	VisibilityHide
)

// NotificationOptions are the overrides a matching rule applies. Zero fields
// keep the defaults.
type NotificationOptions struct {
	Visibility  Visibility
	Type        NotificationType
	Message     string
	Description string
	Duration    time.Duration
	Position    Position
}

// NotificationRule matches errors and applies Options. Rules are evaluated
// in order; the first match wins.
type NotificationRule struct {
	Name    string
	Match   func(err *ClassifiedError) bool
	Options NotificationOptions
}

// NotificationTemplate overrides the per-kind title and description.
type NotificationTemplate struct {
	Title       string
	Description string
}

// NotificationConfig configures a NotificationManager.
type NotificationConfig struct {
	// Threshold is the minimum severity shown when no rule decides.
	Threshold    Severity
	IgnoredKinds []Kind
	Rules        []NotificationRule
	Templates    map[Kind]NotificationTemplate
	Duration     time.Duration
	MaxDuration  time.Duration
	Position     Position
	// DedupWindow collapses identical kind+message notifications. Zero
	// disables it.
	DedupWindow time.Duration
	Handler     func(Notification)
}

// DefaultNotificationConfig shows warning and above for 4.5s (at most 10s)
// top-right, collapsing duplicates within 3s.
func DefaultNotificationConfig() NotificationConfig {
	return NotificationConfig{
		Threshold:   SeverityWarning,
		Duration:    4500 * time.Millisecond,
		MaxDuration: 10 * time.Second,
		Position:    PositionTopRight,
		DedupWindow: 3 * time.Second,
	}
}

// NotificationManager decides whether an unresolved failure is shown and
// emits at most one Notification for it.
type NotificationManager struct {
	mu      sync.RWMutex
	cfg     NotificationConfig
	ignored map[Kind]bool
	recent  *ttlcache.Cache[string, struct{}]

	subMu   sync.Mutex
	subs    map[int]chan Notification
	nextSub int

	retrier *Retrier
	logger  Logger
	metrics *MetricsCollector
	stats   *Stats
	now     func() time.Time
}

// NewNotificationManager builds a manager; zero durations and position fall
// back to DefaultNotificationConfig.
func NewNotificationManager(cfg NotificationConfig) *NotificationManager {
	def := DefaultNotificationConfig()
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.Position == "" {
		cfg.Position = def.Position
	}

	m := &NotificationManager{
		cfg:     cfg,
		ignored: make(map[Kind]bool),
		subs:    make(map[int]chan Notification),
		retrier: NewRetrier(DefaultRetryPolicy()),
		logger:  NopLogger(),
		now:     time.Now,
	}
	for _, k := range cfg.IgnoredKinds {
		m.ignored[k] = true
	}
	if cfg.DedupWindow > 0 {
		m.recent = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.DedupWindow),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
			ttlcache.WithCapacity[string, struct{}](1024),
		)
	}
	return m
}

// SetHandler registers the in-process handler. With no handler,
// notifications are broadcast to subscribers.
func (m *NotificationManager) SetHandler(h func(Notification)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Handler = h
}

// SetThreshold changes the minimum severity shown.
func (m *NotificationManager) SetThreshold(s Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Threshold = s
}

// Ignore suppresses every error of the given kinds.
func (m *NotificationManager) Ignore(kinds ...Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range kinds {
		m.ignored[k] = true
	}
}

// AddRule appends a custom rule.
func (m *NotificationManager) AddRule(rule NotificationRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Rules = append(m.cfg.Rules, rule)
}

// Subscribe returns a channel receiving broadcast notifications and a
// function that unsubscribes and closes it. Sends never block; a full
// channel drops the notification.
func (m *NotificationManager) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// Notify surfaces err. When retry is non-nil it is first run through the
// retry stage and nothing is shown if it succeeds. It reports whether a
// notification was emitted.
func (m *NotificationManager) Notify(ctx context.Context, err error, retry func(ctx context.Context) error) bool {
	ce := Classify(err)
	if ce == nil {
		return false
	}
	if retry != nil {
		rerr := m.retrier.Do(ctx, retry)
		if rerr == nil {
			m.logger.Debug("Failure resolved by retry before notification", "kind", ce.Kind)
			return false
		}
		ce = Classify(rerr)
	}
	return m.emit(ce)
}

func (m *NotificationManager) emit(ce *ClassifiedError) bool {
	if !ce.markNotified() {
		return false
	}

	n, show := m.Decide(ce)
	if !show {
		m.logger.Debug("Notification suppressed", "kind", ce.Kind, "severity", ce.Severity)
		return false
	}
	if m.duplicate(ce) {
		m.logger.Debug("Duplicate notification collapsed", "kind", ce.Kind, "message", ce.Message)
		return false
	}

	m.dispatch(n)
	m.metrics.RecordNotification(n.Type)
	m.stats.recordNotified()
	return true
}

// Decide builds the notification for ce and reports whether it should be
// shown. It has no side effects.
func (m *NotificationManager) Decide(ce *ClassifiedError) (Notification, bool) {
	m.mu.RLock()
	cfg := m.cfg
	ignored := m.ignored[ce.Kind]
	m.mu.RUnlock()

	n := m.build(cfg, ce)
	if ignored {
		return n, false
	}

	for _, rule := range cfg.Rules {
		if rule.Match == nil || !m.safeMatch(rule, ce) {
			continue
		}
		n = applyOptions(cfg, n, rule.Options)
		switch rule.Options.Visibility {
		case VisibilityShow:
			return n, true
		case VisibilityHide:
			return n, false
		}
		return n, ce.Severity >= cfg.Threshold
	}

	return n, ce.Severity >= cfg.Threshold
}

func (m *NotificationManager) safeMatch(rule NotificationRule, ce *ClassifiedError) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("Notification rule panicked", "rule", rule.Name, "panic", p)
			ok = false
		}
	}()
	return rule.Match(ce)
}

func (m *NotificationManager) build(cfg NotificationConfig, ce *ClassifiedError) Notification {
	info := ce.Kind.info()
	title, desc := info.title, info.description
	if tpl, ok := cfg.Templates[ce.Kind]; ok {
		if tpl.Title != "" {
			title = tpl.Title
		}
		if tpl.Description != "" {
			desc = tpl.Description
		}
	}

	typ := info.notifyType
	if ce.Severity >= SeverityCritical {
		typ = NotifyError
	}

	msg := ce.Message
	if msg == "" {
		msg = title
	}

	return Notification{
		Message:     msg,
		Description: describe(title+"\n"+desc, ce),
		Type:        typ,
		Duration:    clampDuration(cfg.Duration, cfg),
		Position:    cfg.Position,
		Kind:        ce.Kind,
		Severity:    ce.Severity,
		Timestamp:   m.now(),
	}
}

func applyOptions(cfg NotificationConfig, n Notification, opts NotificationOptions) Notification {
	if opts.Type != 0 {
		n.Type = opts.Type
	}
	if opts.Message != "" {
		n.Message = opts.Message
	}
	if opts.Description != "" {
		n.Description = opts.Description
	}
	if opts.Duration > 0 {
		n.Duration = clampDuration(opts.Duration, cfg)
	}
	if opts.Position != "" {
		n.Position = opts.Position
	}
	return n
}

func clampDuration(d time.Duration, cfg NotificationConfig) time.Duration {
	if d <= 0 {
		d = cfg.Duration
	}
	if cfg.MaxDuration > 0 && d > cfg.MaxDuration {
		return cfg.MaxDuration
	}
	return d
}

// describe appends status code and metadata details to the title and
// template text.
func describe(base string, ce *ClassifiedError) string {
	lines := []string{base}
	if ce.Status > 0 {
		lines = append(lines, "Status: "+strconv.Itoa(ce.Status))
	}
	if id := ce.MetadataString(MetaRequestID); id != "" {
		lines = append(lines, "Request ID: "+id)
	}
	if ts := ce.MetadataString(MetaTimestamp); ts != "" {
		lines = append(lines, "Time: "+ts)
	} else if !ce.Timestamp.IsZero() {
		lines = append(lines, "Time: "+ce.Timestamp.UTC().Format(time.RFC3339))
	}
	if uid := ce.MetadataString(MetaUserID); uid != "" {
		lines = append(lines, "User: "+uid)
	}
	return strings.Join(lines, "\n")
}

func (m *NotificationManager) duplicate(ce *ClassifiedError) bool {
	if m.recent == nil {
		return false
	}
	key := ce.Kind.String() + "|" + ce.Message

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recent.Get(key) != nil {
		return true
	}
	m.recent.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (m *NotificationManager) dispatch(n Notification) {
	m.mu.RLock()
	handler := m.cfg.Handler
	m.mu.RUnlock()

	if handler != nil {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("Notification handler panicked", "panic", p)
			}
		}()
		handler(n)
		return
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- n:
		default:
			m.logger.Warn("Notification dropped for slow subscriber", "subscriber", id, "kind", n.Kind)
		}
	}
}
