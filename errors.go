package kurir

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Sentinel errors for scheduling and configuration outcomes.
var (
	// ErrAdmissionDenied is returned when a queued call waited longer than the
	// admission timeout without getting a slot.
	ErrAdmissionDenied = errors.New("kurir: admission denied")

	// ErrSchedulerClosed is returned for calls submitted after Close.
	ErrSchedulerClosed = errors.New("kurir: scheduler closed")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("kurir: invalid configuration")

	// ErrReporterClosed is returned by Flush after Close.
	ErrReporterClosed = errors.New("kurir: reporter closed")
)

// Kind is the normalized failure category every error is classified into.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindAuth
	KindServer
	KindClient
	KindValidation
	KindBusiness
	KindCancel
	KindRender
)

// Severity orders how loudly a failure should be surfaced.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// kindInfo is the per-kind default policy. Every Kind must have an entry;
// TestKindTableIsExhaustive enforces it.
type kindInfo struct {
	name        string
	retryable   bool
	severity    Severity
	notifyType  NotificationType
	title       string
	description string
}

var kindTable = map[Kind]kindInfo{
	KindNetwork: {
		name: "NETWORK", retryable: true, severity: SeverityError, notifyType: NotifyError,
		title:       "Network error",
		description: "Unable to reach the server. Check your connection and try again.",
	},
	KindTimeout: {
		name: "TIMEOUT", retryable: true, severity: SeverityWarning, notifyType: NotifyWarning,
		title:       "Request timed out",
		description: "The server took too long to respond.",
	},
	KindAuth: {
		name: "AUTH", retryable: false, severity: SeverityError, notifyType: NotifyError,
		title:       "Authentication required",
		description: "Your session is invalid or has expired.",
	},
	KindServer: {
		name: "SERVER", retryable: true, severity: SeverityError, notifyType: NotifyError,
		title:       "Server error",
		description: "The server failed to process the request.",
	},
	KindClient: {
		name: "CLIENT", retryable: false, severity: SeverityWarning, notifyType: NotifyWarning,
		title:       "Request failed",
		description: "The request could not be completed.",
	},
	KindValidation: {
		name: "VALIDATION", retryable: false, severity: SeverityWarning, notifyType: NotifyWarning,
		title:       "Invalid input",
		description: "Some of the submitted data is invalid.",
	},
	KindBusiness: {
		name: "BUSINESS", retryable: false, severity: SeverityWarning, notifyType: NotifyWarning,
		title:       "Operation rejected",
		description: "The operation was rejected by the server.",
	},
	KindCancel: {
		name: "CANCEL", retryable: false, severity: SeverityInfo, notifyType: NotifyInfo,
		title:       "Request cancelled",
		description: "The request was cancelled before it completed.",
	},
	KindRender: {
		name: "RENDER", retryable: false, severity: SeverityCritical, notifyType: NotifyError,
		title:       "Display error",
		description: "Part of the page failed to render.",
	},
	KindUnknown: {
		name: "UNKNOWN", retryable: false, severity: SeverityError, notifyType: NotifyError,
		title:       "Unexpected error",
		description: "Something went wrong.",
	},
}

// AllKinds lists every Kind in declaration order.
func AllKinds() []Kind {
	return []Kind{
		KindUnknown, KindNetwork, KindTimeout, KindAuth, KindServer,
		KindClient, KindValidation, KindBusiness, KindCancel, KindRender,
	}
}

func (k Kind) info() kindInfo {
	if info, ok := kindTable[k]; ok {
		return info
	}
	return kindTable[KindUnknown]
}

func (k Kind) String() string {
	return k.info().name
}

// DefaultRetryable reports whether failures of this kind are retried by default.
func (k Kind) DefaultRetryable() bool {
	return k.info().retryable
}

// DefaultSeverity returns the severity assigned to new errors of this kind.
func (k Kind) DefaultSeverity() Severity {
	return k.info().severity
}

// ParseKind parses a kind name such as "network" or "TIMEOUT".
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, k := range AllKinds() {
		if k.String() == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses "info", "warning", "error" or "critical".
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

// ClassifiedError is a failure normalized into the kurir taxonomy. It is
// created once by Classify (or NewError); the retry and recovery stages only
// bump RetryCount.
type ClassifiedError struct {
	Kind       Kind
	Message    string
	Status     int
	Code       string
	Retryable  bool
	RetryCount int
	// MaxRetries is the retry ceiling for Kind; RetryCount never exceeds it.
	MaxRetries int
	Severity   Severity
	Metadata   map[string]any
	Cause      error
	Timestamp  time.Time
	Method     string
	URL        string

	notified atomic.Bool
}

// Per-kind sentinels for errors.Is, e.g. errors.Is(err, kurir.ErrTimeout).
var (
	ErrNetwork    = &ClassifiedError{Kind: KindNetwork}
	ErrTimeout    = &ClassifiedError{Kind: KindTimeout}
	ErrAuth       = &ClassifiedError{Kind: KindAuth}
	ErrServer     = &ClassifiedError{Kind: KindServer}
	ErrClient     = &ClassifiedError{Kind: KindClient}
	ErrValidation = &ClassifiedError{Kind: KindValidation}
	ErrBusiness   = &ClassifiedError{Kind: KindBusiness}
	ErrCanceled   = &ClassifiedError{Kind: KindCancel}
	ErrRender     = &ClassifiedError{Kind: KindRender}
	ErrUnknown    = &ClassifiedError{Kind: KindUnknown}
)

// NewError builds a ClassifiedError with the kind's default retryability and
// severity.
func NewError(kind Kind, message string) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Message:   message,
		Retryable: kind.DefaultRetryable(),
		Severity:  kind.DefaultSeverity(),
		Timestamp: time.Now(),
	}
}

// NewRenderError classifies a presentation-layer failure.
func NewRenderError(message string, cause error) *ClassifiedError {
	e := NewError(KindRender, message)
	e.Cause = cause
	return e
}

// Error implements error interface.
func (e *ClassifiedError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RetryCount > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.RetryCount)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports kind equality against another *ClassifiedError.
func (e *ClassifiedError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*ClassifiedError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithMetadata sets a metadata entry and returns e for chaining.
func (e *ClassifiedError) WithMetadata(key string, value any) *ClassifiedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// MetadataString returns a metadata value rendered as a string, or "".
func (e *ClassifiedError) MetadataString(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// incrementRetry bumps RetryCount without crossing MaxRetries and reports
// whether it did.
func (e *ClassifiedError) incrementRetry() bool {
	if e.MaxRetries > 0 && e.RetryCount >= e.MaxRetries {
		return false
	}
	e.RetryCount++
	return true
}

// markNotified returns true the first time it is called for e.
func (e *ClassifiedError) markNotified() bool {
	return e.notified.CompareAndSwap(false, true)
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClassifiedError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "Severity: %s\n", e.Severity)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.Method != "" {
		fmt.Fprintf(&b, "Method: %s\n", e.Method)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", e.URL)
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, "Code: %s\n", e.Code)
	}
	fmt.Fprintf(&b, "Retryable: %t\n", e.Retryable)
	if e.RetryCount > 0 {
		fmt.Fprintf(&b, "Attempts: %d/%d\n", e.RetryCount, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if id := e.MetadataString(MetaRequestID); id != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", id)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

// Metadata keys understood by the notification and reporting stages.
const (
	MetaRequestID = "requestId"
	MetaTimestamp = "timestamp"
	MetaUserID    = "userId"
	MetaTraceID   = "traceId"
)
