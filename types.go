package kurir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CallDescriptor describes one logical call. It is treated as immutable once
// handed to the Client.
type CallDescriptor struct {
	// ID identifies the call in the scheduler. Empty means one is generated.
	ID      string
	Method  string
	URL     string
	Params  url.Values
	Body    any
	Headers http.Header
	Cache   *CachePolicy
	Queue   *QueuePolicy
	// Retry overrides the client retry policy for this call.
	Retry *RetryPolicy
	// Metadata is copied onto any ClassifiedError produced by this call.
	Metadata map[string]any
}

// CachePolicy enables response caching for a call.
type CachePolicy struct {
	Enabled bool
	// Key overrides the derived cache key.
	Key string
	// TTL overrides the client default when positive.
	TTL time.Duration
	// HonorHeaders lets the response's Cache-Control and Expires headers
	// set the TTL or forbid storage.
	HonorHeaders bool
}

// QueuePolicy routes a call through the priority scheduler.
type QueuePolicy struct {
	Enabled bool
	// Priority orders admission; higher is sooner.
	Priority int
}

// Response is a fully buffered transport response. kurir never interprets
// the body beyond status codes and an optional BusinessDecoder.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Cached is set when the response was served from the cache.
	Cached bool
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if r == nil {
		return fmt.Errorf("kurir: nil response")
	}
	return json.Unmarshal(r.Body, v)
}

// String returns the body as a string.
func (r *Response) String() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
		Cached:     r.Cached,
	}
}

// Middleware represents a middleware function
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CredentialFunc supplies the current credential value. kurir never acquires
// credentials itself.
type CredentialFunc func(ctx context.Context) (string, error)

// RefreshFunc asks the host application to refresh its credential.
type RefreshFunc func(ctx context.Context) error

// Option represents a configuration option
type Option func(*Client)

func (d CallDescriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

func (d CallDescriptor) queued() bool {
	return d.Queue != nil && d.Queue.Enabled
}

func (d CallDescriptor) priority() int {
	if d.Queue == nil {
		return 0
	}
	return d.Queue.Priority
}

// fullURL resolves the descriptor URL against base and appends Params.
func (d CallDescriptor) fullURL(base *url.URL) (*url.URL, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", d.URL, err)
	}
	if base != nil && !u.IsAbs() {
		u = base.ResolveReference(u)
	}
	if len(d.Params) > 0 {
		q := u.Query()
		for k, vs := range d.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// encodeBody returns the request body bytes and the content type implied by
// the body's Go type.
func (d CallDescriptor) encodeBody() ([]byte, string, error) {
	switch b := d.Body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/octet-stream", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
		return data, "application/octet-stream", nil
	case url.Values:
		return []byte(b.Encode()), "application/x-www-form-urlencoded", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return data, "application/json", nil
	}
}

// newRequest builds a fresh *http.Request for one attempt.
func (d CallDescriptor) newRequest(ctx context.Context, base *url.URL, body []byte, contentType string) (*http.Request, error) {
	u, err := d.fullURL(base)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, d.method(), u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range d.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
