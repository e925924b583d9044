package kurir

import (
	"context"

	"github.com/ambiyansyah-risyal/kurir/internal/singleflight"
)

// DeduplicationKeyFunc builds a key for identifying identical in-flight calls.
// url is the resolved target including query parameters; body is the encoded
// request body.
type DeduplicationKeyFunc func(method, url string, body []byte) string

// DefaultDeduplicationKeyFunc hashes method, URL and body.
func DefaultDeduplicationKeyFunc(method, url string, body []byte) string {
	return cacheKey(method, url, nil, body)
}

// DeduplicationCondition decides whether a call is eligible for deduplication.
type DeduplicationCondition func(desc CallDescriptor) bool

// DefaultDeduplicationCondition enables deduplication for safe idempotent methods.
func DefaultDeduplicationCondition(desc CallDescriptor) bool {
	switch desc.method() {
	case "GET", "HEAD", "OPTIONS":
		return true
	}
	return false
}

// Deduplicator coalesces identical in-flight calls so that only the first
// one reaches the scheduler and transport. Later callers share its result.
type Deduplicator struct {
	group     *singleflight.Group[*Response]
	keyFunc   DeduplicationKeyFunc
	condition DeduplicationCondition
}

// NewDeduplicator returns a deduplicator using the default key and condition.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		group:     singleflight.New[*Response](),
		keyFunc:   DefaultDeduplicationKeyFunc,
		condition: DefaultDeduplicationCondition,
	}
}

// Do runs fn, or waits for an identical call already in flight. shared
// reports whether the result came from another caller; shared responses are
// copies, so callers may mutate them freely. A waiter whose ctx ends stops
// waiting without affecting the owner.
func (d *Deduplicator) Do(ctx context.Context, desc CallDescriptor, url string, body []byte, fn func() (*Response, error)) (resp *Response, shared bool, err error) {
	if d == nil || !d.condition(desc) {
		resp, err = fn()
		return resp, false, err
	}

	key := d.keyFunc(desc.method(), url, body)
	resp, err, shared = d.group.Do(ctx, key, fn)
	if shared {
		resp = resp.clone()
	}
	return resp, shared, err
}

// InFlight reports whether a call with the given key is running.
func (d *Deduplicator) InFlight(key string) bool {
	if d == nil {
		return false
	}
	return d.group.InFlight(key)
}
