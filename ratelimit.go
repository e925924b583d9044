package kurir

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// KeyFunc derives the rate limit key of an outgoing request.
type KeyFunc func(req *http.Request) string

// RateLimiterRegistry paces transport attempts with a token bucket per key
// and a fallback bucket for keys without their own.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	keyFunc  KeyFunc
	fallback *rate.Limiter
}

// NewRateLimiterRegistry creates a registry. Either argument may be nil.
func NewRateLimiterRegistry(keyFunc KeyFunc, fallback *rate.Limiter) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		keyFunc:  keyFunc,
		fallback: fallback,
	}
}

// RegisterLimiter adds a limiter for the given key.
func (r *RateLimiterRegistry) RegisterLimiter(key string, limiter *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key] = limiter
}

// GetLimiter returns the limiter for req and the key it was found under.
// Requests without a registered limiter get the fallback under "default".
func (r *RateLimiterRegistry) GetLimiter(req *http.Request) (*rate.Limiter, string) {
	if r.keyFunc != nil {
		key := r.keyFunc(req)
		r.mu.RLock()
		limiter, ok := r.limiters[key]
		r.mu.RUnlock()
		if ok {
			return limiter, key
		}
		if r.fallback == nil {
			return nil, key
		}
	}
	return r.fallback, "default"
}

// Wait blocks until req may be sent. A nil limiter never blocks.
func (r *RateLimiterRegistry) Wait(ctx context.Context, req *http.Request) (*rate.Limiter, string, error) {
	limiter, key := r.GetLimiter(req)
	if limiter == nil {
		return nil, key, nil
	}
	return limiter, key, limiter.Wait(ctx)
}

func (r *RateLimiterRegistry) each(fn func(key string, l *rate.Limiter)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback != nil {
		fn("default", r.fallback)
	}
	for k, l := range r.limiters {
		fn(k, l)
	}
}

// DefaultHostKeyFunc generates a key based on the request host.
func DefaultHostKeyFunc(req *http.Request) string {
	if req.URL.Host != "" {
		return "host:" + req.URL.Host
	}
	if req.Host != "" {
		return "host:" + req.Host
	}
	return "host:unknown"
}

// DefaultRouteKeyFunc generates a key based on the request method and path.
func DefaultRouteKeyFunc(req *http.Request) string {
	return "route:" + req.Method + ":" + req.URL.Path
}

// DefaultHostRouteKeyFunc generates a key combining host and route.
func DefaultHostRouteKeyFunc(req *http.Request) string {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		host = "unknown"
	}
	return "host_route:" + host + ":" + req.Method + ":" + req.URL.Path
}
