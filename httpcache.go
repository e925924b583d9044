package kurir

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives represents parsed Cache-Control directives.
type CacheDirectives struct {
	NoStore bool
	NoCache bool
	Private bool
	MaxAge  *time.Duration
}

// parseCacheControl parses Cache-Control header into structured directives.
func parseCacheControl(header string) CacheDirectives {
	var directives CacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if hasValue {
			if key == "max-age" {
				if seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), "\"")); err == nil {
					maxAge := time.Duration(seconds) * time.Second
					directives.MaxAge = &maxAge
				}
			}
			continue
		}

		switch key {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		case "private":
			directives.Private = true
		}
	}
	return directives
}

// parseExpires parses the Expires header in any of the formats HTTP allows.
func parseExpires(header string) (time.Time, bool) {
	if header == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(header)
	return t, err == nil
}

// responseTTL applies the response's caching headers to fallback. max-age
// wins over Expires; ok is false when the response must not be stored.
func responseTTL(h http.Header, now time.Time, fallback time.Duration) (ttl time.Duration, ok bool) {
	cc := parseCacheControl(h.Get("Cache-Control"))
	if cc.NoStore || cc.NoCache {
		return 0, false
	}
	if cc.MaxAge != nil {
		return *cc.MaxAge, *cc.MaxAge > 0
	}
	if expires, found := parseExpires(h.Get("Expires")); found {
		ttl = expires.Sub(now)
		return ttl, ttl > 0
	}
	return fallback, true
}
