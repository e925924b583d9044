package kurir

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	cc := parseCacheControl(`public, max-age="60", Private`)
	if cc.MaxAge == nil || *cc.MaxAge != time.Minute {
		t.Errorf("Expected max-age 60s, got %v", cc.MaxAge)
	}
	if !cc.Private || cc.NoStore || cc.NoCache {
		t.Errorf("unexpected directives %+v", cc)
	}

	cc = parseCacheControl("no-store, max-age=abc")
	if !cc.NoStore || cc.MaxAge != nil {
		t.Errorf("unexpected directives %+v", cc)
	}

	if cc := parseCacheControl(""); cc.MaxAge != nil || cc.NoStore {
		t.Errorf("empty header should give zero directives, got %+v", cc)
	}
}

func TestParseExpires(t *testing.T) {
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, header := range []string{
		"Mon, 01 Jan 2024 12:00:00 GMT",
		"Monday, 01-Jan-24 12:00:00 GMT",
		"Mon Jan  1 12:00:00 2024",
	} {
		got, ok := parseExpires(header)
		if !ok || !got.Equal(want) {
			t.Errorf("parseExpires(%q) = %v, %v", header, got, ok)
		}
	}
	if _, ok := parseExpires("tomorrow"); ok {
		t.Error("invalid date should not parse")
	}
}

func TestResponseTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fallback := 5 * time.Minute

	tests := []struct {
		name   string
		header http.Header
		ttl    time.Duration
		ok     bool
	}{
		{"no headers", http.Header{}, fallback, true},
		{"max-age", http.Header{"Cache-Control": {"max-age=30"}}, 30 * time.Second, true},
		{"max-age zero", http.Header{"Cache-Control": {"max-age=0"}}, 0, false},
		{"no-store", http.Header{"Cache-Control": {"no-store"}}, 0, false},
		{"no-cache", http.Header{"Cache-Control": {"no-cache"}}, 0, false},
		{"expires", http.Header{"Expires": {"Mon, 01 Jan 2024 12:10:00 GMT"}}, 10 * time.Minute, true},
		{"expired", http.Header{"Expires": {"Mon, 01 Jan 2024 11:00:00 GMT"}}, -time.Hour, false},
		{"max-age wins", http.Header{
			"Cache-Control": {"max-age=5"},
			"Expires":       {"Mon, 01 Jan 2024 12:10:00 GMT"},
		}, 5 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ttl, ok := responseTTL(tt.header, now, fallback)
			if ttl != tt.ttl || ok != tt.ok {
				t.Errorf("responseTTL() = %v, %v; want %v, %v", ttl, ok, tt.ttl, tt.ok)
			}
		})
	}
}

func TestClientHonorsCacheHeaders(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/private" {
			w.Header().Set("Cache-Control", "no-store")
		}
		w.Write([]byte(testResponseBody))
	}))
	defer server.Close()

	client := New()
	policy := &CachePolicy{Enabled: true, HonorHeaders: true}

	for i := 0; i < 2; i++ {
		client.Do(context.Background(), CallDescriptor{URL: server.URL + "/private", Cache: policy})
	}
	if calls.Load() != 2 {
		t.Errorf("no-store responses must not be cached, calls=%d", calls.Load())
	}

	for i := 0; i < 2; i++ {
		client.Do(context.Background(), CallDescriptor{URL: server.URL + "/public", Cache: policy})
	}
	if calls.Load() != 3 {
		t.Errorf("responses without directives use the default TTL, calls=%d", calls.Load())
	}
}
