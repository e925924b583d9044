package kurir

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const deduplicationTestURL = "http://example.com/test"

func TestDefaultDeduplicationCondition(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"", true},
		{http.MethodGet, true},
		{http.MethodHead, true},
		{http.MethodOptions, true},
		{http.MethodPost, false},
		{http.MethodPut, false},
		{http.MethodDelete, false},
	}

	for _, tt := range tests {
		got := DefaultDeduplicationCondition(CallDescriptor{Method: tt.method})
		if got != tt.want {
			t.Errorf("DefaultDeduplicationCondition(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestDefaultDeduplicationKeyFunc(t *testing.T) {
	a := DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, nil)
	b := DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, nil)
	if a != b {
		t.Error("identical calls should share a key")
	}

	if a == DefaultDeduplicationKeyFunc("HEAD", deduplicationTestURL, nil) {
		t.Error("method should be part of the key")
	}
	if a == DefaultDeduplicationKeyFunc("GET", deduplicationTestURL+"?page=2", nil) {
		t.Error("query should be part of the key")
	}
	if DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, []byte("a")) ==
		DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, []byte("b")) {
		t.Error("body should be part of the key")
	}
}

func TestDeduplicatorSharesResult(t *testing.T) {
	d := NewDeduplicator()
	desc := CallDescriptor{URL: deduplicationTestURL}

	var runs atomic.Int32
	release := make(chan struct{})
	fn := func() (*Response, error) {
		runs.Add(1)
		<-release
		return &Response{StatusCode: http.StatusOK, Body: []byte("shared")}, nil
	}

	var wg sync.WaitGroup
	var sharedCount atomic.Int32
	responses := make([]*Response, 3)
	for i := range responses {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, shared, err := d.Do(context.Background(), desc, deduplicationTestURL, nil, fn)
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
			if shared {
				sharedCount.Add(1)
			}
			responses[i] = resp
		}()
	}

	key := DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, nil)
	waitFor(t, func() bool { return d.InFlight(key) })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if runs.Load() != 1 {
		t.Errorf("Expected one execution, got %d", runs.Load())
	}
	if sharedCount.Load() != 2 {
		t.Errorf("Expected 2 shared results, got %d", sharedCount.Load())
	}
	if d.InFlight(key) {
		t.Error("key should be released after completion")
	}

	responses[0].Body[0] = 'X'
	for _, r := range responses[1:] {
		if r.Body[0] == 'X' {
			t.Error("shared responses must not alias each other")
		}
	}
}

func TestDeduplicatorSharesError(t *testing.T) {
	d := NewDeduplicator()
	boom := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := d.Do(context.Background(), CallDescriptor{}, deduplicationTestURL, nil, func() (*Response, error) {
				<-release
				return nil, boom
			})
			errs <- err
		}()
	}

	key := DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, nil)
	waitFor(t, func() bool { return d.InFlight(key) })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("Expected shared error, got %v", err)
		}
	}
}

func TestDeduplicatorSkipsIneligible(t *testing.T) {
	d := NewDeduplicator()
	var runs atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, shared, _ := d.Do(context.Background(), CallDescriptor{Method: http.MethodPost}, deduplicationTestURL, nil, func() (*Response, error) {
				runs.Add(1)
				<-release
				return &Response{}, nil
			})
			if shared {
				t.Error("POST must not be shared")
			}
		}()
	}

	waitFor(t, func() bool { return runs.Load() == 2 })
	close(release)
	wg.Wait()
}

func TestDeduplicatorWaiterCancel(t *testing.T) {
	d := NewDeduplicator()
	release := make(chan struct{})
	defer close(release)

	go d.Do(context.Background(), CallDescriptor{}, deduplicationTestURL, nil, func() (*Response, error) {
		<-release
		return &Response{}, nil
	})
	key := DefaultDeduplicationKeyFunc("GET", deduplicationTestURL, nil)
	waitFor(t, func() bool { return d.InFlight(key) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, shared, err := d.Do(ctx, CallDescriptor{}, deduplicationTestURL, nil, func() (*Response, error) {
		t.Error("waiter must not run fn")
		return nil, nil
	})

	if !shared || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected waiter to give up with its own deadline, got shared=%v err=%v", shared, err)
	}
	if !d.InFlight(key) {
		t.Error("owner should keep running after a waiter leaves")
	}
}

func TestNilDeduplicatorRunsDirectly(t *testing.T) {
	var d *Deduplicator
	resp, shared, err := d.Do(context.Background(), CallDescriptor{}, deduplicationTestURL, nil, func() (*Response, error) {
		return &Response{StatusCode: http.StatusNoContent}, nil
	})
	if err != nil || shared || resp.StatusCode != http.StatusNoContent {
		t.Errorf("nil deduplicator Do() = %v, %v, %v", resp, shared, err)
	}
	if d.InFlight("any") {
		t.Error("nil deduplicator has nothing in flight")
	}
}

func TestClientDeduplicationCustomKey(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := newBlockingServer(t, &calls, release)
	defer server.Close()

	client := New(
		WithDeduplication(),
		WithDeduplicationKeyFunc(func(method, url string, body []byte) string { return method }),
	)

	var wg sync.WaitGroup
	for _, path := range []string{"/a", "/b"} {
		path := path
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Get(context.Background(), server.URL+path)
		}()
	}
	waitFor(t, func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("custom key should merge different paths, got %d calls", calls.Load())
	}
}

func TestClientDeduplicationDisabledByDefault(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := newBlockingServer(t, &calls, release)
	defer server.Close()

	client := New()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Get(context.Background(), server.URL)
		}()
	}
	waitFor(t, func() bool { return calls.Load() == 3 })
	close(release)
	wg.Wait()
}

func newBlockingServer(t *testing.T, calls *atomic.Int32, release <-chan struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(testResponseBody))
	}))
}
