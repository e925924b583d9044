package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	g := New[string]()

	val, err, shared := g.Do(context.Background(), "key1", func() (string, error) {
		return "hello", nil
	})

	if err != nil {
		t.Errorf("Do() returned error: %v", err)
	}
	if val != "hello" {
		t.Errorf("Do() returned %v, want hello", val)
	}
	if shared {
		t.Error("Do() owner result reported as shared")
	}
	if g.InFlight("key1") {
		t.Error("key1 still in flight after Do returned")
	}
}

func TestDoError(t *testing.T) {
	g := New[int]()
	expectedErr := errors.New("test error")

	_, err, _ := g.Do(context.Background(), "key1", func() (int, error) {
		return 0, expectedErr
	})

	if !errors.Is(err, expectedErr) {
		t.Errorf("Do() returned error %v, want %v", err, expectedErr)
	}
}

func TestDoDuplicateCalls(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func() (string, error) {
		if callCount.Add(1) == 1 {
			close(started)
		}
		<-release
		return "result", nil
	}

	const numCalls = 10
	var wg sync.WaitGroup
	results := make([]string, numCalls)
	errs := make([]error, numCalls)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0], _ = g.Do(context.Background(), "same-key", fn)
	}()
	<-started

	for i := 1; i < numCalls; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index], _ = g.Do(context.Background(), "same-key", fn)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for waiters(g, "same-key") < numCalls-1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := callCount.Load(); got != 1 {
		t.Errorf("Function called %d times, want 1", got)
	}

	for i, result := range results {
		if errs[i] != nil {
			t.Errorf("Call %d returned error: %v", i, errs[i])
		}
		if result != "result" {
			t.Errorf("Call %d returned %v, want result", i, result)
		}
	}
}

func waiters[T any](g *Group[T], key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.waiters
	}
	return 0
}

func TestDoWaiterContextCancelled(t *testing.T) {
	g := New[string]()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = g.Do(context.Background(), "k", func() (string, error) {
			close(started)
			<-release
			return "owner", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, shared := g.Do(ctx, "k", func() (string, error) { return "waiter", nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("waiter err = %v, want context.Canceled", err)
	}
	if !shared {
		t.Error("waiter should report shared=true")
	}
	close(release)
}

func TestDoRecoversPanic(t *testing.T) {
	g := New[int]()

	_, err, _ := g.Do(context.Background(), "p", func() (int, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrPanicked) {
		t.Errorf("err = %v, want ErrPanicked", err)
	}
	if g.InFlight("p") {
		t.Error("panicked call left key in flight")
	}
}

func BenchmarkDo(b *testing.B) {
	g := New[string]()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = g.Do(ctx, "bench-key", func() (string, error) {
			return "result", nil
		})
	}
}
