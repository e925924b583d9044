package kurir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("future %s did not resolve in time", f.ID())
	}
	return v, err
}

func TestSchedulerAdmitsByPriority(t *testing.T) {
	s := NewScheduler[string](SchedulerConfig{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	task := func(id string) Task[string] {
		return func(ctx context.Context) (string, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		}
	}

	s.Pause()
	futures := []*Future[string]{
		s.Submit(context.Background(), "p2", 2, task("p2")),
		s.Submit(context.Background(), "p1", 1, task("p1")),
		s.Submit(context.Background(), "p3", 3, task("p3")),
	}
	if diff := cmp.Diff([]string{"p3", "p2", "p1"}, s.Pending()); diff != "" {
		t.Errorf("Pending() mismatch (-want +got):\n%s", diff)
	}
	s.Resume()

	for _, f := range futures {
		if _, err := waitFuture(t, f); err != nil {
			t.Fatalf("task %s failed: %v", f.ID(), err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"p3", "p2", "p1"}, order); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerNeverExceedsCeiling(t *testing.T) {
	const ceiling = 2
	s := NewScheduler[int](SchedulerConfig{Concurrency: ceiling})

	var running, peak atomic.Int32
	var futures []*Future[int]
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, s.Submit(context.Background(), fmt.Sprintf("call-%d", i), i%3, func(ctx context.Context) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}))
	}

	for _, f := range futures {
		if _, err := waitFuture(t, f); err != nil {
			t.Fatalf("task %s failed: %v", f.ID(), err)
		}
	}

	if got := peak.Load(); got > ceiling {
		t.Errorf("peak concurrency %d exceeded ceiling %d", got, ceiling)
	}
	if s.InFlight() != 0 {
		t.Errorf("Expected no in-flight calls after completion, got %d", s.InFlight())
	}
}

func TestSchedulerDuplicateIDSharesFuture(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 1})

	release := make(chan struct{})
	var calls atomic.Int32
	task := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	first := s.Submit(context.Background(), "same", 0, task)
	second := s.Submit(context.Background(), "same", 0, task)
	if first != second {
		t.Error("duplicate id should return the existing future")
	}
	close(release)

	v, err := waitFuture(t, second)
	if err != nil || v != 42 {
		t.Errorf("Wait() = %d, %v; want 42, nil", v, err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected task to run once, ran %d times", calls.Load())
	}
}

func TestSchedulerCancelQueued(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 1})

	release := make(chan struct{})
	holder := s.Submit(context.Background(), "holder", 0, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	var ran atomic.Bool
	queued := s.Submit(context.Background(), "queued", 0, func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})

	queued.Cancel()
	_, err := waitFuture(t, queued)
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("Expected CANCEL error, got %v", err)
	}

	close(release)
	if _, err := waitFuture(t, holder); err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if ran.Load() {
		t.Error("cancelled entry must never run")
	}
	if s.Cancel("queued") {
		t.Error("Cancel of a finished id should report false")
	}
}

func TestSchedulerCallerContextCancelsQueued(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 1})

	release := make(chan struct{})
	defer close(release)
	s.Submit(context.Background(), "holder", 0, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	queued := s.Submit(ctx, "queued", 0, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	cancel()

	_, err := waitFuture(t, queued)
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Kind != KindCancel {
		t.Fatalf("Expected CANCEL ClassifiedError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}

func TestSchedulerCancelRunningCancelsContext(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 1})

	started := make(chan struct{})
	f := s.Submit(context.Background(), "running", 0, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	<-started
	if !s.Cancel("running") {
		t.Fatal("Cancel of a running id should report true")
	}
	if _, err := waitFuture(t, f); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSchedulerAdmissionTimeout(t *testing.T) {
	metrics := NewMetricsCollector()
	s := NewScheduler[int](SchedulerConfig{
		Concurrency:      1,
		AdmissionTimeout: 30 * time.Millisecond,
		Metrics:          metrics,
	})

	release := make(chan struct{})
	defer close(release)
	s.Submit(context.Background(), "holder", 0, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	queued := s.Submit(context.Background(), "starved", 0, func(ctx context.Context) (int, error) {
		return 0, nil
	})

	_, err := waitFuture(t, queued)
	if !errors.Is(err, ErrAdmissionDenied) {
		t.Errorf("Expected ErrAdmissionDenied, got %v", err)
	}
	if len(s.Pending()) != 0 {
		t.Errorf("denied entry should leave the queue, pending = %v", s.Pending())
	}
}

func TestSchedulerFailureReleasesSlot(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 1})

	failing := s.Submit(context.Background(), "fails", 1, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	panicking := s.Submit(context.Background(), "panics", 1, func(ctx context.Context) (int, error) {
		panic("render exploded")
	})
	after := s.Submit(context.Background(), "after", 0, func(ctx context.Context) (int, error) {
		return 7, nil
	})

	if _, err := waitFuture(t, failing); err == nil || err.Error() != "boom" {
		t.Errorf("Expected boom, got %v", err)
	}

	_, err := waitFuture(t, panicking)
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Kind != KindUnknown || ce.Message != "render exploded" {
		t.Errorf("Expected UNKNOWN error from panic, got %v", err)
	}

	if v, err := waitFuture(t, after); err != nil || v != 7 {
		t.Errorf("later entry = %d, %v; want 7, nil", v, err)
	}
}

func TestSchedulerClose(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 1})

	release := make(chan struct{})
	holder := s.Submit(context.Background(), "holder", 0, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	queued := s.Submit(context.Background(), "queued", 0, func(ctx context.Context) (int, error) {
		return 2, nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := waitFuture(t, queued); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("queued entry: expected ErrSchedulerClosed, got %v", err)
	}
	if v, err := waitFuture(t, holder); err != nil || v != 1 {
		t.Errorf("running entry should finish, got %d, %v", v, err)
	}

	late := s.Submit(context.Background(), "late", 0, func(ctx context.Context) (int, error) {
		return 3, nil
	})
	if _, err := waitFuture(t, late); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("late submit: expected ErrSchedulerClosed, got %v", err)
	}
}

func TestSchedulerGeneratesIDs(t *testing.T) {
	s := NewScheduler[int](SchedulerConfig{Concurrency: 2})

	a := s.Submit(context.Background(), "", 0, func(ctx context.Context) (int, error) { return 1, nil })
	b := s.Submit(context.Background(), "", 0, func(ctx context.Context) (int, error) { return 2, nil })

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("Expected distinct generated ids, got %q and %q", a.ID(), b.ID())
	}
	waitFuture(t, a)
	waitFuture(t, b)
}
