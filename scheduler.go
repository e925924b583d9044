package kurir

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work admitted by the Scheduler.
type Task[T any] func(ctx context.Context) (T, error)

// Future is the result handle of a submitted Task.
type Future[T any] struct {
	id     string
	done   chan struct{}
	once   sync.Once
	val    T
	err    error
	cancel func()
}

func newFuture[T any](id string) *Future[T] {
	return &Future[T]{id: id, done: make(chan struct{})}
}

// ID returns the scheduler id of the call.
func (f *Future[T]) ID() string {
	return f.id
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends. Ending ctx only stops this
// waiter; use Cancel to withdraw the call itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel withdraws a queued call (it resolves with a CANCEL error) or
// cancels the context of a running one.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Future[T]) resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Concurrency is the gate ceiling N.
	Concurrency int
	// AdmissionTimeout bounds how long an entry may wait in the queue before it
	// is resolved with ErrAdmissionDenied. Zero waits indefinitely.
	AdmissionTimeout time.Duration
	Logger           Logger
	Metrics          *MetricsCollector
}

type schedEntry[T any] struct {
	id       string
	priority int
	task     Task[T]
	future   *Future[T]
	ctx      context.Context
	cancel   context.CancelFunc
	stop     func() bool
	timer    *time.Timer
	enqueued time.Time
}

// Scheduler admits queued tasks through a Gate, highest priority first.
type Scheduler[T any] struct {
	mu               sync.Mutex
	queue            *PriorityQueue[*schedEntry[T]]
	gate             *Gate
	running          map[string]*schedEntry[T]
	paused           bool
	closed           bool
	draining         bool
	drainRequested   bool
	admissionTimeout time.Duration
	logger           Logger
	metrics          *MetricsCollector
	wg               sync.WaitGroup
}

// NewScheduler creates a scheduler with its own Gate.
func NewScheduler[T any](cfg SchedulerConfig) *Scheduler[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}
	return &Scheduler[T]{
		queue:            NewPriorityQueue[*schedEntry[T]](),
		gate:             NewGate(cfg.Concurrency),
		running:          make(map[string]*schedEntry[T]),
		admissionTimeout: cfg.AdmissionTimeout,
		logger:           logger,
		metrics:          cfg.Metrics,
	}
}

// Submit queues task under id with the given priority and returns its
// Future. An empty id gets a generated one. Submitting an id that is already
// queued or running returns the existing Future instead of a second
// execution.
func (s *Scheduler[T]) Submit(ctx context.Context, id string, priority int, task Task[T]) *Future[T] {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f := newFuture[T](id)
		var zero T
		f.resolve(zero, ErrSchedulerClosed)
		return f
	}
	if e, ok := s.running[id]; ok {
		s.mu.Unlock()
		return e.future
	}
	if e, ok := s.queue.Get(id); ok {
		s.mu.Unlock()
		return e.future
	}

	entryCtx, cancel := context.WithCancel(ctx)
	e := &schedEntry[T]{
		id:       id,
		priority: priority,
		task:     task,
		future:   newFuture[T](id),
		ctx:      entryCtx,
		cancel:   cancel,
		enqueued: time.Now(),
	}
	e.future.cancel = func() { s.Cancel(id) }
	e.stop = context.AfterFunc(ctx, func() { s.Cancel(id) })
	if s.admissionTimeout > 0 {
		e.timer = time.AfterFunc(s.admissionTimeout, func() { s.expire(e) })
	}

	s.queue.Enqueue(id, priority, e)
	s.observeLocked()
	s.mu.Unlock()

	s.logger.Debug("Call queued", "id", id, "priority", priority)
	s.drain()
	return e.future
}

// drain admits waiting entries while the gate has room. Only one pass runs
// at a time; a drain requested during a pass makes that pass loop again.
func (s *Scheduler[T]) drain() {
	s.mu.Lock()
	if s.draining {
		s.drainRequested = true
		s.mu.Unlock()
		return
	}
	s.draining = true

	for {
		s.drainRequested = false

		var admitted []*schedEntry[T]
		for !s.paused && s.queue.Len() > 0 {
			id, _, _ := s.queue.Peek()
			if !s.gate.TryAcquire(id) {
				break
			}
			_, e, _ := s.queue.Dequeue()
			s.running[id] = e
			admitted = append(admitted, e)
		}
		s.observeLocked()
		s.mu.Unlock()

		for _, e := range admitted {
			s.start(e)
		}

		s.mu.Lock()
		if !s.drainRequested {
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler[T]) start(e *schedEntry[T]) {
	if e.timer != nil {
		e.timer.Stop()
	}
	wait := time.Since(e.enqueued)
	s.metrics.RecordQueueWait(wait)
	s.logger.Debug("Call admitted", "id", e.id, "priority", e.priority, "wait", wait)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		v, err := e.run()

		e.stop()
		e.cancel()
		s.mu.Lock()
		delete(s.running, e.id)
		s.observeLocked()
		s.mu.Unlock()
		s.gate.Release(e.id)

		e.future.resolve(v, err)
		s.drain()
	}()
}

func (e *schedEntry[T]) run() (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ClassifyValue(r)
		}
	}()
	return e.task(e.ctx)
}

// Cancel withdraws a queued entry, resolving it with a CANCEL error, or
// cancels the context of a running one. It reports whether id was known.
func (s *Scheduler[T]) Cancel(id string) bool {
	s.mu.Lock()
	if e, ok := s.queue.Remove(id); ok {
		s.observeLocked()
		s.mu.Unlock()

		cause := context.Cause(e.ctx)
		if cause == nil {
			cause = context.Canceled
		}
		s.finishQueued(e, canceledError(id, cause))
		return true
	}
	if e, ok := s.running[id]; ok {
		s.mu.Unlock()
		e.cancel()
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *Scheduler[T]) expire(e *schedEntry[T]) {
	s.mu.Lock()
	if _, ok := s.queue.Remove(e.id); !ok {
		s.mu.Unlock()
		return
	}
	s.observeLocked()
	s.mu.Unlock()

	s.logger.Warn("Admission denied", "id", e.id, "priority", e.priority, "waited", time.Since(e.enqueued))
	s.metrics.RecordAdmissionDenied()
	s.finishQueued(e, fmt.Errorf("%w: %s waited %v", ErrAdmissionDenied, e.id, s.admissionTimeout))
}

func (s *Scheduler[T]) finishQueued(e *schedEntry[T], err error) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.stop()
	e.cancel()
	var zero T
	e.future.resolve(zero, err)
}

func canceledError(id string, cause error) *ClassifiedError {
	e := NewError(KindCancel, "call cancelled before admission")
	e.Cause = cause
	e.WithMetadata("callId", id)
	return e
}

// Pause stops admitting new entries; running ones continue.
func (s *Scheduler[T]) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables admission and drains the queue.
func (s *Scheduler[T]) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.drain()
}

// Paused reports whether admission is held.
func (s *Scheduler[T]) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetConcurrency changes the gate ceiling and drains if it was raised.
func (s *Scheduler[T]) SetConcurrency(n int) {
	s.gate.SetLimit(n)
	s.drain()
}

// Pending returns the ids waiting for admission in drain order.
func (s *Scheduler[T]) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.IDs()
}

// InFlight returns the number of running entries.
func (s *Scheduler[T]) InFlight() int {
	return s.gate.InFlight()
}

// Gate exposes the underlying gate.
func (s *Scheduler[T]) Gate() *Gate {
	return s.gate
}

// Close rejects new submissions, resolves queued entries with
// ErrSchedulerClosed and waits for running ones until ctx ends.
func (s *Scheduler[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	queued := s.queue.Clear()
	s.observeLocked()
	s.mu.Unlock()

	for _, e := range queued {
		s.finishQueued(e, ErrSchedulerClosed)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler[T]) observeLocked() {
	s.metrics.RecordQueueDepth(s.queue.Len())
	s.metrics.RecordInFlight(len(s.running))
}
