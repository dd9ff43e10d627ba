package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cascadehq/cascade/pkg/schema"
)

// Continuation names a unit of deferred work: the step of an execution
// that must run (or finish running) out of band. It is small enough to
// survive any queue; all real state lives on the execution record.
type Continuation struct {
	ExecutionID string `json:"execution_id"`
	StepSlug    string `json:"step_slug"`
	Attempt     int    `json:"attempt"`
	Kind        string `json:"kind"` // action | llm | loop
}

// Handler consumes continuations. Bound by the embedding application to
// Engine.HandleContinuation.
type Handler func(ctx context.Context, c Continuation)

// TaskScheduler is the boundary between the engine and whatever queue the
// embedding application runs. Enqueue must be at-least-once; the journal
// makes duplicate delivery harmless.
type TaskScheduler interface {
	Enqueue(ctx context.Context, c Continuation) error
	Every(interval time.Duration, fn func(ctx context.Context)) (stop func())
}

// MemoryScheduler is the in-process TaskScheduler used by the default
// wiring and by tests. A single worker goroutine drains the queue, which
// also serializes continuations against each other.
type MemoryScheduler struct {
	mu      sync.RWMutex
	handler Handler
	queue   chan Continuation
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewMemoryScheduler creates a scheduler with the given queue depth.
func NewMemoryScheduler(buffer int) *MemoryScheduler {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryScheduler{
		queue: make(chan Continuation, buffer),
		done:  make(chan struct{}),
	}
}

// SetHandler binds the continuation consumer. Must be called before Start.
func (s *MemoryScheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start launches the worker goroutine. ctx bounds the lifetime of all
// handler invocations.
func (s *MemoryScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case c, ok := <-s.queue:
				if !ok {
					return
				}
				s.mu.RLock()
				h := s.handler
				s.mu.RUnlock()
				if h != nil {
					h(ctx, c)
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Enqueue places a continuation on the queue.
func (s *MemoryScheduler) Enqueue(ctx context.Context, c Continuation) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return schema.NewError(schema.ErrCodeExecution, "task scheduler is closed")
	}
	select {
	case s.queue <- c:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "enqueue interrupted").WithCause(ctx.Err())
	case <-s.done:
		return schema.NewError(schema.ErrCodeExecution, "task scheduler is closed")
	}
}

// Every runs fn periodically until the returned stop function is called
// or the scheduler closes.
func (s *MemoryScheduler) Every(interval time.Duration, fn func(ctx context.Context)) (stop func()) {
	stopCh := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ctx := context.Background()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-stopCh:
				return
			case <-s.done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

// Close stops the worker and all periodic tasks. Queued continuations that
// have not started are dropped; a restart re-derives them from persisted
// execution state.
func (s *MemoryScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}
