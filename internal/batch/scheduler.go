// Package batch coalesces write operations by key. Operations sharing a
// key accumulate until the batch reaches its size bound or its delay
// window closes, then all of them run concurrently while each caller
// settles independently. Keying saves by group id is what serializes the
// "one write in flight per group" pattern the version protocol relies on.
package batch

import (
	"context"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"
)

const (
	DefaultMaxSize = 10
	DefaultDelay   = 100 * time.Millisecond
)

var (
	flushBySizeTotal  = vmetrics.GetOrCreateCounter("wayfarer_batch_flush_size_total")
	flushByTimerTotal = vmetrics.GetOrCreateCounter("wayfarer_batch_flush_timer_total")
	opsTotal          = vmetrics.GetOrCreateCounter("wayfarer_batch_ops_total")
)

// Operation is one queued unit of work. It runs with a background
// context: by the time a batch fires, the enqueuing request may be gone.
type Operation[T any] func(ctx context.Context) (T, error)

type result[T any] struct {
	value T
	err   error
}

// Pending settles when its operation completes, regardless of how the
// batch was grouped or when it fired.
type Pending[T any] struct {
	done chan result[T]
}

// Wait blocks until the operation settles or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type queuedOp[T any] struct {
	op   Operation[T]
	done chan result[T]
}

type pendingBatch[T any] struct {
	ops   []queuedOp[T]
	timer *time.Timer
}

// Scheduler groups operations by key. Safe for concurrent use.
type Scheduler[T any] struct {
	maxSize int
	delay   time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	batches map[string]*pendingBatch[T]
	running sync.WaitGroup
}

func NewScheduler[T any](maxSize int, delay time.Duration, logger *zap.Logger) *Scheduler[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler[T]{
		maxSize: maxSize,
		delay:   delay,
		logger:  logger,
		batches: make(map[string]*pendingBatch[T]),
	}
}

// Add queues op under key. The batch fires when it reaches the size
// bound or when the delay since its first operation elapses, whichever
// comes first.
func (s *Scheduler[T]) Add(key string, op Operation[T]) *Pending[T] {
	queued := queuedOp[T]{op: op, done: make(chan result[T], 1)}
	opsTotal.Inc()

	s.mu.Lock()
	current, ok := s.batches[key]
	if !ok {
		current = &pendingBatch[T]{}
		current.timer = time.AfterFunc(s.delay, func() {
			s.flushKey(key, current)
			flushByTimerTotal.Inc()
		})
		s.batches[key] = current
	}
	current.ops = append(current.ops, queued)
	s.running.Add(1)

	if len(current.ops) >= s.maxSize {
		// Size bound reached: fire now instead of waiting out the delay.
		current.timer.Stop()
		delete(s.batches, key)
		ops := current.ops
		s.mu.Unlock()
		s.execute(ops)
		flushBySizeTotal.Inc()
		return &Pending[T]{done: queued.done}
	}
	s.mu.Unlock()

	return &Pending[T]{done: queued.done}
}

// flushKey fires a batch from its timer. The batch may already have been
// taken by a size-bound flush or FlushAll; the pointer comparison
// guards against firing a successor batch under the same key.
func (s *Scheduler[T]) flushKey(key string, expected *pendingBatch[T]) {
	s.mu.Lock()
	current, ok := s.batches[key]
	if !ok || current != expected {
		s.mu.Unlock()
		return
	}
	delete(s.batches, key)
	ops := current.ops
	s.mu.Unlock()

	s.execute(ops)
}

// FlushAll fires every pending batch immediately and waits for all
// in-flight operations to settle. Called at dispose so queued writes
// are never dropped.
func (s *Scheduler[T]) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	pending := make([][]queuedOp[T], 0, len(s.batches))
	for key, current := range s.batches {
		current.timer.Stop()
		pending = append(pending, current.ops)
		delete(s.batches, key)
	}
	s.mu.Unlock()

	for _, ops := range pending {
		s.execute(ops)
	}

	settled := make(chan struct{})
	go func() {
		s.running.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs every queued operation concurrently; each settles its own
// caller.
func (s *Scheduler[T]) execute(ops []queuedOp[T]) {
	for _, queued := range ops {
		go func(q queuedOp[T]) {
			defer s.running.Done()
			value, err := q.op(context.Background())
			q.done <- result[T]{value: value, err: err}
		}(queued)
	}
}
