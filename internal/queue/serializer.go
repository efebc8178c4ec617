// Package queue provides the single-writer task serializer that orders all
// local store mutations.
package queue

import (
	"context"
	"errors"
	"sync"
)

// Task is a unit of work executed by the Serializer.
type Task func() error

// ErrClosed is returned for tasks that could not run because the serializer
// was shut down.
var ErrClosed = errors.New("queue: serializer closed")

type job struct {
	fn   Task
	done chan error
}

// Serializer runs tasks one at a time, in submission order, on a single
// worker goroutine. Every write to the local store funnels through one
// Serializer, so concurrent events can never interleave partial updates.
type Serializer struct {
	jobs chan job
	stop chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

// NewSerializer starts a serializer with the given queue depth. Enqueue
// blocks once the queue is full, which backpressures the event consumers.
func NewSerializer(depth int) *Serializer {
	s := &Serializer{
		jobs: make(chan job, depth),
		stop: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Serializer) run() {
	for {
		select {
		case j := <-s.jobs:
			s.waitResumed()
			j.done <- j.fn()
		case <-s.stop:
			// Fail whatever is still queued.
			for {
				select {
				case j := <-s.jobs:
					j.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (s *Serializer) waitResumed() {
	s.mu.Lock()
	for s.paused && !s.closed {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Enqueue submits a task and blocks until it has run, returning the task's
// error. If ctx is done before the task completes, Enqueue returns early
// with ctx.Err() but the task still runs: once accepted, a write is
// committed to happen.
func (s *Serializer) Enqueue(ctx context.Context, fn Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until every task enqueued before the call has completed. It
// is a barrier, not a flush: tasks enqueued after Drain are unaffected.
func (s *Serializer) Drain(ctx context.Context) error {
	return s.Enqueue(ctx, func() error { return nil })
}

// Pause stops the worker before its next task. Queued tasks are retained
// and run in order on Resume.
func (s *Serializer) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts a paused worker.
func (s *Serializer) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Close shuts the serializer down. Queued tasks that have not started fail
// with ErrClosed.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	close(s.stop)
}
