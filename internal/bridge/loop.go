package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrShuttingDown is returned by Submit once the loop has stopped.
var ErrShuttingDown = errors.New("bridge: event loop is shutting down")

// Task runs on the loop goroutine.
type Task func(ctx context.Context) error

// Future resolves when its task has run.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finished or the context ended.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Loop serializes work from the radio goroutines onto one consumer, so
// Matrix-side effects happen in submission order. Handlers on the radio
// read goroutine submit here and return immediately.
type Loop struct {
	mu     sync.Mutex
	closed bool
	tasks  chan submission
	drain  chan struct{}
}

type submission struct {
	task   Task
	future *Future
}

func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan submission, 256),
		drain: make(chan struct{}),
	}
}

// Submit queues a task and returns its future. Submission order is
// execution order. After Stop, the future resolves with ErrShuttingDown.
func (l *Loop) Submit(task Task) *Future {
	future := &Future{done: make(chan struct{})}

	// The mutex spans the channel send so Submit can never race Stop's
	// close(l.tasks).
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		future.err = ErrShuttingDown
		close(future.done)
		return future
	}

	select {
	case l.tasks <- submission{task: task, future: future}:
	default:
		log.Printf("[bridge] event loop backlog full, rejecting task")
		future.err = ErrShuttingDown
		close(future.done)
	}
	return future
}

// Run consumes tasks until the context ends or Stop closes the queue.
// Task errors resolve the future; they do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.drain)

	for {
		select {
		case <-ctx.Done():
			l.failPending(ctx)
			return ctx.Err()
		case sub, ok := <-l.tasks:
			if !ok {
				return nil
			}
			l.runOne(ctx, sub)
		}
	}
}

func (l *Loop) runOne(ctx context.Context, sub submission) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bridge] task panicked: %v", r)
			sub.future.err = fmt.Errorf("task panicked: %v", r)
		}
		close(sub.future.done)
	}()
	sub.future.err = sub.task(ctx)
}

// failPending resolves everything still queued with ErrShuttingDown.
func (l *Loop) failPending(ctx context.Context) {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
	l.mu.Unlock()

	for sub := range l.tasks {
		sub.future.err = ErrShuttingDown
		close(sub.future.done)
	}
}

// Stop refuses new submissions and lets Run finish what is queued.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
	l.mu.Unlock()
	<-l.drain
}
