// Package queue serializes task execution through a single worker.
// Tasks run strictly in submission order; there is no concurrent
// execution and no silent dropping under pressure.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// Task is a unit of deferred work.
type Task func(ctx context.Context)

// Queue is a bounded FIFO work queue drained by exactly one worker
// goroutine. When the queue is full, Enqueue blocks the producer instead
// of discarding work.
type Queue struct {
	tasks  chan item
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	drained   chan struct{}
}

type item struct {
	task Task
	done chan struct{}
}

// New creates a queue with the given capacity. Capacity must be at
// least 1; smaller values are clamped.
func New(capacity int, logger *slog.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tasks:   make(chan item, capacity),
		logger:  logger,
		drained: make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops, so
// there is never more than one worker.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		go q.run(ctx)
	})
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.drained)
	for it := range q.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("task panicked", "panic", r)
				}
				if it.done != nil {
					close(it.done)
				}
			}()
			it.task(ctx)
		}()
	}
}

// Enqueue submits a task. It blocks while the queue is full and returns
// an error only when ctx is cancelled first or the queue is stopped.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	return q.enqueue(ctx, item{task: task})
}

// EnqueueAndWait submits a task and returns a channel closed when the
// task has finished running.
func (q *Queue) EnqueueAndWait(ctx context.Context, task Task) (<-chan struct{}, error) {
	done := make(chan struct{})
	if err := q.enqueue(ctx, item{task: task, done: done}); err != nil {
		return nil, err
	}
	return done, nil
}

func (q *Queue) enqueue(ctx context.Context, it item) (err error) {
	defer func() {
		if recover() != nil {
			err = errors.New(errors.CodeInternal, "task queue is stopped", nil)
		}
	}()
	select {
	case q.tasks <- it:
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "enqueue cancelled", ctx.Err())
	}
}

// Stop closes the queue to new tasks and waits for the worker to drain
// the backlog, up to ctx's deadline.
func (q *Queue) Stop(ctx context.Context) error {
	// Stop before Start: no worker exists to drain the channel.
	q.Start()
	q.stopOnce.Do(func() {
		close(q.tasks)
	})
	if q.cancel != nil {
		defer q.cancel()
	}
	select {
	case <-q.drained:
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "queue drain timed out", ctx.Err())
	}
}

// Len reports the number of tasks waiting, excluding any task currently
// executing.
func (q *Queue) Len() int {
	return len(q.tasks)
}
