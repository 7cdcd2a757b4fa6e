// Package execqueue serializes mutation application: one global FIFO for
// everything, plus per-artifact ordering with at-most-once action
// application.
package execqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/buildpad/workroom/internal/alerts"
	"github.com/charmbracelet/log"
)

// Task is one unit of work on the global queue.
type Task struct {
	Description string
	Run         func(ctx context.Context) error
}

// Queue is a single global FIFO. A failing task is logged and surfaced
// but never blocks the tasks queued after it.
type Queue struct {
	Logger *log.Logger
	Alerts alerts.Sink

	ctx context.Context

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []Task
	inflight bool
	closed   bool
}

func NewQueue(ctx context.Context, logger *log.Logger, sink alerts.Sink) *Queue {
	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		sink = alerts.Discard{}
	}
	q := &Queue{Logger: logger, Alerts: sink, ctx: ctx}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Submit appends a task. Submission order is preserved across unrelated
// artifacts.
func (q *Queue) Submit(task Task) {
	if task.Run == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, task)
	q.cond.Broadcast()
}

func (q *Queue) worker() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.inflight = true
		q.mu.Unlock()

		q.runIsolated(task)

		q.mu.Lock()
		q.inflight = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) runIsolated(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.report(task, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := task.Run(q.ctx); err != nil {
		q.report(task, err)
	}
}

func (q *Queue) report(task Task, err error) {
	if q.Logger != nil {
		q.Logger.Error("queued task failed", "task", task.Description, "err", err)
	}
	q.Alerts.Notify(alerts.Notice{
		Severity:    alerts.SeverityError,
		Title:       "Action failed",
		Description: fmt.Sprintf("%s: %v", task.Description, err),
	})
}

// Drain blocks until the queue is empty and idle, or ctx expires.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for (len(q.tasks) > 0 || q.inflight) && !q.closed {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after the remaining tasks finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
