// Package tasks provides the serial execution queue every controller uses to
// mutate shared collection state.
package tasks

import (
	"context"
	"sync"

	"github.com/ef-ds/deque"
)

// Task is a unit of work run by a Queue.
type Task interface {
	Run(ctx context.Context)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

// Queue runs tasks one at a time in submission order.
//
// Tasks added while the queue is stopped are kept and run once Start is
// called. Stop does not interrupt the task currently running. At most one
// worker goroutine exists at any time and it exits as soon as the queue is
// drained or stopped.
type Queue struct {
	mu      sync.Mutex
	tasks   deque.Deque
	started bool
	busy    bool
	closed  bool
	idle    *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue returns a stopped queue.
func NewQueue() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{ctx: ctx, cancel: cancel}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Start resumes draining the queue.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.started = true
	q.kick()
}

// Stop halts the execution of queued tasks. The running task, if any,
// completes.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.started = false
}

// Add appends t to the queue. It reports false when the queue is closed.
func (q *Queue) Add(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks.PushBack(t)
	q.kick()
	return true
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Wait blocks until no task is running and, if the queue is started, no task
// is waiting.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.busy {
		q.idle.Wait()
	}
}

// Close stops the queue, drops waiting tasks and cancels the context handed
// to the running one. Close waits for the running task to return.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.started = false
	q.tasks = deque.Deque{}
	q.mu.Unlock()
	q.cancel()
	q.Wait()
}

// kick starts a worker if there is work and none is running. q.mu must be held.
func (q *Queue) kick() {
	if q.busy || !q.started || q.tasks.Len() == 0 {
		return
	}
	q.busy = true
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if !q.started || q.tasks.Len() == 0 {
			q.busy = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		next, _ := q.tasks.PopFront()
		q.mu.Unlock()

		next.(Task).Run(q.ctx)
	}
}
