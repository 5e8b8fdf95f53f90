package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("queue is closed")

// Task is one unit of dispatch: a job id waiting for a worker.
type Task struct {
	JobID     string
	CreatedAt time.Time
}

// queue is the in-process FIFO between job creation and the worker loop.
// Job state itself lives in Postgres; the queue only carries ids.
//
// Waiters block on the wake channel instead of a sync.Cond so Pop can
// select against ctx.Done without parking a goroutine on a condition it
// may never be signalled out of.
type queue struct {
	mu     sync.Mutex
	tasks  []*Task
	wake   chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{
		tasks: make([]*Task, 0),
		wake:  make(chan struct{}, 1),
	}
}

func (q *queue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.tasks = append(q.tasks, task)
	q.signal()

	return nil
}

func (q *queue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			// Pass the wakeup on when a sibling waiter can still make
			// progress; the wake channel holds at most one token.
			if len(q.tasks) > 0 || q.closed {
				q.signal()
			}
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.signal()
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// signal leaves one wakeup token. The token only means "recheck the queue";
// a waiter that drains it without finding work just blocks again.
func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()

	return nil
}
