package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a slice guarded by a
// mutex. Unlike a plain channel it honors NotBefore, which timer tasks
// depend on. It is safe for concurrent use.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	pollInterval time.Duration
}

// NewInMemoryQueue creates a new in-memory queue. The capacity hint is
// accepted for symmetry with persistent queues but the queue grows as needed.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &InMemoryQueue{
		tasks:        make([]Task, 0, capacity),
		pollInterval: 10 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t, wait := q.tryPop(); t != nil {
			return t, nil
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// tryPop claims the earliest eligible task in FIFO order within equal
// NotBefore times. When nothing is eligible it returns how long to wait
// before checking again.
func (q *InMemoryQueue) tryPop() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	best := -1
	var nextDue time.Time
	for i, t := range q.tasks {
		if t.NotBefore.After(now) {
			if nextDue.IsZero() || t.NotBefore.Before(nextDue) {
				nextDue = t.NotBefore
			}
			continue
		}
		if best == -1 || q.tasks[i].NotBefore.Before(q.tasks[best].NotBefore) {
			best = i
		}
	}
	if best == -1 {
		wait := q.pollInterval
		if !nextDue.IsZero() {
			if until := time.Until(nextDue); until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		return nil, wait
	}

	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return &t, 0
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
