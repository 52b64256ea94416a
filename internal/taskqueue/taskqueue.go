package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeContinue runs one replay pass for an instance and dispatches
	// whatever new commands the pass emits.
	TaskTypeContinue TaskType = "continue"

	// TaskTypeActivity executes one scheduled activity call.
	TaskTypeActivity TaskType = "activity"

	// TaskTypeTimer records a durable timer firing. Timer tasks carry
	// NotBefore = the recorded deadline.
	TaskTypeTimer TaskType = "timer"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// CallID identifies the scheduled call for activity and timer tasks.
	CallID int64

	// Name is the activity name for activity tasks.
	Name string

	// Payload is the activity input for activity tasks.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled. Tasks with a NotBefore in
	// the future are held back until it passes.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
