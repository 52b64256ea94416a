package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type queueFactory func(t *testing.T) Queue

func inMemoryQueue(t *testing.T) Queue {
	t.Helper()
	return NewInMemoryQueue(16)
}

func sqliteQueue(t *testing.T) Queue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func queueFactories() map[string]queueFactory {
	return map[string]queueFactory{
		"in-memory": inMemoryQueue,
		"sqlite":    sqliteQueue,
	}
}

func TestQueue_FIFOForImmediateTasks(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			for _, id := range []string{"first", "second", "third"} {
				if err := q.Enqueue(ctx, Task{Type: TaskTypeContinue, InstanceID: id}); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
			}
			if q.Len() != 3 {
				t.Fatalf("expected 3 queued tasks, got %d", q.Len())
			}

			for _, want := range []string{"first", "second", "third"} {
				task, err := q.Dequeue(ctx)
				if err != nil {
					t.Fatalf("Dequeue failed: %v", err)
				}
				if task.InstanceID != want {
					t.Fatalf("expected %s, got %s", want, task.InstanceID)
				}
			}
			if q.Len() != 0 {
				t.Fatalf("queue should be empty, got %d", q.Len())
			}
		})
	}
}

func TestQueue_NotBeforeHoldsBackTimerTasks(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			due := time.Now().Add(60 * time.Millisecond)
			if err := q.Enqueue(ctx, Task{Type: TaskTypeTimer, InstanceID: "timed", NotBefore: due}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := q.Enqueue(ctx, Task{Type: TaskTypeContinue, InstanceID: "now"}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			// The immediate task jumps ahead of the timed one.
			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if task.InstanceID != "now" {
				t.Fatalf("expected the eligible task first, got %s", task.InstanceID)
			}

			task, err = q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if task.InstanceID != "timed" {
				t.Fatalf("expected the timed task, got %s", task.InstanceID)
			}
			if time.Now().Before(due) {
				t.Fatalf("timed task delivered before its NotBefore")
			}
		})
	}
}

func TestQueue_DequeueHonorsContextCancellation(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			if _, err := q.Dequeue(ctx); err == nil {
				t.Fatalf("expected context error from empty queue")
			}
		})
	}
}

func TestQueue_TaskFieldsSurviveRoundTrip(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			if err := q.Enqueue(ctx, Task{
				Type:       TaskTypeActivity,
				InstanceID: "inst-9",
				CallID:     7,
				Name:       "send-mail",
				Payload:    "hello",
				Attempts:   2,
			}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if task.Type != TaskTypeActivity || task.InstanceID != "inst-9" ||
				task.CallID != 7 || task.Name != "send-mail" ||
				task.Payload != "hello" || task.Attempts != 2 {
				t.Fatalf("task fields lost in transit: %+v", task)
			}
			if task.EnqueuedAt.IsZero() {
				t.Fatalf("expected EnqueuedAt to be set")
			}
		})
	}
}
