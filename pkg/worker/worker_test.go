package worker

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkarppi/signoff/internal/engine"
	"github.com/mkarppi/signoff/internal/taskqueue"
	"github.com/mkarppi/signoff/pkg/api"
)

type engineFactory func(t *testing.T, q taskqueue.Queue) api.Engine

func inMemoryEngine(t *testing.T, q taskqueue.Queue) api.Engine {
	t.Helper()
	return engine.NewInMemoryEngine(q, api.NoopObserver{})
}

func sqliteEngine(t *testing.T, q taskqueue.Queue) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.NewSQLiteEngine(db, q, api.NoopObserver{})
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	return eng
}

func engineFactories() map[string]engineFactory {
	return map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}
}

func registerAdder(t *testing.T, eng api.Engine) {
	t.Helper()
	if err := eng.RegisterActivity("add-one", func(ctx context.Context, input any) (any, error) {
		return input.(int) + 1, nil
	}); err != nil {
		t.Fatalf("RegisterActivity failed: %v", err)
	}
	if err := eng.RegisterWorkflow("adder", func(c *api.WorkflowContext) (any, error) {
		return c.CallActivity("add-one", c.Input()).Await()
	}); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
}

func TestWorker_ProcessOneDrivesWorkflowToCompletion(t *testing.T) {
	for name, factory := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			queue := taskqueue.NewInMemoryQueue(16)
			eng := factory(t, queue)
			registerAdder(t, eng)

			w := New(eng, queue)

			inst, err := eng.Start(ctx, "adder", 41)
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				got, err := eng.GetInstance(ctx, inst.ID)
				if err != nil {
					t.Fatalf("GetInstance failed: %v", err)
				}
				if got.Status.Terminal() {
					if got.Status != api.StatusCompleted || got.Output != 42 {
						t.Fatalf("expected COMPLETED/42, got %s %v", got.Status, got.Output)
					}
					return
				}
				pctx, cancel := context.WithTimeout(ctx, time.Second)
				if _, err := w.ProcessOne(pctx); err != nil && pctx.Err() == nil {
					t.Fatalf("ProcessOne failed: %v", err)
				}
				cancel()
			}
			t.Fatalf("workflow did not complete")
		})
	}
}

func TestWorker_UnknownTaskTypeIsReportedNotSwallowed(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(16)
	eng := inMemoryEngine(t, queue)
	w := New(eng, queue)

	if err := queue.Enqueue(ctx, taskqueue.Task{Type: "mystery", InstanceID: "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("task should count as processed")
	}
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Fatalf("expected unknown-task error, got %v", err)
	}
}

func TestWorker_RequeuesTaskOnHandlerErrorUntilAttemptsRunOut(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(16)
	eng := inMemoryEngine(t, queue)
	w := NewWithConfig(eng, queue, Config{MaxAttempts: 3, RetryDelay: time.Millisecond})

	// A continuation for an instance that does not exist keeps failing.
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeContinue, InstanceID: "ghost"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		processed, err := w.ProcessOne(ctx)
		if !processed || err == nil {
			t.Fatalf("attempt %d: expected failed processing, got processed=%v err=%v", attempt, processed, err)
		}
		if queue.Len() != 1 {
			t.Fatalf("attempt %d: task should have been re-enqueued", attempt)
		}
	}

	// Third attempt exhausts the budget and drops the task.
	processed, err := w.ProcessOne(ctx)
	if !processed || err == nil || !strings.Contains(err.Error(), "dropped after") {
		t.Fatalf("expected task to be dropped, got processed=%v err=%v", processed, err)
	}
	if queue.Len() != 0 {
		t.Fatalf("dropped task must not be re-enqueued, queue has %d", queue.Len())
	}
}

func TestPool_StartStopCompletesWorkflows(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(64)
	eng := inMemoryEngine(t, queue)
	registerAdder(t, eng)

	pool := NewPool(eng, queue, 3)
	pool.Start(ctx)
	defer pool.Stop()

	var ids []string
	for i := 0; i < 5; i++ {
		inst, err := eng.Start(ctx, "adder", i)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ids = append(ids, inst.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			inst, err := eng.GetInstance(ctx, id)
			if err != nil {
				t.Fatalf("GetInstance failed: %v", err)
			}
			if inst.Status.Terminal() {
				if inst.Status != api.StatusCompleted {
					t.Fatalf("instance %s failed: %v", id, inst.Err)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("instance %s did not finish", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	pool.Stop()
	// Stop is idempotent.
	pool.Stop()
}
