package signoff

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/mkarppi/signoff/internal/taskqueue"
	"github.com/mkarppi/signoff/pkg/worker"
)

func TestInMemoryRunner_CompletesWorkflow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner := NewInMemoryRunner()
	require.NoError(t, runner.Engine.RegisterWorkflow("add-one", func(wf *WorkflowContext) (any, error) {
		return wf.CallActivity("increment", wf.Input()).Await()
	}))
	require.NoError(t, runner.Engine.RegisterActivity("increment", func(ctx context.Context, input any) (any, error) {
		return input.(int) + 1, nil
	}))

	require.NoError(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()

	inst, err := runner.Engine.Start(ctx, "add-one", 41)
	require.NoError(t, err)

	inst, err = runner.WaitForInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, 42, inst.Output)
}

func TestRunner_StartWorkersTwiceIsAnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := NewInMemoryRunner()
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	err := runner.StartWorkers(ctx, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already started")

	// Stop makes StartWorkers legal again.
	runner.Stop()
	require.NoError(t, runner.StartWorkers(ctx, 1))
}

func TestRunner_WaitForInstanceHonorsContext(t *testing.T) {
	t.Parallel()

	runner := NewInMemoryRunner()
	require.NoError(t, runner.Engine.RegisterWorkflow("stuck", func(wf *WorkflowContext) (any, error) {
		return wf.CallActivity("never-runs", nil).Await()
	}))
	// No workers: the instance stays RUNNING forever.

	inst, err := runner.Engine.Start(context.Background(), "stuck", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := runner.WaitForInstance(ctx, inst.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatusRunning, got.Status)
}

func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "signoff_bundle.db")
	dsn := "file:" + dbPath + "?_journal=WAL"

	register := func(eng Engine) {
		require.NoError(t, eng.RegisterWorkflow("async-add-one", func(wf *WorkflowContext) (any, error) {
			return wf.CallActivity("increment", wf.Input()).Await()
		}))
		require.NoError(t, eng.RegisterActivity("increment", func(ctx context.Context, input any) (any, error) {
			return input.(int) + 1, nil
		}))
	}

	// --- Phase 1: start the instance, never process a task.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1)
	require.NoError(t, err)
	register(bundle1.Engine)

	inst, err := bundle1.Engine.Start(ctx, "async-add-one", 9)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	// --- Phase 2: fresh process over the same database.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2)
	require.NoError(t, err)
	register(bundle2.Engine)

	_, err = bundle2.Recover(ctx)
	require.NoError(t, err)
	require.NoError(t, bundle2.StartWorkers(ctx, 2))
	defer bundle2.Stop()

	final, err := bundle2.WaitForInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, 10, final.Output)
}

func TestRunner_WithWorkerConfigDropsPoisonTasks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := NewInMemoryRunner().WithWorkerConfig(worker.Config{
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	// A continuation for a nonexistent instance cannot succeed; the retry
	// budget bounds how long it haunts the queue.
	require.NoError(t, runner.Queue.Enqueue(ctx, taskqueue.Task{
		ID:         "poison",
		Type:       taskqueue.TaskTypeContinue,
		InstanceID: "no-such-instance",
	}))

	deadline := time.Now().Add(3 * time.Second)
	for runner.Queue.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("poison task still queued after retry budget")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
