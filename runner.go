package signoff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkarppi/signoff/internal/engine"
	"github.com/mkarppi/signoff/internal/taskqueue"
	"github.com/mkarppi/signoff/pkg/worker"
)

// Runner bundles an Engine, the task queue it dispatches to, and a worker
// pool that consumes the queue.
//
// Typical usage:
//
//	runner := signoff.NewInMemoryRunner()
//	_ = runner.Engine.RegisterWorkflow("greet", greetWorkflow)
//	_ = runner.Engine.RegisterActivity("say-hello", sayHello)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	inst, _ := runner.Engine.Start(ctx, "greet", "world")
//	inst, _ = runner.WaitForInstance(ctx, inst.ID)
type Runner struct {
	// Engine is the workflow engine used by this runner.
	Engine Engine

	// Queue is the task queue shared by Engine and the workers. It is
	// primarily useful for inspection and tests.
	Queue taskqueue.Queue

	mu      sync.Mutex
	pool    *worker.Pool
	running bool
	workerN int
	cfg     worker.Config
}

func newInMemoryRunner(obs Observer) *Runner {
	q := taskqueue.NewInMemoryQueue(1024)
	return &Runner{
		Engine: engine.NewInMemoryEngine(q, obs),
		Queue:  q,
	}
}

func newSQLiteRunner(db *sql.DB, obs Observer) (*Runner, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewSQLiteEngine(db, q, obs)
	if err != nil {
		return nil, err
	}
	return &Runner{Engine: eng, Queue: q}, nil
}

// WithWorkerConfig sets the retry config for workers started later. It must
// be called before StartWorkers.
func (r *Runner) WithWorkerConfig(cfg worker.Config) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	return r
}

// Recover re-dispatches outstanding work for non-terminal instances. Call it
// on startup of a durable runner, before StartWorkers.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	return r.Engine.RecoverRunning(ctx)
}

// StartWorkers starts 'concurrency' workers that process queue tasks until
// Stop is called. Calling StartWorkers on a running Runner is an error.
func (r *Runner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("signoff: runner already started")
	}
	r.pool = worker.NewPoolWithConfig(r.Engine, r.Queue, concurrency, r.cfg)
	r.pool.Start(ctx)
	r.running = true
	r.workerN = concurrency
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit. It is safe to call on a stopped Runner.
func (r *Runner) Stop() {
	r.mu.Lock()
	pool := r.pool
	r.pool = nil
	r.running = false
	r.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
}

// WaitForInstance polls until the instance reaches a terminal status or ctx
// is cancelled, then returns the final instance record.
func (r *Runner) WaitForInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		inst, err := r.Engine.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, fmt.Errorf("waiting for instance %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
