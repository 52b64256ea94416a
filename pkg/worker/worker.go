package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkarppi/signoff/internal/taskqueue"
	"github.com/mkarppi/signoff/pkg/api"
)

// Config controls how a Worker handles tasks whose handler failed with an
// infrastructure error (store or queue unavailable). Activity failures are
// not handler errors; they are recorded in history and surface through the
// workflow definition.
type Config struct {
	// MaxAttempts is the number of times a task is tried before it is
	// dropped with an error. Zero or negative means DefaultMaxAttempts.
	MaxAttempts int

	// RetryDelay is the base delay before a failed task becomes eligible
	// again; attempt n waits n*RetryDelay. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
}

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 250 * time.Millisecond
)

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a new Worker with default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker with the given config.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: nothing processed (ctx cancelled or
//     dequeue failed before a task was obtained)
//   - processed == true: a task was processed; err indicates whether the
//     handler succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	var handlerErr error
	switch task.Type {
	case taskqueue.TaskTypeContinue:
		handlerErr = w.engine.ContinueInstance(ctx, task.InstanceID)

	case taskqueue.TaskTypeActivity:
		handlerErr = w.engine.RunActivity(ctx, task.InstanceID, task.CallID, task.Name, task.Payload)

	case taskqueue.TaskTypeTimer:
		handlerErr = w.engine.FireTimer(ctx, task.InstanceID, task.CallID)

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}

	if handlerErr == nil || errors.Is(handlerErr, context.Canceled) || errors.Is(handlerErr, context.DeadlineExceeded) {
		return true, handlerErr
	}

	// Dequeue removed the task, so a transient store failure would lose it.
	// Re-enqueue with a backoff until attempts run out.
	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		return true, fmt.Errorf("task %s for instance %s dropped after %d attempts: %w",
			task.Type, task.InstanceID, task.Attempts, handlerErr)
	}
	retry := *task
	retry.NotBefore = time.Now().Add(time.Duration(task.Attempts) * w.cfg.RetryDelay)
	if enqErr := w.queue.Enqueue(ctx, retry); enqErr != nil {
		return true, fmt.Errorf("re-enqueue after handler error %v: %w", handlerErr, enqErr)
	}
	return true, handlerErr
}

// Run processes tasks until ctx is cancelled. Handler errors do not stop the
// loop; the instance record and history carry the outcome, and observers see
// the failure.
func (w *Worker) Run(ctx context.Context) {
	for {
		_, err := w.ProcessOne(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Pool runs a fixed number of workers over the same queue. Because every
// instance advances under its store lease, workers never race on the same
// instance's history even when the pool picks up related tasks concurrently.
type Pool struct {
	workers []*Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates n workers sharing the engine and queue. n < 1 is treated
// as 1.
func NewPool(engine api.Engine, queue taskqueue.Queue, n int) *Pool {
	return NewPoolWithConfig(engine, queue, n, Config{})
}

// NewPoolWithConfig creates a pool whose workers all use cfg.
func NewPoolWithConfig(engine api.Engine, queue taskqueue.Queue, n int, cfg Config) *Pool {
	if n < 1 {
		n = 1
	}
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = NewWithConfig(engine, queue, cfg)
	}
	return &Pool{workers: workers}
}

// Start launches the pool's workers. Calling Start on a running pool is a
// no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(p.done)
}

// Stop cancels the workers and waits for them to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
