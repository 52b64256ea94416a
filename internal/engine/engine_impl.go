package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkarppi/signoff/internal/persistence"
	"github.com/mkarppi/signoff/internal/taskqueue"
	"github.com/mkarppi/signoff/pkg/api"
)

const (
	// leaseTTL bounds how long a replay pass may hold an instance before a
	// crashed holder's lease expires and another worker can take over.
	leaseTTL = 30 * time.Second

	// leaseRetryDelay is how long a continuation task is pushed back when
	// the instance is leased by someone else.
	leaseRetryDelay = 50 * time.Millisecond
)

// engineImpl coordinates replay passes, command dispatch and event
// correlation on top of a history store and a task queue.
type engineImpl struct {
	store    persistence.Persistence
	queue    taskqueue.Queue
	registry *registry
	observer api.Observer

	// owner identifies this engine process for instance leases.
	owner string
}

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &engineImpl{
		store:    cfg.Persistence,
		queue:    cfg.Queue,
		registry: newRegistry(),
		observer: obs,
		owner:    uuid.NewString(),
	}
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores
// and the given queue. External users access this via
// signoff.NewInMemoryRunner.
func NewInMemoryEngine(q taskqueue.Queue, obs api.Observer) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q,
		Observer:    obs,
	})
}

// NewSQLiteEngine returns an Engine that persists instance records and
// histories in a SQLite database, with tasks on the given queue. Workflow
// and activity registrations are kept in-memory and must be repeated on
// startup.
func NewSQLiteEngine(db *sql.DB, q taskqueue.Queue, obs api.Observer) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: store, History: store},
		Queue:       q,
		Observer:    obs,
	}), nil
}

func (e *engineImpl) RegisterWorkflow(name string, fn api.OrchestratorFunc) error {
	return e.registry.RegisterWorkflow(name, fn)
}

func (e *engineImpl) RegisterActivity(name string, fn api.ActivityFunc) error {
	return e.registry.RegisterActivity(name, fn)
}

func (e *engineImpl) Start(ctx context.Context, workflow string, input any) (*api.WorkflowInstance, error) {
	if _, err := e.registry.Workflow(workflow); err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Status:    api.StatusRunning,
		Input:     input,
		CreatedAt: time.Now(),
	}

	if err := e.store.Instances.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.observer.OnInstanceStart(ctx, inst)

	if err := e.enqueueContinue(ctx, inst.ID, time.Time{}); err != nil {
		return inst, err
	}
	return inst, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.store.Instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.store.History.ListEvents(ctx, id)
}

// RaiseEvent correlates an external event with the instance's current wait
// state, derived by a read-only replay pass plus the pending/resolved wait
// summary it produces. Late events are dropped, early events are buffered by
// appending them to history where a later wait will consume them.
func (e *engineImpl) RaiseEvent(ctx context.Context, id, name string, payload any) (bool, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status.Terminal() {
		e.observer.OnEventDropped(ctx, id, name)
		return false, nil
	}

	res, err := e.replay(ctx, inst)
	if err != nil {
		return false, err
	}
	if res.Done {
		// The instance is finishing; its status just has not been written
		// yet. Treat like terminal.
		e.observer.OnEventDropped(ctx, id, name)
		return false, nil
	}
	// A live pending wait always takes the delivery, even when an earlier
	// wait for the same name already resolved during this instance's life.
	pending := false
	for _, p := range res.PendingEvents {
		if p == name {
			pending = true
			break
		}
	}
	if !pending {
		for _, resolved := range res.ResolvedEvents {
			if resolved == name {
				e.observer.OnEventDropped(ctx, id, name)
				return false, nil
			}
		}
	}
	buffered := !pending

	if _, err := e.store.History.AppendEvent(ctx, id, api.HistoryEvent{
		Type:    api.EventExternalReceived,
		Name:    name,
		Payload: payload,
	}); err != nil {
		return false, err
	}
	e.observer.OnEventDelivered(ctx, id, name, buffered)

	if err := e.enqueueContinue(ctx, id, time.Time{}); err != nil {
		return true, err
	}
	return true, nil
}

func (e *engineImpl) replay(ctx context.Context, inst *api.WorkflowInstance) (api.ExecutionResult, error) {
	def, err := e.registry.Workflow(inst.Workflow)
	if err != nil {
		return api.ExecutionResult{}, err
	}
	history, err := e.store.History.ListEvents(ctx, inst.ID)
	if err != nil {
		return api.ExecutionResult{}, err
	}
	wctx := api.NewWorkflowContext(inst.ID, inst.Workflow, inst.Input, history)
	return wctx.Execute(def), nil
}

func (e *engineImpl) enqueueContinue(ctx context.Context, id string, notBefore time.Time) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeContinue,
		InstanceID: id,
		NotBefore:  notBefore,
	})
}
