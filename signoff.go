package signoff

import (
	"context"
	"database/sql"

	"github.com/mkarppi/signoff/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	HistoryEvent         = api.HistoryEvent
	EventType            = api.EventType
	WorkflowContext      = api.WorkflowContext
	Task                 = api.Task
	OrchestratorFunc     = api.OrchestratorFunc
	ActivityFunc         = api.ActivityFunc
	ActivityError        = api.ActivityError
	SubWorkflowError     = api.SubWorkflowError
	ReplayError          = api.ReplayError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// ErrEventTimeout is returned by WaitForEvent when the deadline timer wins.
var ErrEventTimeout = api.ErrEventTimeout

// ErrInstanceNotFound is returned by instance lookups for unknown ids.
var ErrInstanceNotFound = api.ErrInstanceNotFound

// Re-export status values for convenience.

const (
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated
)

// Engine constructors wrap the internal/engine package so external callers
// never need to import internal packages. Engines dispatch all work through
// a task queue, so most callers want NewInMemoryRunner or NewSQLiteBundle, which
// pair the engine with workers over the matching queue.

// NewInMemoryRunner returns a Runner backed entirely by in-memory stores.
func NewInMemoryRunner(obs ...Observer) *Runner {
	return newInMemoryRunner(observerOf(obs))
}

// NewSQLiteBundle returns a Runner whose instances, history, and queued
// tasks all persist in the provided SQLite database. It survives process
// restarts; call Runner.Recover on startup before StartWorkers.
func NewSQLiteBundle(db *sql.DB, obs ...Observer) (*Runner, error) {
	return newSQLiteRunner(db, observerOf(obs))
}

func observerOf(obs []Observer) Observer {
	switch len(obs) {
	case 0:
		return api.NoopObserver{}
	case 1:
		return obs[0]
	default:
		return api.NewCompositeObserver(obs...)
	}
}

// Convenience helpers that just forward to the underlying Engine.

// Start creates a new instance of a registered workflow. It returns as soon
// as the instance record and its first continuation task are durable.
func Start(ctx context.Context, eng Engine, workflow string, input any) (*WorkflowInstance, error) {
	return eng.Start(ctx, workflow, input)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// RaiseEvent delivers an external event to an instance. delivered reports
// whether the event was recorded; it is false when the instance is terminal
// or the wait for that name already resolved.
func RaiseEvent(ctx context.Context, eng Engine, id, name string, payload any) (bool, error) {
	return eng.RaiseEvent(ctx, id, name, payload)
}

// History returns the recorded history of an instance in append order.
func History(ctx context.Context, eng Engine, id string) ([]HistoryEvent, error) {
	return eng.History(ctx, id)
}

// RecoverRunning re-dispatches outstanding work for non-terminal instances.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := signoff.RecoverRunning(ctx, engine)
func RecoverRunning(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverRunning(ctx)
}
