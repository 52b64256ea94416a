package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/mkarppi/signoff/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Workflow string
	Status   api.Status
}

// InstanceStore handles storage of workflow instance records. Progress never
// lives here, only identity, status and terminal result; everything else is
// reconstructed from history.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance, enforcing the single-writer-per-instance discipline for
	// replay passes. If the instance is currently leased by another owner
	// and the lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// HistoryStore is the append-only event log, one ordered history per
// instance. Appends for the same instance must be atomic with respect to
// each other; the assigned sequence numbers establish the total order replay
// depends on.
type HistoryStore interface {
	// AppendEvent stores ev for the instance, assigning the next sequence
	// number and a timestamp, and returns the stored event.
	AppendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) (api.HistoryEvent, error)

	// ListEvents returns the full history of an instance in append order.
	ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// Persistence bundles the two store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	History   HistoryStore
}
