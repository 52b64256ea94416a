package api

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

func init() {
	gob.Register(time.Time{})
	gob.Register(map[string]any{})
}

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// EventType identifies a history event recorded for a workflow instance.
type EventType string

const (
	EventActivityScheduled    EventType = "activity.scheduled"
	EventActivityCompleted    EventType = "activity.completed"
	EventActivityFailed       EventType = "activity.failed"
	EventTimerScheduled       EventType = "timer.scheduled"
	EventTimerFired           EventType = "timer.fired"
	EventExternalReceived     EventType = "external.received"
	EventSubWorkflowScheduled EventType = "subworkflow.scheduled"
	EventSubWorkflowCompleted EventType = "subworkflow.completed"
	EventSubWorkflowFailed    EventType = "subworkflow.failed"
)

// HistoryEvent is one entry in an instance's append-only history.
// History is the sole source of truth for replay: the engine never stores
// derived progress anywhere else.
//
// Seq is assigned by the history store on append and establishes the total
// order within one instance. CallID links a completion back to the call that
// produced it; external events carry CallID zero and are correlated by Name.
type HistoryEvent struct {
	Seq       int64
	Type      EventType
	CallID    int64
	Name      string
	Payload   any
	Timestamp time.Time
}

// CommandType identifies work the host must dispatch after a replay pass.
type CommandType string

const (
	CommandScheduleActivity    CommandType = "schedule-activity"
	CommandScheduleTimer       CommandType = "schedule-timer"
	CommandScheduleSubWorkflow CommandType = "schedule-subworkflow"
)

// Command is a not-yet-dispatched call emitted by a replay pass. A command is
// emitted exactly once per call: once the host records the matching
// *.scheduled event, subsequent replays resolve the call from history instead
// of re-emitting it.
type Command struct {
	Type   CommandType
	CallID int64
	Name   string
	Input  any

	// Delay is set for schedule-timer commands. The host computes the
	// absolute deadline once, at dispatch time, and records it in the
	// timer.scheduled event so replay never reads the wall clock.
	Delay time.Duration
}

// OrchestratorFunc is a workflow definition body. It must be deterministic:
// all I/O, clock reads and randomness have to go through ctx so they are
// recorded in history and replayed identically after a restart.
type OrchestratorFunc func(ctx *WorkflowContext) (any, error)

// ActivityFunc is a single unit of side-effecting work. Activities run
// at-least-once: a crash between execution and the recording of the
// completion causes a rerun. Implementations should be idempotent or document
// why a rerun is safe.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// WorkflowInstance is the caller-visible state of one workflow execution.
type WorkflowInstance struct {
	ID       string
	Workflow string
	Status   Status
	Input    any
	Output   any
	Err      error

	// ParentID and ParentCallID link a sub-workflow instance back to the
	// call in its parent that created it. Both are zero for root instances.
	ParentID     string
	ParentCallID int64

	CreatedAt time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	Workflow string
	Status   Status
}

// ErrEventTimeout is returned by WaitForEvent when the deadline timer fires
// before the awaited external event arrives. A timeout is a first-class race
// outcome, not a fault: definitions branch on it like any other result.
var ErrEventTimeout = errors.New("wait for event timed out")

// ErrInstanceNotFound is returned by instance lookups for unknown ids.
// Callers match it with errors.Is to tell a missing instance apart from a
// store failure.
var ErrInstanceNotFound = errors.New("instance not found")

// ActivityError is recorded when an activity returns an error. It is what a
// definition observes when awaiting the failed call.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %q failed: %s", e.Activity, e.Message)
}

// SubWorkflowError is observed by a parent when an awaited sub-workflow
// instance reaches a failed terminal state.
type SubWorkflowError struct {
	Workflow   string
	InstanceID string
	Message    string
}

func (e *SubWorkflowError) Error() string {
	return fmt.Sprintf("sub-workflow %q (%s) failed: %s", e.Workflow, e.InstanceID, e.Message)
}

// ReplayError indicates that a definition diverged from its recorded history:
// on replay it issued a call that does not match what was originally
// scheduled. This corrupts the exactly-once guarantee and is fatal to the
// instance; it is never silently ignored.
type ReplayError struct {
	InstanceID string
	CallID     int64
	Detail     string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay divergence in instance %s at call %d: %s", e.InstanceID, e.CallID, e.Detail)
}

// Engine is the high-level coordinator API.
type Engine interface {
	// RegisterWorkflow registers an orchestrator definition by name.
	RegisterWorkflow(name string, fn OrchestratorFunc) error

	// RegisterActivity registers an activity implementation by name.
	RegisterActivity(name string, fn ActivityFunc) error

	// Start creates a new instance of a registered workflow and enqueues
	// its first replay pass. It does not wait for the instance to finish.
	Start(ctx context.Context, workflow string, input any) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// RaiseEvent delivers an external event to an instance.
	//
	// Semantics:
	//   - A pending wait for the event name consumes it.
	//   - If the instance has not reached the wait point yet, the event is
	//     buffered durably and consumed when the wait is issued.
	//   - If the instance is terminal, or the wait for that name already
	//     resolved (for example the deadline timer won), the event is
	//     dropped: delivered == false, nil error, history unchanged.
	RaiseEvent(ctx context.Context, id, name string, payload any) (delivered bool, err error)

	// History returns the recorded history of an instance in append order.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// ContinueInstance runs one replay pass for the instance and dispatches
	// any new commands. It is invoked by workers; application code normally
	// never calls it directly.
	ContinueInstance(ctx context.Context, id string) error

	// RunActivity executes a scheduled activity call and records its
	// completion. If a completion for callID is already recorded the
	// execution is skipped, which is what makes recorded outcomes
	// exactly-once even though execution is at-least-once.
	RunActivity(ctx context.Context, id string, callID int64, name string, input any) error

	// FireTimer records a timer firing for the given call. Firings for
	// terminal instances are no-ops; a firing that lost the race against an
	// external event is recorded but ignored on replay.
	FireTimer(ctx context.Context, id string, callID int64) error

	// RecoverRunning re-dispatches outstanding work for every non-terminal
	// instance. It is intended to be called once on process startup, before
	// workers start, so that calls scheduled before a crash are rerun.
	// It returns the number of instances touched.
	RecoverRunning(ctx context.Context) (int, error)
}
