package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mkarppi/signoff/internal/persistence"
	"github.com/mkarppi/signoff/internal/taskqueue"
	"github.com/mkarppi/signoff/pkg/api"
)

// ContinueInstance runs one replay pass for the instance under its lease and
// dispatches the commands the pass emits. Stale continuations for terminal
// instances are no-ops.
func (e *engineImpl) ContinueInstance(ctx context.Context, id string) error {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	acquired, err := e.store.Instances.TryAcquireLease(ctx, id, e.owner, leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		// Someone else is replaying this instance; try again shortly.
		return e.enqueueContinue(ctx, id, time.Now().Add(leaseRetryDelay))
	}
	defer func() { _ = e.store.Instances.ReleaseLease(ctx, id, e.owner) }()

	res, err := e.replay(ctx, inst)
	if err != nil {
		return err
	}

	if res.Done {
		if res.Err != nil {
			return e.failInstance(ctx, inst, res.Err)
		}
		return e.completeInstance(ctx, inst, res.Output)
	}
	return e.dispatch(ctx, inst, res.Commands)
}

// dispatch records a *.scheduled event for each new command before handing
// the work to the queue. If the history store is unavailable the command is
// not dispatched at all: we fail closed rather than execute work whose
// completion might not be durably recorded.
func (e *engineImpl) dispatch(ctx context.Context, inst *api.WorkflowInstance, commands []api.Command) error {
	for _, cmd := range commands {
		switch cmd.Type {
		case api.CommandScheduleActivity:
			if _, err := e.store.History.AppendEvent(ctx, inst.ID, api.HistoryEvent{
				Type:    api.EventActivityScheduled,
				CallID:  cmd.CallID,
				Name:    cmd.Name,
				Payload: cmd.Input,
			}); err != nil {
				return err
			}
			if err := e.queue.Enqueue(ctx, taskqueue.Task{
				Type:       taskqueue.TaskTypeActivity,
				InstanceID: inst.ID,
				CallID:     cmd.CallID,
				Name:       cmd.Name,
				Payload:    cmd.Input,
			}); err != nil {
				return err
			}

		case api.CommandScheduleTimer:
			// The absolute deadline is fixed here, exactly once, and
			// recorded so replays never consult the wall clock.
			fireAt := time.Now().Add(cmd.Delay)
			if _, err := e.store.History.AppendEvent(ctx, inst.ID, api.HistoryEvent{
				Type:    api.EventTimerScheduled,
				CallID:  cmd.CallID,
				Name:    cmd.Name,
				Payload: fireAt,
			}); err != nil {
				return err
			}
			if err := e.queue.Enqueue(ctx, taskqueue.Task{
				Type:       taskqueue.TaskTypeTimer,
				InstanceID: inst.ID,
				CallID:     cmd.CallID,
				Name:       cmd.Name,
				NotBefore:  fireAt,
			}); err != nil {
				return err
			}

		case api.CommandScheduleSubWorkflow:
			child := &api.WorkflowInstance{
				ID:           uuid.NewString(),
				Workflow:     cmd.Name,
				Status:       api.StatusRunning,
				Input:        cmd.Input,
				ParentID:     inst.ID,
				ParentCallID: cmd.CallID,
				CreatedAt:    time.Now(),
			}
			if err := e.store.Instances.CreateInstance(ctx, child); err != nil {
				return err
			}
			e.observer.OnInstanceStart(ctx, child)
			if _, err := e.store.History.AppendEvent(ctx, inst.ID, api.HistoryEvent{
				Type:    api.EventSubWorkflowScheduled,
				CallID:  cmd.CallID,
				Name:    cmd.Name,
				Payload: child.ID,
			}); err != nil {
				return err
			}
			if err := e.enqueueContinue(ctx, child.ID, time.Time{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *engineImpl) completeInstance(ctx context.Context, inst *api.WorkflowInstance, output any) error {
	inst.Status = api.StatusCompleted
	inst.Output = output
	inst.Err = nil
	if err := e.store.Instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	e.observer.OnInstanceCompleted(ctx, inst)
	return e.notifyParent(ctx, inst)
}

func (e *engineImpl) failInstance(ctx context.Context, inst *api.WorkflowInstance, failure error) error {
	inst.Status = api.StatusFailed
	inst.Err = failure
	if err := e.store.Instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	e.observer.OnInstanceFailed(ctx, inst, failure)
	return e.notifyParent(ctx, inst)
}

// notifyParent records a terminal sub-workflow outcome in the parent's
// history and schedules a parent continuation. A parent that is already
// terminal simply leaves the child as an independent instance.
func (e *engineImpl) notifyParent(ctx context.Context, child *api.WorkflowInstance) error {
	if child.ParentID == "" {
		return nil
	}
	parent, err := e.GetInstance(ctx, child.ParentID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}

	recorded, err := e.callResolved(ctx, parent.ID, child.ParentCallID)
	if err != nil {
		return err
	}
	if recorded {
		return nil
	}

	ev := api.HistoryEvent{
		Type:    api.EventSubWorkflowCompleted,
		CallID:  child.ParentCallID,
		Name:    child.ID,
		Payload: child.Output,
	}
	if child.Status != api.StatusCompleted {
		ev.Type = api.EventSubWorkflowFailed
		ev.Payload = ""
		if child.Err != nil {
			ev.Payload = child.Err.Error()
		}
	}
	if _, err := e.store.History.AppendEvent(ctx, parent.ID, ev); err != nil {
		return err
	}
	return e.enqueueContinue(ctx, parent.ID, time.Time{})
}

// callResolved reports whether history already holds a resolution for the
// given call-id.
func (e *engineImpl) callResolved(ctx context.Context, instanceID string, callID int64) (bool, error) {
	history, err := e.store.History.ListEvents(ctx, instanceID)
	if err != nil {
		return false, err
	}
	for _, ev := range history {
		if ev.CallID != callID {
			continue
		}
		switch ev.Type {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventTimerFired,
			api.EventSubWorkflowCompleted, api.EventSubWorkflowFailed:
			return true, nil
		}
	}
	return false, nil
}

// RunActivity executes one scheduled activity call. If history already holds
// a completion for the call (a recovery re-dispatch, or a rerun after a
// crash that happened between execution and continuation) the execution is
// skipped entirely.
func (e *engineImpl) RunActivity(ctx context.Context, id string, callID int64, name string, input any) error {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	resolved, err := e.callResolved(ctx, id, callID)
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}

	fn, err := e.registry.Activity(name)
	if err != nil {
		// Record the failure so the definition observes it instead of the
		// task silently vanishing.
		if _, aerr := e.store.History.AppendEvent(ctx, id, api.HistoryEvent{
			Type:    api.EventActivityFailed,
			CallID:  callID,
			Name:    name,
			Payload: err.Error(),
		}); aerr != nil {
			return aerr
		}
		return e.enqueueContinue(ctx, id, time.Time{})
	}

	e.observer.OnActivityStart(ctx, id, name, callID)
	start := time.Now()
	out, execErr := fn(ctx, input)
	e.observer.OnActivityCompleted(ctx, id, name, callID, execErr, time.Since(start))

	ev := api.HistoryEvent{
		Type:    api.EventActivityCompleted,
		CallID:  callID,
		Name:    name,
		Payload: out,
	}
	if execErr != nil {
		ev.Type = api.EventActivityFailed
		ev.Payload = execErr.Error()
	}
	if _, err := e.store.History.AppendEvent(ctx, id, ev); err != nil {
		return err
	}
	return e.enqueueContinue(ctx, id, time.Time{})
}

// FireTimer records a durable timer firing. Firings for terminal instances
// are dropped; a firing that lost the race against an external event is
// still recorded and ignored on replay as a duplicate resolution.
func (e *engineImpl) FireTimer(ctx context.Context, id string, callID int64) error {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	// Guard against recovery re-dispatch appending the same firing twice.
	history, err := e.store.History.ListEvents(ctx, id)
	if err != nil {
		return err
	}
	for _, ev := range history {
		if ev.Type == api.EventTimerFired && ev.CallID == callID {
			return nil
		}
	}

	if _, err := e.store.History.AppendEvent(ctx, id, api.HistoryEvent{
		Type:   api.EventTimerFired,
		CallID: callID,
	}); err != nil {
		return err
	}
	e.observer.OnTimerFired(ctx, id, callID)
	return e.enqueueContinue(ctx, id, time.Time{})
}

// RecoverRunning re-dispatches outstanding work for every non-terminal
// instance: activities and timers that were scheduled but never resolved are
// re-enqueued, sub-workflow outcomes that were recorded on the child but
// never propagated are appended to the parent, and a continuation pass is
// scheduled. Activity reruns this causes are the documented at-least-once
// behavior; completions already in history suppress re-execution.
//
// It is intended to be called on process startup, before workers start.
func (e *engineImpl) RecoverRunning(ctx context.Context) (int, error) {
	running, err := e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	for _, inst := range running {
		history, err := e.store.History.ListEvents(ctx, inst.ID)
		if err != nil {
			return 0, err
		}

		resolved := make(map[int64]bool)
		for _, ev := range history {
			switch ev.Type {
			case api.EventActivityCompleted, api.EventActivityFailed, api.EventTimerFired,
				api.EventSubWorkflowCompleted, api.EventSubWorkflowFailed:
				resolved[ev.CallID] = true
			}
		}

		for _, ev := range history {
			if resolved[ev.CallID] {
				continue
			}
			switch ev.Type {
			case api.EventActivityScheduled:
				if err := e.queue.Enqueue(ctx, taskqueue.Task{
					Type:       taskqueue.TaskTypeActivity,
					InstanceID: inst.ID,
					CallID:     ev.CallID,
					Name:       ev.Name,
					Payload:    ev.Payload,
				}); err != nil {
					return 0, err
				}
			case api.EventTimerScheduled:
				fireAt, _ := ev.Payload.(time.Time)
				if err := e.queue.Enqueue(ctx, taskqueue.Task{
					Type:       taskqueue.TaskTypeTimer,
					InstanceID: inst.ID,
					CallID:     ev.CallID,
					Name:       ev.Name,
					NotBefore:  fireAt,
				}); err != nil {
					return 0, err
				}
			case api.EventSubWorkflowScheduled:
				// The child runs (or recovers) on its own; only the
				// "child finished but the parent was never told" gap
				// needs closing here.
				childID, _ := ev.Payload.(string)
				if childID == "" {
					continue
				}
				child, err := e.GetInstance(ctx, childID)
				if err != nil {
					return 0, err
				}
				if child.Status.Terminal() {
					if err := e.notifyParent(ctx, child); err != nil {
						return 0, err
					}
				}
			}
		}

		if err := e.enqueueContinue(ctx, inst.ID, time.Time{}); err != nil {
			return 0, err
		}
	}
	return len(running), nil
}
