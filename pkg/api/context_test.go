package api

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func ev(seq int64, typ EventType, callID int64, name string, payload any) HistoryEvent {
	return HistoryEvent{Seq: seq, Type: typ, CallID: callID, Name: name, Payload: payload}
}

// Single activity call, awaited immediately.
func singleActivity(ctx *WorkflowContext) (any, error) {
	out, err := ctx.CallActivity("step", "in").Await()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func TestExecute_FirstPassEmitsCommandAndSuspends(t *testing.T) {
	c := NewWorkflowContext("i1", "wf", nil, nil)
	res := c.Execute(singleActivity)

	if res.Done {
		t.Fatalf("expected suspended pass, got Done with output=%v err=%v", res.Output, res.Err)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d: %+v", len(res.Commands), res.Commands)
	}
	cmd := res.Commands[0]
	if cmd.Type != CommandScheduleActivity || cmd.Name != "step" || cmd.CallID != 1 || cmd.Input != "in" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestExecute_ReplayIsIdempotent(t *testing.T) {
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "step", "in"),
	}

	first := NewWorkflowContext("i1", "wf", nil, history).Execute(singleActivity)
	second := NewWorkflowContext("i1", "wf", nil, history).Execute(singleActivity)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("two passes over the same history differ:\n%+v\n%+v", first, second)
	}
	// The call was already dispatched, so no command may be re-emitted.
	if len(first.Commands) != 0 {
		t.Fatalf("expected no commands for an already-scheduled call, got %+v", first.Commands)
	}
}

func TestExecute_CompletionResolvesAwait(t *testing.T) {
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "step", "in"),
		ev(2, EventActivityCompleted, 1, "step", "out"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(singleActivity)
	if !res.Done || res.Err != nil {
		t.Fatalf("expected clean completion, got %+v", res)
	}
	if res.Output != "out" {
		t.Fatalf("expected output %q, got %v", "out", res.Output)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("completion must not carry commands, got %+v", res.Commands)
	}
}

func TestExecute_ActivityFailureSurfacesAsActivityError(t *testing.T) {
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "step", "in"),
		ev(2, EventActivityFailed, 1, "step", "boom"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(singleActivity)
	if !res.Done || res.Err == nil {
		t.Fatalf("expected failed completion, got %+v", res)
	}
	var aerr *ActivityError
	if !errors.As(res.Err, &aerr) {
		t.Fatalf("expected *ActivityError, got %T: %v", res.Err, res.Err)
	}
	if aerr.Activity != "step" || aerr.Message != "boom" {
		t.Fatalf("unexpected activity error: %+v", aerr)
	}
}

func waitWorkflow(ctx *WorkflowContext) (any, error) {
	payload, err := ctx.WaitForEvent("approval", time.Minute)
	if errors.Is(err, ErrEventTimeout) {
		return "timed-out", nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func TestWaitForEvent_SuspendsWithDeadlineTimer(t *testing.T) {
	res := NewWorkflowContext("i1", "wf", nil, nil).Execute(waitWorkflow)

	if res.Done {
		t.Fatalf("expected suspension, got %+v", res)
	}
	if len(res.Commands) != 1 || res.Commands[0].Type != CommandScheduleTimer {
		t.Fatalf("expected one timer command, got %+v", res.Commands)
	}
	if res.Commands[0].Delay != time.Minute {
		t.Fatalf("expected %v delay, got %v", time.Minute, res.Commands[0].Delay)
	}
	if len(res.PendingEvents) != 1 || res.PendingEvents[0] != "approval" {
		t.Fatalf("expected pending event %q, got %v", "approval", res.PendingEvents)
	}
}

func TestWaitForEvent_EventBeforeTimerWins(t *testing.T) {
	// Wait consumes call-id 1, deadline timer call-id 2. The event was
	// recorded before the firing, so the event wins and the firing is a
	// recorded no-op.
	history := []HistoryEvent{
		ev(1, EventTimerScheduled, 2, "approval-deadline", nil),
		ev(2, EventExternalReceived, 0, "approval", "yes"),
		ev(3, EventTimerFired, 2, "", nil),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(waitWorkflow)
	if !res.Done || res.Err != nil {
		t.Fatalf("expected completion, got %+v", res)
	}
	if res.Output != "yes" {
		t.Fatalf("event payload should win, got %v", res.Output)
	}
	if len(res.ResolvedEvents) != 1 || res.ResolvedEvents[0] != "approval" {
		t.Fatalf("expected resolved event marker, got %v", res.ResolvedEvents)
	}
}

func TestWaitForEvent_TimerBeforeEventWins(t *testing.T) {
	history := []HistoryEvent{
		ev(1, EventTimerScheduled, 2, "approval-deadline", nil),
		ev(2, EventTimerFired, 2, "", nil),
		ev(3, EventExternalReceived, 0, "approval", "late"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(waitWorkflow)
	if !res.Done || res.Err != nil {
		t.Fatalf("expected completion, got %+v", res)
	}
	if res.Output != "timed-out" {
		t.Fatalf("timer should win over the later event, got %v", res.Output)
	}
}

func TestWaitForEvent_RaceIsExclusiveEitherWay(t *testing.T) {
	// Whatever order the two resolutions carry, exactly one outcome is
	// observed, and it is stable across replays.
	histories := map[string][]HistoryEvent{
		"event-first": {
			ev(1, EventTimerScheduled, 2, "approval-deadline", nil),
			ev(2, EventExternalReceived, 0, "approval", "yes"),
			ev(3, EventTimerFired, 2, "", nil),
		},
		"timer-first": {
			ev(1, EventTimerScheduled, 2, "approval-deadline", nil),
			ev(2, EventTimerFired, 2, "", nil),
			ev(3, EventExternalReceived, 0, "approval", "yes"),
		},
	}

	for name, history := range histories {
		t.Run(name, func(t *testing.T) {
			a := NewWorkflowContext("i1", "wf", nil, history).Execute(waitWorkflow)
			b := NewWorkflowContext("i1", "wf", nil, history).Execute(waitWorkflow)
			if !reflect.DeepEqual(a, b) {
				t.Fatalf("replay not stable:\n%+v\n%+v", a, b)
			}
			if !a.Done {
				t.Fatalf("expected terminal pass, got %+v", a)
			}
			if a.Output != "yes" && a.Output != "timed-out" {
				t.Fatalf("expected exactly one of the two outcomes, got %v", a.Output)
			}
		})
	}
}

func TestWaitForEvent_RaceLoserStaysBufferedForNextWait(t *testing.T) {
	// The event lost the race against the deadline timer, but its delivery
	// was already acknowledged when it was recorded. A later wait for the
	// same name consumes it instead of the payload vanishing.
	history := []HistoryEvent{
		ev(1, EventTimerScheduled, 2, "go-deadline", nil),
		ev(2, EventTimerFired, 2, "", nil),
		ev(3, EventExternalReceived, 0, "go", "late"),
	}

	def := func(ctx *WorkflowContext) (any, error) {
		_, err := ctx.WaitForEvent("go", time.Minute)
		if !errors.Is(err, ErrEventTimeout) {
			return nil, err
		}
		return ctx.WaitForEvent("go", 0)
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(def)
	if !res.Done || res.Err != nil {
		t.Fatalf("expected terminal pass, got %+v", res)
	}
	if res.Output != "late" {
		t.Fatalf("expected the recorded payload at the second wait, got %v", res.Output)
	}
}

func fanOutWorkflow(ctx *WorkflowContext) (any, error) {
	return ctx.WhenAll(
		ctx.CallActivity("part-a", nil),
		ctx.CallActivity("part-b", nil),
		ctx.CallActivity("part-c", nil),
	)
}

func TestWhenAll_PartialHistoryEmitsOnlyMissingCommands(t *testing.T) {
	// part-a and part-b were dispatched in an earlier pass; part-c was not.
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "part-a", nil),
		ev(2, EventActivityScheduled, 2, "part-b", nil),
		ev(3, EventActivityCompleted, 1, "part-a", "a"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(fanOutWorkflow)
	if res.Done {
		t.Fatalf("join must not settle before all members, got %+v", res)
	}
	if len(res.Commands) != 1 || res.Commands[0].Name != "part-c" || res.Commands[0].CallID != 3 {
		t.Fatalf("expected exactly the missing part-c command, got %+v", res.Commands)
	}
}

func TestWhenAll_FirstFailureInHistoryOrderAfterFullSettlement(t *testing.T) {
	// part-b failed before part-c did; the join reports part-b.
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "part-a", nil),
		ev(2, EventActivityScheduled, 2, "part-b", nil),
		ev(3, EventActivityScheduled, 3, "part-c", nil),
		ev(4, EventActivityCompleted, 1, "part-a", "a"),
		ev(5, EventActivityFailed, 2, "part-b", "b failed"),
		ev(6, EventActivityFailed, 3, "part-c", "c failed"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(fanOutWorkflow)
	if !res.Done || res.Err == nil {
		t.Fatalf("expected failed join, got %+v", res)
	}
	var aerr *ActivityError
	if !errors.As(res.Err, &aerr) {
		t.Fatalf("expected *ActivityError, got %T", res.Err)
	}
	if aerr.Activity != "part-b" {
		t.Fatalf("expected earliest failure part-b, got %q", aerr.Activity)
	}
}

func TestWhenAll_SuspendsUntilLastMemberSettles(t *testing.T) {
	// A failure is already recorded, but part-c is still outstanding; the
	// join must keep waiting rather than fail early.
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "part-a", nil),
		ev(2, EventActivityScheduled, 2, "part-b", nil),
		ev(3, EventActivityScheduled, 3, "part-c", nil),
		ev(4, EventActivityFailed, 2, "part-b", "b failed"),
		ev(5, EventActivityCompleted, 1, "part-a", "a"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(fanOutWorkflow)
	if res.Done {
		t.Fatalf("join settled before full settlement: %+v", res)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("all members already dispatched, got commands %+v", res.Commands)
	}
}

func TestExecute_NondeterministicDefinitionFailsWithReplayError(t *testing.T) {
	history := []HistoryEvent{
		ev(1, EventActivityScheduled, 1, "old-name", nil),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(func(ctx *WorkflowContext) (any, error) {
		return ctx.CallActivity("new-name", nil).Await()
	})
	if !res.Done {
		t.Fatalf("divergence must terminate the instance, got %+v", res)
	}
	var rerr *ReplayError
	if !errors.As(res.Err, &rerr) {
		t.Fatalf("expected *ReplayError, got %T: %v", res.Err, res.Err)
	}
}

func TestExecute_CompletionDropsUnawaitedCommands(t *testing.T) {
	res := NewWorkflowContext("i1", "wf", nil, nil).Execute(func(ctx *WorkflowContext) (any, error) {
		ctx.CallActivity("never-awaited", nil)
		return "done", nil
	})
	if !res.Done || res.Output != "done" {
		t.Fatalf("expected completion, got %+v", res)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("completion must cancel outstanding calls, got %+v", res.Commands)
	}
}

func TestSleep_ResolvesOnRecordedFiring(t *testing.T) {
	slept := func(ctx *WorkflowContext) (any, error) {
		ctx.Sleep(time.Hour)
		return "awake", nil
	}

	first := NewWorkflowContext("i1", "wf", nil, nil).Execute(slept)
	if first.Done || len(first.Commands) != 1 || first.Commands[0].Type != CommandScheduleTimer {
		t.Fatalf("expected suspended pass with timer command, got %+v", first)
	}

	history := []HistoryEvent{
		ev(1, EventTimerScheduled, 1, "sleep", nil),
		ev(2, EventTimerFired, 1, "", nil),
	}
	second := NewWorkflowContext("i1", "wf", nil, history).Execute(slept)
	if !second.Done || second.Output != "awake" {
		t.Fatalf("expected completion after firing, got %+v", second)
	}
}

func TestWaitForEvent_BufferedEventConsumedWithoutCommands(t *testing.T) {
	// Event arrived before the wait was ever issued; first pass consumes it
	// directly without a timer dispatch resolving first.
	history := []HistoryEvent{
		ev(1, EventExternalReceived, 0, "approval", "early"),
	}

	res := NewWorkflowContext("i1", "wf", nil, history).Execute(waitWorkflow)
	if !res.Done || res.Err != nil {
		t.Fatalf("expected completion, got %+v", res)
	}
	if res.Output != "early" {
		t.Fatalf("expected buffered payload, got %v", res.Output)
	}
}
