package api

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// errSuspend unwinds the orchestrator stack when execution reaches a call
// that history cannot resolve. It is recovered by Execute; it never escapes
// this package.
var errSuspend = errors.New("suspend")

type callKind int

const (
	callActivity callKind = iota
	callTimer
	callSubWorkflow
)

func (k callKind) String() string {
	switch k {
	case callActivity:
		return "activity"
	case callTimer:
		return "timer"
	case callSubWorkflow:
		return "sub-workflow"
	default:
		return "unknown"
	}
}

// Task is the handle to a scheduled call. Await either returns the recorded
// result or suspends the replay pass; it never blocks.
type Task struct {
	callID   int64
	kind     callKind
	name     string
	resolved bool
	seq      int64
	result   any
	err      error
}

// Done reports whether a completion for this call is recorded in history.
func (t *Task) Done() bool { return t.resolved }

// Await returns the recorded result of the call. If no completion is
// recorded yet, it suspends the replay pass.
func (t *Task) Await() (any, error) {
	if !t.resolved {
		panic(errSuspend)
	}
	return t.result, t.err
}

// WorkflowContext drives one replay pass of an orchestrator definition
// against recorded history. Each call site is assigned a sequential call-id;
// because definitions are deterministic, the same call always receives the
// same id on every replay, which is how completions recorded before a crash
// are matched back to the calls that issued them.
//
// A context is single-use: the engine constructs a fresh one for every pass.
type WorkflowContext struct {
	instanceID string
	workflow   string
	input      any

	nextCallID  int64
	completions map[int64]HistoryEvent
	scheduled   map[int64]HistoryEvent
	external    map[string][]HistoryEvent

	commands       []Command
	pendingEvents  map[string]int64
	resolvedEvents map[string]bool
}

// NewWorkflowContext builds a replay context for one pass over the given
// history. History must be in append order.
func NewWorkflowContext(instanceID, workflow string, input any, history []HistoryEvent) *WorkflowContext {
	c := &WorkflowContext{
		instanceID:     instanceID,
		workflow:       workflow,
		input:          input,
		completions:    make(map[int64]HistoryEvent),
		scheduled:      make(map[int64]HistoryEvent),
		external:       make(map[string][]HistoryEvent),
		pendingEvents:  make(map[string]int64),
		resolvedEvents: make(map[string]bool),
	}
	for _, ev := range history {
		switch ev.Type {
		case EventActivityScheduled, EventTimerScheduled, EventSubWorkflowScheduled:
			c.scheduled[ev.CallID] = ev
		case EventActivityCompleted, EventActivityFailed, EventTimerFired,
			EventSubWorkflowCompleted, EventSubWorkflowFailed:
			// First resolution for a call-id wins; a later duplicate (the
			// loser of a timer/event race) is ignored.
			if _, dup := c.completions[ev.CallID]; !dup {
				c.completions[ev.CallID] = ev
			}
		case EventExternalReceived:
			c.external[ev.Name] = append(c.external[ev.Name], ev)
		}
	}
	return c
}

// InstanceID returns the id of the instance being replayed.
func (c *WorkflowContext) InstanceID() string { return c.instanceID }

// Workflow returns the definition name of the instance being replayed.
func (c *WorkflowContext) Workflow() string { return c.workflow }

// Input returns the payload the instance was started with.
func (c *WorkflowContext) Input() any { return c.input }

func (c *WorkflowContext) next() int64 {
	c.nextCallID++
	return c.nextCallID
}

func (c *WorkflowContext) divergence(callID int64, format string, args ...any) {
	panic(&ReplayError{
		InstanceID: c.instanceID,
		CallID:     callID,
		Detail:     fmt.Sprintf(format, args...),
	})
}

// schedule resolves or emits one call. It is the single place where call-ids
// are matched against history, so the nondeterminism checks live here.
func (c *WorkflowContext) schedule(kind callKind, cmdType CommandType, name string, input any, delay time.Duration) *Task {
	id := c.next()
	t := &Task{callID: id, kind: kind, name: name}

	if ev, ok := c.completions[id]; ok {
		c.resolve(t, ev)
		return t
	}

	if sev, ok := c.scheduled[id]; ok {
		// Already dispatched in an earlier pass; verify the definition
		// still issues the same call, then wait for its completion.
		if sev.Type != scheduledType(kind) || sev.Name != name {
			c.divergence(id, "history has %s %q, definition issued %s %q", sev.Type, sev.Name, kind, name)
		}
		return t
	}

	c.commands = append(c.commands, Command{
		Type:   cmdType,
		CallID: id,
		Name:   name,
		Input:  input,
		Delay:  delay,
	})
	return t
}

func scheduledType(kind callKind) EventType {
	switch kind {
	case callActivity:
		return EventActivityScheduled
	case callTimer:
		return EventTimerScheduled
	default:
		return EventSubWorkflowScheduled
	}
}

func (c *WorkflowContext) resolve(t *Task, ev HistoryEvent) {
	t.resolved = true
	t.seq = ev.Seq
	switch {
	case t.kind == callActivity && ev.Type == EventActivityCompleted:
		t.result = ev.Payload
	case t.kind == callActivity && ev.Type == EventActivityFailed:
		t.err = &ActivityError{Activity: t.name, Message: payloadMessage(ev.Payload)}
	case t.kind == callTimer && ev.Type == EventTimerFired:
	case t.kind == callSubWorkflow && ev.Type == EventSubWorkflowCompleted:
		t.result = ev.Payload
	case t.kind == callSubWorkflow && ev.Type == EventSubWorkflowFailed:
		t.err = &SubWorkflowError{Workflow: t.name, InstanceID: ev.Name, Message: payloadMessage(ev.Payload)}
	default:
		c.divergence(t.callID, "completion %s does not match %s call %q", ev.Type, t.kind, t.name)
	}
}

func payloadMessage(p any) string {
	if s, ok := p.(string); ok {
		return s
	}
	return fmt.Sprint(p)
}

// CallActivity schedules the named activity and returns a handle to it.
// The activity input must be gob-encodable.
func (c *WorkflowContext) CallActivity(name string, input any) *Task {
	return c.schedule(callActivity, CommandScheduleActivity, name, input, 0)
}

// CallSubWorkflow schedules a nested workflow instance and returns a handle
// that settles when the child reaches a terminal state. The child is durable
// on its own: a parent failing later does not touch the child's history.
func (c *WorkflowContext) CallSubWorkflow(workflow string, input any) *Task {
	return c.schedule(callSubWorkflow, CommandScheduleSubWorkflow, workflow, input, 0)
}

// Sleep suspends the instance until a durable timer fires. The absolute
// deadline is fixed at dispatch time and recorded in history, so replays
// never consult the wall clock.
func (c *WorkflowContext) Sleep(d time.Duration) {
	t := c.schedule(callTimer, CommandScheduleTimer, "sleep", nil, d)
	if !t.resolved {
		panic(errSuspend)
	}
}

// WaitForEvent suspends the instance until an external event with the given
// name arrives, racing it against a deadline timer when timeout > 0.
//
// Resolution follows history append order: whichever of the event and the
// timer was recorded first decides the outcome, and the later entry is
// ignored. On timeout the returned error is ErrEventTimeout.
//
// At most one wait per event name may be outstanding at a time; a second one
// is a definition error and fails the instance.
func (c *WorkflowContext) WaitForEvent(name string, timeout time.Duration) (any, error) {
	waitID := c.next()
	if _, dup := c.pendingEvents[name]; dup {
		c.divergence(waitID, "second outstanding wait for event %q", name)
	}

	var timer *Task
	if timeout > 0 {
		timer = c.schedule(callTimer, CommandScheduleTimer, name+"-deadline", nil, timeout)
	}

	if evs := c.external[name]; len(evs) > 0 {
		ev := evs[0]
		if timer == nil || !timer.resolved || ev.Seq < timer.seq {
			c.external[name] = evs[1:]
			c.resolvedEvents[name] = true
			return ev.Payload, nil
		}
	}
	if timer != nil && timer.resolved {
		c.resolvedEvents[name] = true
		return nil, ErrEventTimeout
	}

	c.pendingEvents[name] = waitID
	panic(errSuspend)
}

// WhenAll waits until every task in the set has settled, then returns their
// results in argument order. If any task failed, the error of the one whose
// failure was recorded earliest in history is returned, but only after all
// siblings have settled one way or the other, so the set of recorded
// completions at the join point is the same on every replay.
func (c *WorkflowContext) WhenAll(tasks ...*Task) ([]any, error) {
	for _, t := range tasks {
		if !t.resolved {
			// Commands for unscheduled members were already emitted when
			// the calls were issued; suspend until the rest settle.
			panic(errSuspend)
		}
	}

	results := make([]any, len(tasks))
	var firstErr error
	firstSeq := int64(-1)
	for i, t := range tasks {
		results[i] = t.result
		if t.err != nil && (firstSeq < 0 || t.seq < firstSeq) {
			firstErr = t.err
			firstSeq = t.seq
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// ExecutionResult is the outcome of one replay pass.
type ExecutionResult struct {
	// Commands are calls issued during this pass that history shows no
	// dispatch for yet. Empty when the pass only re-resolved old calls.
	Commands []Command

	// PendingEvents are event names the instance is currently waiting on.
	PendingEvents []string

	// ResolvedEvents are event names whose waits already settled, by event
	// or by timeout. Deliveries for these are dropped at the boundary.
	ResolvedEvents []string

	// Done is true when the definition ran to a terminal result.
	Done   bool
	Output any
	Err    error
}

// Execute runs the definition against the context's history. It is
// deterministic and idempotent: executing twice over the same history yields
// identical results and identical command sets.
func (c *WorkflowContext) Execute(fn OrchestratorFunc) (res ExecutionResult) {
	defer func() {
		switch r := recover(); {
		case r == nil:
		case r == errSuspend:
			res = ExecutionResult{
				Commands:       c.commands,
				PendingEvents:  sortedKeys(c.pendingEvents),
				ResolvedEvents: sortedFlags(c.resolvedEvents),
			}
		default:
			if re, ok := r.(*ReplayError); ok {
				res = ExecutionResult{Done: true, Err: re}
				return
			}
			panic(r)
		}
	}()

	out, err := fn(c)
	if err != nil {
		return ExecutionResult{Done: true, Err: err, ResolvedEvents: sortedFlags(c.resolvedEvents)}
	}
	// Completion implicitly cancels anything still outstanding, so commands
	// emitted earlier in the pass are dropped rather than dispatched.
	return ExecutionResult{Done: true, Output: out, ResolvedEvents: sortedFlags(c.resolvedEvents)}
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedFlags(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
