package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkarppi/signoff/pkg/api"
)

// Workflow and event names.
const (
	WorkflowApproval        = "proposal-approval"
	WorkflowProjectCreation = "project-creation"

	// EventApproval carries the manager's Decision (or a bare bool).
	EventApproval = "approval"

	// DefaultApprovalDeadline bounds how long the workflow waits for the
	// manager before treating silence as a rejection.
	DefaultApprovalDeadline = 30 * time.Minute
)

// Activity names.
const (
	ActivityGetProposal     = "get-proposal"
	ActivitySendProposal    = "send-proposal"
	ActivityNotifyTeam      = "notify-team"
	ActivityDenyProposal    = "deny-proposal"
	ActivityBuildPlanning   = "build-planning"
	ActivityComputePlanning = "compute-planning"
	ActivityAssignTasks     = "assign-tasks"
	ActivityComputeCharts   = "compute-charts"
)

// Register registers the approval workflow, its project-creation
// sub-workflow, and all activities on the engine, with the default approval
// deadline.
func Register(eng api.Engine, svc Service) error {
	return RegisterWithDeadline(eng, svc, DefaultApprovalDeadline)
}

// RegisterWithDeadline is Register with a caller-chosen approval deadline.
// Tests use short deadlines to exercise the timeout path.
func RegisterWithDeadline(eng api.Engine, svc Service, deadline time.Duration) error {
	if err := eng.RegisterWorkflow(WorkflowApproval, ApprovalWorkflow(deadline)); err != nil {
		return err
	}
	if err := eng.RegisterWorkflow(WorkflowProjectCreation, ProjectCreationWorkflow); err != nil {
		return err
	}
	for name, fn := range Activities(svc) {
		if err := eng.RegisterActivity(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// ApprovalWorkflow returns the top-level orchestrator: fetch the proposal,
// send it to the manager, wait for the approval event until the deadline,
// then take the rejection path or run notification and project creation in
// parallel.
func ApprovalWorkflow(deadline time.Duration) api.OrchestratorFunc {
	return func(ctx *api.WorkflowContext) (any, error) {
		raw, err := ctx.CallActivity(ActivityGetProposal, ctx.InstanceID()).Await()
		if err != nil {
			return nil, err
		}
		p, ok := raw.(Proposal)
		if !ok {
			return nil, fmt.Errorf("%s returned %T, want proposal.Proposal", ActivityGetProposal, raw)
		}

		if _, err := ctx.CallActivity(ActivitySendProposal, p).Await(); err != nil {
			return nil, err
		}

		approved := false
		payload, err := ctx.WaitForEvent(EventApproval, deadline)
		switch {
		case err == nil:
			approved = decisionOf(payload)
		case errors.Is(err, api.ErrEventTimeout):
			// No decision within the deadline means rejection.
		default:
			return nil, err
		}

		if !approved {
			if _, err := ctx.CallActivity(ActivityDenyProposal, p).Await(); err != nil {
				return nil, err
			}
			return OutcomeRejected, nil
		}

		_, err = ctx.WhenAll(
			ctx.CallActivity(ActivityNotifyTeam, p),
			ctx.CallSubWorkflow(WorkflowProjectCreation, p),
		)
		if err != nil {
			return nil, err
		}
		return OutcomeAccepted, nil
	}
}

func decisionOf(payload any) bool {
	switch v := payload.(type) {
	case Decision:
		return v.Approved
	case bool:
		return v
	default:
		return false
	}
}

// ProjectCreationWorkflow fans out planning per feature, then computes the
// schedule, assigns tasks, and prepares charts.
func ProjectCreationWorkflow(ctx *api.WorkflowContext) (any, error) {
	p, ok := ctx.Input().(Proposal)
	if !ok {
		return nil, fmt.Errorf("%s input is %T, want proposal.Proposal", WorkflowProjectCreation, ctx.Input())
	}

	planning := make([]*api.Task, 0, len(p.Features))
	for _, f := range p.Features {
		planning = append(planning, ctx.CallActivity(ActivityBuildPlanning, f))
	}
	if _, err := ctx.WhenAll(planning...); err != nil {
		return nil, err
	}

	for _, name := range []string{ActivityComputePlanning, ActivityAssignTasks, ActivityComputeCharts} {
		if _, err := ctx.CallActivity(name, p).Await(); err != nil {
			return nil, err
		}
	}
	return "Project created", nil
}

// Activities maps activity names to implementations backed by svc.
func Activities(svc Service) map[string]api.ActivityFunc {
	return map[string]api.ActivityFunc{
		ActivityGetProposal: func(ctx context.Context, input any) (any, error) {
			id, _ := input.(string)
			return svc.GetProposal(ctx, id)
		},
		ActivitySendProposal: proposalActivity(svc.SendProposal),
		ActivityNotifyTeam:   proposalActivity(svc.NotifyTeam),
		ActivityDenyProposal: proposalActivity(svc.DenyProposal),
		ActivityBuildPlanning: func(ctx context.Context, input any) (any, error) {
			f, ok := input.(Feature)
			if !ok {
				return nil, fmt.Errorf("%s input is %T, want proposal.Feature", ActivityBuildPlanning, input)
			}
			return nil, svc.BuildPlanning(ctx, f)
		},
		ActivityComputePlanning: proposalActivity(svc.ComputePlanning),
		ActivityAssignTasks:     proposalActivity(svc.AssignTasks),
		ActivityComputeCharts:   proposalActivity(svc.ComputeCharts),
	}
}

func proposalActivity(fn func(context.Context, Proposal) error) api.ActivityFunc {
	return func(ctx context.Context, input any) (any, error) {
		p, ok := input.(Proposal)
		if !ok {
			return nil, fmt.Errorf("activity input is %T, want proposal.Proposal", input)
		}
		return nil, fn(ctx, p)
	}
}
