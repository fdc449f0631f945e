package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/veplatform/controlplane/decision"
	"github.com/veplatform/controlplane/gateway"
	"github.com/veplatform/controlplane/publisher"
	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/taskstore/inmem"
	"github.com/veplatform/controlplane/team"
	"github.com/veplatform/controlplane/tenancy"
)

type (
	deciderFunc func(context.Context, decision.DecideInput) (decision.Decision, error)
	routerFunc  func(context.Context, decision.RouteInput) (decision.RouteDecision, error)
	plannerFunc func(context.Context, decision.PlanInput) (decision.PlanDraft, error)
	invokerFunc func(context.Context, tenancy.AgentContext, string, string) (gateway.Result, error)
	peersFunc   func(context.Context, string, string) ([]team.Peer, error)
)

func (f deciderFunc) Decide(ctx context.Context, in decision.DecideInput) (decision.Decision, error) {
	return f(ctx, in)
}

func (f routerFunc) AnalyzeRouting(ctx context.Context, in decision.RouteInput) (decision.RouteDecision, error) {
	return f(ctx, in)
}

func (f plannerFunc) CreatePlan(ctx context.Context, in decision.PlanInput) (decision.PlanDraft, error) {
	return f(ctx, in)
}

func (f invokerFunc) Invoke(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (gateway.Result, error) {
	return f(ctx, agentCtx, agentType, message)
}

func (f peersFunc) Peers(ctx context.Context, customerID, agentType string) ([]team.Peer, error) {
	return f(ctx, customerID, agentType)
}

type capturePublisher struct {
	mu      sync.Mutex
	updates []publisher.Update
}

func (p *capturePublisher) Publish(_ context.Context, update publisher.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *capturePublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.updates))
	for i, u := range p.updates {
		out[i] = u.Status
	}
	return out
}

type testDeps struct {
	store      *inmem.Store
	pub        *capturePublisher
	customerID string
	agentCtx   tenancy.AgentContext

	decider deciderFunc
	router  routerFunc
	planner plannerFunc
	invoker invokerFunc
	peers   peersFunc
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	customerID := uuid.NewString()
	agentCtx, err := tenancy.NewAgentContext(customerID, "user-1", nil, "")
	require.NoError(t, err)
	return &testDeps{
		store:      inmem.New(),
		pub:        &capturePublisher{},
		customerID: customerID,
		agentCtx:   agentCtx,
		decider: func(context.Context, decision.DecideInput) (decision.Decision, error) {
			return decision.Decision{Action: decision.ActionHandle, Reason: "default", Confidence: 0.9}, nil
		},
		router: func(_ context.Context, in decision.RouteInput) (decision.RouteDecision, error) {
			return decision.RouteDecision{AgentType: in.Available[0], Method: decision.MethodAgent}, nil
		},
		planner: func(context.Context, decision.PlanInput) (decision.PlanDraft, error) {
			return decision.PlanDraft{Steps: []string{"research", "draft", "review"}}, nil
		},
		invoker: func(_ context.Context, _ tenancy.AgentContext, agentType, _ string) (gateway.Result, error) {
			return gateway.Result{Message: agentType + " finished the task"}, nil
		},
		peers: func(context.Context, string, string) ([]team.Peer, error) {
			return nil, nil
		},
	}
}

func (d *testDeps) activities(t *testing.T) *Activities {
	t.Helper()
	acts, err := NewActivities(ActivitiesOptions{
		Store:     d.store,
		Publisher: d.pub,
		Invoker:   invokerFunc(func(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (gateway.Result, error) {
			return d.invoker(ctx, agentCtx, agentType, message)
		}),
		Team: peersFunc(func(ctx context.Context, customerID, agentType string) ([]team.Peer, error) {
			return d.peers(ctx, customerID, agentType)
		}),
		Decider: deciderFunc(func(ctx context.Context, in decision.DecideInput) (decision.Decision, error) {
			return d.decider(ctx, in)
		}),
		Router: routerFunc(func(ctx context.Context, in decision.RouteInput) (decision.RouteDecision, error) {
			return d.router(ctx, in)
		}),
		Planner: plannerFunc(func(ctx context.Context, in decision.PlanInput) (decision.PlanDraft, error) {
			return d.planner(ctx, in)
		}),
		Breaker: NewCircuitBreaker(BreakerOptions{}),
	})
	require.NoError(t, err)
	return acts
}

func (d *testDeps) seedTask(t *testing.T, taskID string) {
	t.Helper()
	require.NoError(t, d.store.InsertTask(context.Background(), taskstore.Task{
		ID:          taskID,
		CustomerID:  d.customerID,
		Title:       "test task",
		Description: "Write the Q1 marketing plan",
		Status:      taskstore.StatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}))
}

func (d *testDeps) seedAgent(t *testing.T, id, agentType, seniority string) {
	t.Helper()
	require.NoError(t, d.store.InsertHiredAgent(context.Background(), taskstore.HiredAgent{
		ID:         id,
		CustomerID: d.customerID,
		AgentType:  agentType,
		Seniority:  seniority,
		Status:     "active",
		HiredAt:    time.Now().UTC(),
	}))
}

func newEnv(t *testing.T, deps *testDeps) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	w := NewWorkflows(WorkflowsOptions{})
	env.RegisterWorkflowWithOptions(w.OrchestratorWorkflow, workflow.RegisterOptions{Name: WorkflowOrchestrator})
	env.RegisterWorkflowWithOptions(w.IntelligentDelegationWorkflow, workflow.RegisterOptions{Name: WorkflowDelegation})
	env.RegisterWorkflowWithOptions(w.DirectAssignmentWorkflow, workflow.RegisterOptions{Name: WorkflowDirectAssignment})
	env.RegisterActivity(deps.activities(t))
	return env
}

func delegationInput(deps *testDeps, taskID, agentType string) DelegationInput {
	return DelegationInput{
		Context:          deps.agentCtx,
		CustomerID:       deps.customerID,
		TaskID:           taskID,
		TaskDescription:  "Write the Q1 marketing plan",
		CurrentAgentType: agentType,
	}
}

func TestDelegationHandleLocallyWithPlanApproval(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, nil)
	}, time.Minute)

	env.ExecuteWorkflow(WorkflowDelegation, delegationInput(deps, "t1", "marketing-manager"))
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Equal(t, OutcomeHandled, out.Outcome)
	require.Equal(t, "marketing-manager", out.HandledBy)
	require.Equal(t, []string{"marketing-manager"}, out.Chain)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
	require.Equal(t, deps.pub.updates[len(deps.pub.updates)-1].Status, taskstore.StatusCompleted)

	// The drafted plan was persisted before approval was requested.
	require.Contains(t, task.Metadata, "latest_plan_id")
	comments, err := deps.store.ListComments(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, taskstore.AuthorSystem, comments[0].AuthorType)
	require.Equal(t, taskstore.AuthorVE, comments[1].AuthorType)
	require.Contains(t, deps.pub.statuses(), taskstore.StatusWaitingForInput)
}

func TestDelegationDepthGuard(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	in := delegationInput(deps, "t1", "junior-analyst")
	in.Depth = 6
	in.Chain = []string{"a", "b", "c", "d", "e", "f"}
	env.ExecuteWorkflow(WorkflowDelegation, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusFailed, out.Status)
	require.Equal(t, DepthExceededReason, out.Reason)
	require.Len(t, out.Chain, 7)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusFailed, task.Status)
	require.Equal(t, DepthExceededReason, task.Metadata["failure_reason"])
}

func TestDelegationDelegatesDownTheChain(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.decider = func(_ context.Context, in decision.DecideInput) (decision.Decision, error) {
		if in.CurrentAgentType == "marketing-manager" {
			return decision.Decision{
				Action:      decision.ActionDelegate,
				DelegatedTo: "content-writer",
				Reason:      "writing work",
				Confidence:  0.9,
			}, nil
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "my specialty", Confidence: 0.9}, nil
	}
	env := newEnv(t, deps)

	in := delegationInput(deps, "t1", "marketing-manager")
	in.PlanApproved = true
	env.ExecuteWorkflow(WorkflowDelegation, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Equal(t, OutcomeDelegated, out.Outcome)
	require.Equal(t, "marketing-manager", out.DelegatedBy)
	require.Equal(t, "content-writer", out.HandledBy)
	require.Equal(t, []string{"marketing-manager", "content-writer"}, out.Chain)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
}

func TestDelegationParallelPartialFailure(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.decider = func(_ context.Context, in decision.DecideInput) (decision.Decision, error) {
		if in.TaskDescription == "Write the Q1 marketing plan" {
			return decision.Decision{
				Action:     decision.ActionParallel,
				Subtasks:   []string{"Draft the copy", "Design the visuals"},
				Reason:     "independent work",
				Confidence: 0.8,
			}, nil
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "subtask", Confidence: 0.9}, nil
	}
	deps.invoker = func(_ context.Context, _ tenancy.AgentContext, agentType, message string) (gateway.Result, error) {
		if strings.Contains(message, "visuals") {
			return gateway.Result{}, errors.New("design tool unavailable")
		}
		return gateway.Result{Message: "copy drafted"}, nil
	}
	env := newEnv(t, deps)

	in := delegationInput(deps, "t1", "marketing-manager")
	in.PlanApproved = true
	env.ExecuteWorkflow(WorkflowDelegation, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Equal(t, OutcomeParallel, out.Outcome)
	require.Len(t, out.Children, 2)
	statuses := map[string]string{}
	for _, c := range out.Children {
		statuses[c.Subtask] = c.Status
	}
	require.Equal(t, taskstore.StatusCompleted, statuses["Draft the copy"])
	require.Equal(t, taskstore.StatusFailed, statuses["Design the visuals"])
	require.Contains(t, out.Result, "1 of 2")

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
}

func TestDelegationParallelAllFailed(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.decider = func(_ context.Context, in decision.DecideInput) (decision.Decision, error) {
		if in.TaskDescription == "Write the Q1 marketing plan" {
			return decision.Decision{
				Action:     decision.ActionParallel,
				Subtasks:   []string{"sub-a", "sub-b"},
				Reason:     "split",
				Confidence: 0.8,
			}, nil
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "subtask", Confidence: 0.9}, nil
	}
	deps.invoker = func(context.Context, tenancy.AgentContext, string, string) (gateway.Result, error) {
		return gateway.Result{}, errors.New("agent offline")
	}
	env := newEnv(t, deps)

	in := delegationInput(deps, "t1", "marketing-manager")
	in.PlanApproved = true
	env.ExecuteWorkflow(WorkflowDelegation, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusFailed, out.Status)
	require.Equal(t, "All parallel subtasks failed", out.Reason)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusFailed, task.Status)
}

func TestDelegationClarificationLoop(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	var invoked string
	deps.decider = func(_ context.Context, in decision.DecideInput) (decision.Decision, error) {
		if in.UserFeedback == "" {
			return decision.Decision{
				Action:     decision.ActionAskClarification,
				Reason:     "Which quarter should the plan cover?",
				Confidence: 0.6,
			}, nil
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "clear now", Confidence: 0.9}, nil
	}
	deps.invoker = func(_ context.Context, _ tenancy.AgentContext, _, message string) (gateway.Result, error) {
		invoked = message
		return gateway.Result{Message: "plan written"}, nil
	}
	env := newEnv(t, deps)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProvideFeedback, FeedbackSignal{Feedback: "Q3, EMEA only"})
	}, time.Minute)

	in := delegationInput(deps, "t1", "marketing-manager")
	in.PlanApproved = true
	env.ExecuteWorkflow(WorkflowDelegation, in)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Equal(t, OutcomeClarified, out.Outcome)
	require.Contains(t, invoked, "User clarification: Q3, EMEA only")

	// The question was surfaced as a VE comment and the task parked.
	comments, err := deps.store.ListComments(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, "Which quarter should the plan cover?", comments[0].Content)
	require.Contains(t, deps.pub.statuses(), taskstore.StatusWaitingForInput)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
}

func TestDelegationCancelDuringPlanApproval(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancelDelegation, nil)
	}, time.Minute)

	env.ExecuteWorkflow(WorkflowDelegation, delegationInput(deps, "t1", "marketing-manager"))
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCancelled, out.Status)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCancelled, task.Status)
}

func TestDelegationPauseResume(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPauseDelegation, nil)
	}, 30*time.Second)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalApprovePlan, nil)
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResumeDelegation, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(WorkflowDelegation, delegationInput(deps, "t1", "marketing-manager"))
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DelegationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Contains(t, deps.pub.statuses(), taskstore.StatusInProgress)
}

func TestDelegationChainQuery(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	in := delegationInput(deps, "t1", "marketing-manager")
	in.PlanApproved = true
	env.ExecuteWorkflow(WorkflowDelegation, in)
	require.True(t, env.IsWorkflowCompleted())

	resp, err := env.QueryWorkflow(QueryDelegationChain)
	require.NoError(t, err)
	var chain []string
	require.NoError(t, resp.Get(&chain))
	require.Equal(t, []string{"marketing-manager"}, chain)

	resp, err = env.QueryWorkflow(QueryDelegationStatus)
	require.NoError(t, err)
	var status DelegationStatus
	require.NoError(t, resp.Get(&status))
	require.Equal(t, "t1", status.TaskID)
	require.Equal(t, 0, status.Depth)
	require.Equal(t, chain, status.Chain)
}

func TestOrchestratorFailsWithoutAgents(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	env.ExecuteWorkflow(WorkflowOrchestrator, OrchestratorInput{
		Context:         deps.agentCtx,
		CustomerID:      deps.customerID,
		TaskID:          "t1",
		TaskDescription: "Write the Q1 marketing plan",
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out OrchestratorResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusFailed, out.Status)
	require.Contains(t, out.Reason, "No VEs hired")

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusFailed, task.Status)
}

func TestOrchestratorHappyPath(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.seedAgent(t, "ve-1", "marketing-manager", taskstore.TierManager)
	deps.seedAgent(t, "ve-2", "sales-manager", taskstore.TierManager)
	deps.router = func(_ context.Context, in decision.RouteInput) (decision.RouteDecision, error) {
		require.Contains(t, in.Available, "marketing-manager")
		return decision.RouteDecision{AgentType: "marketing-manager", Method: decision.MethodAgent}, nil
	}
	env := newEnv(t, deps)

	env.RegisterDelayedCallback(func() {
		require.NoError(t, env.SignalWorkflowByID(DelegationWorkflowID("t1"), SignalApprovePlan, nil))
	}, time.Minute)

	env.ExecuteWorkflow(WorkflowOrchestrator, OrchestratorInput{
		Context:         deps.agentCtx,
		CustomerID:      deps.customerID,
		TaskID:          "t1",
		TaskDescription: "Write the Q1 marketing plan",
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out OrchestratorResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Equal(t, "marketing-manager", out.RoutedTo)
	require.Equal(t, "marketing-manager", out.HandledBy)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
	require.Equal(t, "ve-1", task.AssignedTo)
}

func TestOrchestratorRoutesToManagerWhenTypeUnhired(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.seedAgent(t, "ve-junior", "junior-analyst", taskstore.TierJunior)
	deps.seedAgent(t, "ve-mgr", "sales-manager", taskstore.TierManager)
	deps.router = func(context.Context, decision.RouteInput) (decision.RouteDecision, error) {
		return decision.RouteDecision{AgentType: "finance-manager", Method: decision.MethodKeyword}, nil
	}
	env := newEnv(t, deps)

	env.RegisterDelayedCallback(func() {
		require.NoError(t, env.SignalWorkflowByID(DelegationWorkflowID("t1"), SignalApprovePlan, nil))
	}, time.Minute)

	env.ExecuteWorkflow(WorkflowOrchestrator, OrchestratorInput{
		Context:         deps.agentCtx,
		CustomerID:      deps.customerID,
		TaskID:          "t1",
		TaskDescription: "Reconcile the books",
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out OrchestratorResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "sales-manager", out.RoutedTo)
}

func TestDirectAssignmentEscalatesThroughSeniority(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.seedAgent(t, "ve-junior", "junior-analyst", taskstore.TierJunior)
	deps.seedAgent(t, "ve-senior", "senior-analyst", taskstore.TierSenior)
	deps.seedAgent(t, "ve-mgr", "analytics-manager", taskstore.TierManager)
	// Escalation walks the remaining agents most senior first: the manager
	// fails on attempt two, leaving the senior to finish on attempt three.
	deps.invoker = func(_ context.Context, _ tenancy.AgentContext, agentType, _ string) (gateway.Result, error) {
		if agentType == "senior-analyst" {
			return gateway.Result{Message: "handled by the senior"}, nil
		}
		return gateway.Result{}, errors.New(agentType + " is overloaded")
	}
	env := newEnv(t, deps)

	env.ExecuteWorkflow(WorkflowDirectAssignment, DirectAssignmentInput{
		Context:         deps.agentCtx,
		CustomerID:      deps.customerID,
		TaskID:          "t1",
		TaskDescription: "Build the revenue dashboard",
		VEID:            "ve-junior",
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DirectAssignmentResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusCompleted, out.Status)
	require.Equal(t, "senior-analyst", out.HandledBy)
	require.Equal(t, 3, out.Attempts)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
	require.Equal(t, "ve-senior", task.AssignedTo)

	entries, ok := task.Metadata["escalation_log"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	first, ok := entries[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ve-junior", first["ve_id"])
	second, ok := entries[1].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ve-mgr", second["ve_id"])
	require.Contains(t, deps.pub.statuses(), taskstore.StatusEscalated)
}

func TestDirectAssignmentExhaustsEscalation(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	deps.seedAgent(t, "ve-junior", "junior-analyst", taskstore.TierJunior)
	deps.seedAgent(t, "ve-senior", "senior-analyst", taskstore.TierSenior)
	deps.invoker = func(context.Context, tenancy.AgentContext, string, string) (gateway.Result, error) {
		return gateway.Result{}, errors.New("everyone is down")
	}
	env := newEnv(t, deps)

	env.ExecuteWorkflow(WorkflowDirectAssignment, DirectAssignmentInput{
		Context:         deps.agentCtx,
		CustomerID:      deps.customerID,
		TaskID:          "t1",
		TaskDescription: "Build the revenue dashboard",
		VEID:            "ve-junior",
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DirectAssignmentResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusFailed, out.Status)
	require.Equal(t, EscalationExhaustedReason, out.Reason)
	require.Equal(t, 2, out.Attempts)

	task, err := deps.store.GetTask(context.Background(), deps.customerID, "t1")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusFailed, task.Status)
	require.Equal(t, EscalationExhaustedReason, task.Metadata["failure_reason"])
}

func TestDirectAssignmentUnknownAgent(t *testing.T) {
	deps := newTestDeps(t)
	deps.seedTask(t, "t1")
	env := newEnv(t, deps)

	env.ExecuteWorkflow(WorkflowDirectAssignment, DirectAssignmentInput{
		Context:         deps.agentCtx,
		CustomerID:      deps.customerID,
		TaskID:          "t1",
		TaskDescription: "anything",
		VEID:            "ghost",
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DirectAssignmentResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, taskstore.StatusFailed, out.Status)
	require.Contains(t, out.Reason, "ghost")
}
