package orchestration

import (
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/veplatform/controlplane/decision"
	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/tenancy"
)

// Registered workflow names. Clients start workflows by name so they do not
// need a Workflows instance.
const (
	WorkflowOrchestrator     = "OrchestratorWorkflow"
	WorkflowDelegation       = "IntelligentDelegationWorkflow"
	WorkflowDirectAssignment = "DirectAssignmentWorkflow"
)

// Signal and query names exposed by the delegation workflow.
const (
	SignalPauseDelegation  = "pause_delegation"
	SignalResumeDelegation = "resume_delegation"
	SignalCancelDelegation = "cancel_delegation"
	SignalApprovePlan      = "approve_plan"
	SignalProvideFeedback  = "provide_feedback"

	QueryDelegationStatus = "get_delegation_status"
	QueryDelegationChain  = "get_delegation_chain"
)

// Delegation outcome kinds.
const (
	OutcomeHandled   = "handled"
	OutcomeDelegated = "delegated"
	OutcomeParallel  = "parallel"
	OutcomeClarified = "clarified"
)

// DepthExceededReason is recorded on tasks that hit the recursion bound.
const DepthExceededReason = "Maximum delegation depth exceeded"

// Workflow identifiers. One task owns a fixed family of workflow ids so
// duplicate submissions attach to the running execution instead of forking.
func OrchestratorWorkflowID(taskID string) string {
	return "orchestrator-" + taskID
}

// DelegationWorkflowID names the root delegation workflow for a task.
func DelegationWorkflowID(taskID string) string {
	return "intelligent-delegation-" + taskID
}

// DirectAssignmentWorkflowID names the direct assignment workflow for a task.
func DirectAssignmentWorkflowID(taskID string) string {
	return "direct-assignment-" + taskID
}

func delegationRetryWorkflowID(taskID string, ts int64) string {
	return fmt.Sprintf("intelligent-delegation-%s-retry-%d", taskID, ts)
}

func childDelegationWorkflowID(taskID string, depth int) string {
	return fmt.Sprintf("delegation-%s-%d", taskID, depth)
}

func parallelChildWorkflowID(taskID string, depth, index int) string {
	return fmt.Sprintf("delegation-%s-%d-sub-%d", taskID, depth, index)
}

type (
	// WorkflowsOptions bounds the workflow implementations.
	WorkflowsOptions struct {
		MaxDepth              int
		MaxEscalationAttempts int
	}

	// Workflows hosts the durable workflow implementations. It carries only
	// configuration; all side effects go through activities.
	Workflows struct {
		maxDepth      int
		maxEscalation int
	}

	// OrchestratorInput starts the top-level task workflow.
	OrchestratorInput struct {
		Context         tenancy.AgentContext `json:"context"`
		CustomerID      string               `json:"customer_id"`
		TaskID          string               `json:"task_id"`
		TaskDescription string               `json:"task_description"`
	}

	// OrchestratorResult reports the final task outcome.
	OrchestratorResult struct {
		Status    string   `json:"status"`
		Reason    string   `json:"reason,omitempty"`
		RoutedTo  string   `json:"routed_to,omitempty"`
		HandledBy string   `json:"handled_by,omitempty"`
		Chain     []string `json:"delegation_chain,omitempty"`
	}

	// DelegationInput starts one level of the recursive delegation engine.
	// Chain carries the ancestry; the workflow appends its own agent first.
	DelegationInput struct {
		Context          tenancy.AgentContext `json:"context"`
		CustomerID       string               `json:"customer_id"`
		TaskID           string               `json:"task_id"`
		TaskDescription  string               `json:"task_description"`
		CurrentAgentType string               `json:"current_agent_type"`
		Depth            int                  `json:"depth"`
		Chain            []string             `json:"chain,omitempty"`
		PlanApproved     bool                 `json:"plan_approved,omitempty"`
		UserFeedback     string               `json:"user_feedback,omitempty"`
	}

	// ChildOutcome is one parallel subtask result.
	ChildOutcome struct {
		Subtask string   `json:"subtask"`
		Status  string   `json:"status"`
		Result  string   `json:"result,omitempty"`
		Reason  string   `json:"reason,omitempty"`
		Chain   []string `json:"delegation_chain,omitempty"`
	}

	// DelegationResult reports one delegation level's outcome.
	DelegationResult struct {
		Status      string         `json:"status"`
		Outcome     string         `json:"outcome,omitempty"`
		Reason      string         `json:"reason,omitempty"`
		HandledBy   string         `json:"handled_by,omitempty"`
		DelegatedBy string         `json:"delegated_by,omitempty"`
		Result      string         `json:"result,omitempty"`
		Chain       []string       `json:"delegation_chain"`
		Children    []ChildOutcome `json:"children,omitempty"`
	}

	// FeedbackSignal carries the user's clarification answer.
	FeedbackSignal struct {
		Feedback string `json:"feedback"`
	}

	// DelegationStatus answers the get_delegation_status query.
	DelegationStatus struct {
		TaskID        string    `json:"task_id"`
		CurrentAgent  string    `json:"current_agent"`
		Depth         int       `json:"depth"`
		Phase         string    `json:"phase"`
		Paused        bool      `json:"paused"`
		Cancelled     bool      `json:"cancelled"`
		PlanApproved  bool      `json:"plan_approved"`
		Chain         []string  `json:"delegation_chain"`
		StartedAt     time.Time `json:"started_at"`
		LastUpdatedAt time.Time `json:"last_updated_at"`
	}
)

// NewWorkflows builds the workflow set. Zero options take platform defaults.
func NewWorkflows(opts WorkflowsOptions) *Workflows {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}
	maxEscalation := opts.MaxEscalationAttempts
	if maxEscalation <= 0 {
		maxEscalation = 3
	}
	return &Workflows{maxDepth: maxDepth, maxEscalation: maxEscalation}
}

// delegationState is the signal-mutable workflow state. Signal goroutines
// write it; the main routine reads it through workflow.Await conditions.
type delegationState struct {
	phase        string
	paused       bool
	cancelled    bool
	planApproved bool
	feedback     string
	chain        []string
	startedAt    time.Time
	lastUpdate   time.Time
}

func shortRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumAttempts:    2,
	}
}

func withActivity(ctx workflow.Context, timeout time.Duration) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         shortRetryPolicy(),
	})
}

// OrchestratorWorkflow is the entry point for every submitted task: announce,
// pick the initial agent, then hand off to the delegation engine as a child
// workflow that dies with its parent.
func (w *Workflows) OrchestratorWorkflow(ctx workflow.Context, in OrchestratorInput) (OrchestratorResult, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)

	if err := workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "analyzing",
		Message:    "Starting task analysis",
	}).Get(ctx, nil); err != nil {
		return w.failTask(ctx, in.CustomerID, in.TaskID, fmt.Sprintf("task bootstrap failed: %v", err))
	}

	var agents []taskstore.HiredAgent
	if err := workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.ListHiredAgents,
		ListAgentsInput{CustomerID: in.CustomerID}).Get(ctx, &agents); err != nil {
		return w.failTask(ctx, in.CustomerID, in.TaskID, fmt.Sprintf("team discovery failed: %v", err))
	}
	if len(agents) == 0 {
		return w.failTask(ctx, in.CustomerID, in.TaskID, "No VEs hired; hire an agent before submitting tasks")
	}

	available := make([]string, 0, len(agents))
	seen := make(map[string]bool, len(agents))
	for _, ag := range agents {
		if !seen[ag.AgentType] {
			seen[ag.AgentType] = true
			available = append(available, ag.AgentType)
		}
	}

	var route decision.RouteDecision
	if err := workflow.ExecuteActivity(withActivity(ctx, 2*time.Minute), a.AnalyzeRouting, RoutingInput{
		Context:         in.Context,
		TaskDescription: in.TaskDescription,
		Available:       available,
	}).Get(ctx, &route); err != nil {
		return w.failTask(ctx, in.CustomerID, in.TaskID, fmt.Sprintf("routing failed: %v", err))
	}
	assigned := pickAssignee(agents, route.AgentType)
	logger.Info("task routed", "task_id", in.TaskID, "agent_type", assigned.AgentType, "method", route.Method)

	if err := workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "routing",
		AssignedTo: &assigned.ID,
	}).Get(ctx, nil); err != nil {
		return w.failTask(ctx, in.CustomerID, in.TaskID, fmt.Sprintf("assignment failed: %v", err))
	}
	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "routing",
		Message:    fmt.Sprintf("Task routed to %s", assigned.AgentType),
		AgentType:  assigned.AgentType,
	}).Get(ctx, nil)

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        DelegationWorkflowID(in.TaskID),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
	})
	var out DelegationResult
	if err := workflow.ExecuteChildWorkflow(childCtx, WorkflowDelegation, DelegationInput{
		Context:          in.Context,
		CustomerID:       in.CustomerID,
		TaskID:           in.TaskID,
		TaskDescription:  in.TaskDescription,
		CurrentAgentType: assigned.AgentType,
		Depth:            0,
	}).Get(ctx, &out); err != nil {
		return w.failTask(ctx, in.CustomerID, in.TaskID, fmt.Sprintf("delegation failed: %v", err))
	}

	return OrchestratorResult{
		Status:    out.Status,
		Reason:    out.Reason,
		RoutedTo:  assigned.AgentType,
		HandledBy: out.HandledBy,
		Chain:     out.Chain,
	}, nil
}

func (w *Workflows) failTask(ctx workflow.Context, customerID, taskID, reason string) (OrchestratorResult, error) {
	var a *Activities
	_ = workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.SetTaskStatus, SetTaskStatusInput{
		CustomerID:    customerID,
		TaskID:        taskID,
		Status:        taskstore.StatusFailed,
		FailureReason: reason,
	}).Get(ctx, nil)
	return OrchestratorResult{Status: taskstore.StatusFailed, Reason: reason}, nil
}

// pickAssignee maps the routed agent type back to a hired agent. When the
// routed type is not hired the tenant's first manager, then the first hired
// agent, stands in.
func pickAssignee(agents []taskstore.HiredAgent, agentType string) taskstore.HiredAgent {
	for _, ag := range agents {
		if ag.AgentType == agentType {
			return ag
		}
	}
	for _, ag := range agents {
		if ag.Seniority == taskstore.TierManager {
			return ag
		}
	}
	return agents[0]
}

// IntelligentDelegationWorkflow runs one level of the recursive delegation
// engine: guard depth, draft the root plan and wait for approval, decide, and
// dispatch. Children are child workflows terminated with their parent.
func (w *Workflows) IntelligentDelegationWorkflow(ctx workflow.Context, in DelegationInput) (DelegationResult, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	st := &delegationState{
		phase:        "starting",
		planApproved: in.PlanApproved || in.Depth > 0,
		chain:        append(append([]string{}, in.Chain...), in.CurrentAgentType),
		startedAt:    workflow.Now(ctx),
		lastUpdate:   workflow.Now(ctx),
	}
	if err := w.registerHandlers(ctx, in, st); err != nil {
		return DelegationResult{}, err
	}
	statusCtx := withActivity(ctx, 30*time.Second)

	if in.Depth > w.maxDepth {
		logger.Info("delegation depth exceeded", "task_id", in.TaskID, "depth", in.Depth)
		_ = workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
			CustomerID:    in.CustomerID,
			TaskID:        in.TaskID,
			Status:        taskstore.StatusFailed,
			FailureReason: DepthExceededReason,
		}).Get(ctx, nil)
		return DelegationResult{Status: taskstore.StatusFailed, Reason: DepthExceededReason, Chain: st.chain}, nil
	}
	if st.cancelled {
		return w.cancelResult(ctx, in, st), nil
	}

	if in.Depth == 0 && !st.planApproved {
		res, done := w.planPhase(ctx, in, st)
		if done {
			return res, nil
		}
	}

	if stop := w.awaitResume(ctx, in, st); stop {
		return w.cancelResult(ctx, in, st), nil
	}

	st.phase = "deciding"
	st.lastUpdate = workflow.Now(ctx)
	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "deciding",
		Message:    fmt.Sprintf("%s is analyzing the task", in.CurrentAgentType),
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)

	var dec decision.Decision
	if err := workflow.ExecuteActivity(withActivity(ctx, 2*time.Minute), a.DecideDelegation, DecideActivityInput{
		Context:          in.Context,
		CustomerID:       in.CustomerID,
		TaskDescription:  in.TaskDescription,
		CurrentAgentType: in.CurrentAgentType,
		UserFeedback:     in.UserFeedback,
	}).Get(ctx, &dec); err != nil {
		logger.Error("decision failed, handling locally", "task_id", in.TaskID, "error", err)
		dec = decision.Fallback()
	}
	logger.Info("delegation decision", "task_id", in.TaskID, "agent_type", in.CurrentAgentType,
		"action", dec.Action, "confidence", dec.Confidence, "method", dec.Method)

	if st.cancelled {
		return w.cancelResult(ctx, in, st), nil
	}
	if stop := w.awaitResume(ctx, in, st); stop {
		return w.cancelResult(ctx, in, st), nil
	}

	var res DelegationResult
	finalize := true
	switch dec.Action {
	case decision.ActionDelegate:
		res = w.delegate(ctx, in, st, dec)
	case decision.ActionParallel:
		res = w.fanOut(ctx, in, st, dec)
	case decision.ActionAskClarification:
		res, finalize = w.clarify(ctx, in, st, dec)
	default:
		res = w.handleLocally(ctx, in, st)
	}

	if in.Depth == 0 && finalize {
		w.finalize(ctx, in, res)
	}
	return res, nil
}

func (w *Workflows) registerHandlers(ctx workflow.Context, in DelegationInput, st *delegationState) error {
	if err := workflow.SetQueryHandler(ctx, QueryDelegationStatus, func() (DelegationStatus, error) {
		return DelegationStatus{
			TaskID:        in.TaskID,
			CurrentAgent:  in.CurrentAgentType,
			Depth:         in.Depth,
			Phase:         st.phase,
			Paused:        st.paused,
			Cancelled:     st.cancelled,
			PlanApproved:  st.planApproved,
			Chain:         st.chain,
			StartedAt:     st.startedAt,
			LastUpdatedAt: st.lastUpdate,
		}, nil
	}); err != nil {
		return fmt.Errorf("register status query: %w", err)
	}
	if err := workflow.SetQueryHandler(ctx, QueryDelegationChain, func() ([]string, error) {
		return st.chain, nil
	}); err != nil {
		return fmt.Errorf("register chain query: %w", err)
	}

	drain := func(name string, apply func()) {
		workflow.Go(ctx, func(gctx workflow.Context) {
			ch := workflow.GetSignalChannel(gctx, name)
			for {
				ch.Receive(gctx, nil)
				apply()
				st.lastUpdate = workflow.Now(gctx)
			}
		})
	}
	drain(SignalPauseDelegation, func() { st.paused = true })
	drain(SignalResumeDelegation, func() { st.paused = false })
	drain(SignalCancelDelegation, func() { st.cancelled = true })
	drain(SignalApprovePlan, func() { st.planApproved = true })
	workflow.Go(ctx, func(gctx workflow.Context) {
		ch := workflow.GetSignalChannel(gctx, SignalProvideFeedback)
		for {
			var sig FeedbackSignal
			ch.Receive(gctx, &sig)
			st.feedback = sig.Feedback
			st.lastUpdate = workflow.Now(gctx)
		}
	})
	return nil
}

// awaitResume blocks while paused. It reports true when the workflow was
// cancelled while waiting.
func (w *Workflows) awaitResume(ctx workflow.Context, in DelegationInput, st *delegationState) bool {
	if !st.paused {
		return st.cancelled
	}
	var a *Activities
	_ = workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "paused",
		Message:    "Delegation paused",
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)
	_ = workflow.Await(ctx, func() bool { return !st.paused || st.cancelled })
	return st.cancelled
}

// planPhase drafts the execution plan and parks the workflow until the user
// approves it. done is true when the workflow must return res immediately.
func (w *Workflows) planPhase(ctx workflow.Context, in DelegationInput, st *delegationState) (res DelegationResult, done bool) {
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)
	st.phase = "planning"
	st.lastUpdate = workflow.Now(ctx)

	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusPlanning,
		Phase:      "planning",
		Message:    "Drafting execution plan",
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)

	var plan PlanActivityResult
	if err := workflow.ExecuteActivity(withActivity(ctx, 3*time.Minute), a.CreateTaskPlan, PlanActivityInput{
		Context:         in.Context,
		CustomerID:      in.CustomerID,
		TaskID:          in.TaskID,
		TaskDescription: in.TaskDescription,
		AgentType:       in.CurrentAgentType,
	}).Get(ctx, &plan); err != nil {
		reason := fmt.Sprintf("plan creation failed: %v", err)
		_ = workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
			CustomerID:    in.CustomerID,
			TaskID:        in.TaskID,
			Status:        taskstore.StatusFailed,
			FailureReason: reason,
		}).Get(ctx, nil)
		return DelegationResult{Status: taskstore.StatusFailed, Reason: reason, Chain: st.chain}, true
	}

	st.phase = "awaiting_approval"
	st.lastUpdate = workflow.Now(ctx)
	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusWaitingForInput,
		Phase:      "awaiting_approval",
		Message:    fmt.Sprintf("Plan %s is ready for review", plan.PlanID),
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)

	_ = workflow.Await(ctx, func() bool { return st.planApproved || st.cancelled })
	if st.cancelled {
		return w.cancelResult(ctx, in, st), true
	}

	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "executing",
		Message:    "Plan approved, starting execution",
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)
	return DelegationResult{}, false
}

// handleLocally invokes the current agent with the task itself.
func (w *Workflows) handleLocally(ctx workflow.Context, in DelegationInput, st *delegationState) DelegationResult {
	var a *Activities
	st.phase = "executing"
	st.lastUpdate = workflow.Now(ctx)

	message := in.TaskDescription
	if in.UserFeedback != "" {
		message += "\n\nUser clarification: " + in.UserFeedback
	}
	var out gatewayResult
	err := workflow.ExecuteActivity(withActivity(ctx, 10*time.Minute), a.InvokeAgent, InvokeInput{
		Context:   in.Context,
		AgentType: in.CurrentAgentType,
		Message:   message,
	}).Get(ctx, &out)
	if err != nil {
		reason := fmt.Sprintf("agent %s failed: %v", in.CurrentAgentType, err)
		return DelegationResult{
			Status:    taskstore.StatusFailed,
			Outcome:   OutcomeHandled,
			Reason:    reason,
			HandledBy: in.CurrentAgentType,
			Chain:     st.chain,
		}
	}
	_ = workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.AppendComment, CommentInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		AuthorType: taskstore.AuthorVE,
		Content:    out.Message,
	}).Get(ctx, nil)
	return DelegationResult{
		Status:    taskstore.StatusCompleted,
		Outcome:   OutcomeHandled,
		HandledBy: in.CurrentAgentType,
		Result:    out.Message,
		Chain:     st.chain,
	}
}

// gatewayResult mirrors gateway.Result for activity decoding without binding
// workflow code to the gateway package surface.
type gatewayResult struct {
	Message string `json:"message"`
	Blocked bool   `json:"blocked,omitempty"`
}

// delegate hands the task to one teammate as a child workflow one level
// deeper. Breaker rejections downgrade to local handling.
func (w *Workflows) delegate(ctx workflow.Context, in DelegationInput, st *delegationState, dec decision.Decision) DelegationResult {
	logger := workflow.GetLogger(ctx)
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)

	if err := workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.CheckCircuitBreaker, BreakerInput{
		CustomerID: in.CustomerID,
		AgentType:  dec.DelegatedTo,
		Depth:      in.Depth + 1,
	}).Get(ctx, nil); err != nil {
		logger.Info("delegation rejected by circuit breaker, handling locally",
			"task_id", in.TaskID, "target", dec.DelegatedTo, "error", err)
		return w.handleLocally(ctx, in, st)
	}

	st.phase = "delegating"
	st.lastUpdate = workflow.Now(ctx)
	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "delegating",
		Message:    fmt.Sprintf("%s delegated to %s: %s", in.CurrentAgentType, dec.DelegatedTo, dec.Reason),
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        childDelegationWorkflowID(in.TaskID, in.Depth+1),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
	})
	var out DelegationResult
	if err := workflow.ExecuteChildWorkflow(childCtx, WorkflowDelegation, DelegationInput{
		Context:          in.Context,
		CustomerID:       in.CustomerID,
		TaskID:           in.TaskID,
		TaskDescription:  in.TaskDescription,
		CurrentAgentType: dec.DelegatedTo,
		Depth:            in.Depth + 1,
		Chain:            st.chain,
		PlanApproved:     true,
	}).Get(ctx, &out); err != nil {
		reason := fmt.Sprintf("delegation to %s failed: %v", dec.DelegatedTo, err)
		return DelegationResult{
			Status:      taskstore.StatusFailed,
			Outcome:     OutcomeDelegated,
			Reason:      reason,
			DelegatedBy: in.CurrentAgentType,
			Chain:       st.chain,
		}
	}
	st.chain = out.Chain
	out.Outcome = OutcomeDelegated
	out.DelegatedBy = in.CurrentAgentType
	return out
}

// fanOut spawns one child delegation per subtask at the same agent, one
// level deeper, and aggregates their outcomes. The level fails only when
// every subtask fails.
func (w *Workflows) fanOut(ctx workflow.Context, in DelegationInput, st *delegationState, dec decision.Decision) DelegationResult {
	logger := workflow.GetLogger(ctx)
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)

	st.phase = "parallel"
	st.lastUpdate = workflow.Now(ctx)
	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusInProgress,
		Phase:      "parallel",
		Message:    fmt.Sprintf("%s split the task into %d subtasks", in.CurrentAgentType, len(dec.Subtasks)),
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)

	type spawned struct {
		subtask string
		future  workflow.ChildWorkflowFuture
	}
	children := make([]ChildOutcome, 0, len(dec.Subtasks))
	futures := make([]spawned, 0, len(dec.Subtasks))
	for i, subtask := range dec.Subtasks {
		if err := workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.CheckCircuitBreaker, BreakerInput{
			CustomerID: in.CustomerID,
			AgentType:  in.CurrentAgentType,
			Depth:      in.Depth + 1,
		}).Get(ctx, nil); err != nil {
			logger.Info("parallel subtask rejected by circuit breaker", "task_id", in.TaskID, "subtask", subtask, "error", err)
			children = append(children, ChildOutcome{
				Subtask: subtask,
				Status:  taskstore.StatusFailed,
				Reason:  err.Error(),
			})
			continue
		}
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        parallelChildWorkflowID(in.TaskID, in.Depth+1, i),
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
		})
		futures = append(futures, spawned{
			subtask: subtask,
			future: workflow.ExecuteChildWorkflow(childCtx, WorkflowDelegation, DelegationInput{
				Context:          in.Context,
				CustomerID:       in.CustomerID,
				TaskID:           in.TaskID,
				TaskDescription:  subtask,
				CurrentAgentType: in.CurrentAgentType,
				Depth:            in.Depth + 1,
				Chain:            st.chain,
				PlanApproved:     true,
			}),
		})
	}

	failed := 0
	for _, c := range children {
		if c.Status == taskstore.StatusFailed {
			failed++
		}
	}
	for _, sp := range futures {
		var out DelegationResult
		if err := sp.future.Get(ctx, &out); err != nil {
			failed++
			children = append(children, ChildOutcome{
				Subtask: sp.subtask,
				Status:  taskstore.StatusFailed,
				Reason:  err.Error(),
			})
			continue
		}
		if out.Status == taskstore.StatusFailed {
			failed++
		}
		children = append(children, ChildOutcome{
			Subtask: sp.subtask,
			Status:  out.Status,
			Result:  out.Result,
			Reason:  out.Reason,
			Chain:   out.Chain,
		})
	}

	if failed == len(dec.Subtasks) {
		return DelegationResult{
			Status:      taskstore.StatusFailed,
			Outcome:     OutcomeParallel,
			Reason:      "All parallel subtasks failed",
			DelegatedBy: in.CurrentAgentType,
			Chain:       st.chain,
			Children:    children,
		}
	}
	return DelegationResult{
		Status:      taskstore.StatusCompleted,
		Outcome:     OutcomeParallel,
		DelegatedBy: in.CurrentAgentType,
		Result:      fmt.Sprintf("%d of %d subtasks completed", len(dec.Subtasks)-failed, len(dec.Subtasks)),
		Chain:       st.chain,
		Children:    children,
	}
}

// clarify parks the task until the user answers, then re-runs the same
// delegation level with the answer folded into the context. The retry child
// owns the terminal status, so finalize is false.
func (w *Workflows) clarify(ctx workflow.Context, in DelegationInput, st *delegationState, dec decision.Decision) (DelegationResult, bool) {
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)

	st.phase = "awaiting_input"
	st.feedback = ""
	st.lastUpdate = workflow.Now(ctx)
	_ = workflow.ExecuteActivity(statusCtx, a.AppendComment, CommentInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		AuthorType: taskstore.AuthorVE,
		Content:    dec.Reason,
	}).Get(ctx, nil)
	_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
		CustomerID: in.CustomerID,
		TaskID:     in.TaskID,
		Status:     taskstore.StatusWaitingForInput,
		Phase:      "awaiting_input",
		Message:    dec.Reason,
		AgentType:  in.CurrentAgentType,
	}).Get(ctx, nil)

	_ = workflow.Await(ctx, func() bool { return st.feedback != "" || st.cancelled })
	if st.cancelled {
		return w.cancelResult(ctx, in, st), true
	}

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        delegationRetryWorkflowID(in.TaskID, workflow.Now(ctx).Unix()),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
	})
	var out DelegationResult
	if err := workflow.ExecuteChildWorkflow(childCtx, WorkflowDelegation, DelegationInput{
		Context:          in.Context,
		CustomerID:       in.CustomerID,
		TaskID:           in.TaskID,
		TaskDescription:  in.TaskDescription,
		CurrentAgentType: in.CurrentAgentType,
		Depth:            in.Depth,
		Chain:            in.Chain,
		PlanApproved:     true,
		UserFeedback:     st.feedback,
	}).Get(ctx, &out); err != nil {
		reason := fmt.Sprintf("clarification retry failed: %v", err)
		return DelegationResult{Status: taskstore.StatusFailed, Outcome: OutcomeClarified, Reason: reason, Chain: st.chain}, true
	}
	out.Outcome = OutcomeClarified
	return out, false
}

func (w *Workflows) cancelResult(ctx workflow.Context, in DelegationInput, st *delegationState) DelegationResult {
	var a *Activities
	_ = workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.SetTaskStatus, SetTaskStatusInput{
		CustomerID:    in.CustomerID,
		TaskID:        in.TaskID,
		Status:        taskstore.StatusCancelled,
		FailureReason: "Delegation cancelled by user",
	}).Get(ctx, nil)
	return DelegationResult{
		Status: taskstore.StatusCancelled,
		Reason: "Delegation cancelled by user",
		Chain:  st.chain,
	}
}

// finalize records the terminal status at the root level.
func (w *Workflows) finalize(ctx workflow.Context, in DelegationInput, res DelegationResult) {
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)
	switch res.Status {
	case taskstore.StatusCompleted:
		_ = workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
			CustomerID: in.CustomerID,
			TaskID:     in.TaskID,
			Status:     taskstore.StatusCompleted,
			Phase:      "done",
		}).Get(ctx, nil)
	case taskstore.StatusFailed:
		_ = workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
			CustomerID:    in.CustomerID,
			TaskID:        in.TaskID,
			Status:        taskstore.StatusFailed,
			FailureReason: res.Reason,
		}).Get(ctx, nil)
	}
}
