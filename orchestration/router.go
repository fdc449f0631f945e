package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/tenancy"
)

type (
	// RouterOptions wires the task router.
	RouterOptions struct {
		Store     taskstore.Store
		Temporal  client.Client
		TaskQueue string
	}

	// TaskRouter persists incoming tasks and drives their workflows. Starts
	// are idempotent: resubmitting a task attaches to the running execution.
	TaskRouter struct {
		store    taskstore.Store
		temporal client.Client
		queue    string
	}
)

// NewTaskRouter validates the wiring and builds a router.
func NewTaskRouter(opts RouterOptions) (*TaskRouter, error) {
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	if opts.Temporal == nil {
		return nil, errors.New("temporal client is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	return &TaskRouter{store: opts.Store, temporal: opts.Temporal, queue: opts.TaskQueue}, nil
}

// Route persists the task and starts its orchestrator workflow. A task whose
// workflow cannot start is marked failed so it never sits pending forever.
func (r *TaskRouter) Route(ctx context.Context, agentCtx tenancy.AgentContext, task taskstore.Task) error {
	if err := r.persist(ctx, &task); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:                    OrchestratorWorkflowID(task.ID),
		TaskQueue:             r.queue,
		WorkflowTaskTimeout:   10 * time.Second,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}
	_, err := r.temporal.ExecuteWorkflow(ctx, opts, WorkflowOrchestrator, OrchestratorInput{
		Context:         agentCtx,
		CustomerID:      task.CustomerID,
		TaskID:          task.ID,
		TaskDescription: task.Description,
	})
	if err != nil {
		return r.markStartFailure(ctx, task, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "task routed"}, log.KV{K: "task_id", V: task.ID},
		log.KV{K: "workflow_id", V: OrchestratorWorkflowID(task.ID)})
	return nil
}

// Assign persists the task and starts a direct assignment workflow pinned to
// one hired agent.
func (r *TaskRouter) Assign(ctx context.Context, agentCtx tenancy.AgentContext, task taskstore.Task, veID string) error {
	if err := r.persist(ctx, &task); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:                  DirectAssignmentWorkflowID(task.ID),
		TaskQueue:           r.queue,
		WorkflowTaskTimeout: 10 * time.Second,
	}
	_, err := r.temporal.ExecuteWorkflow(ctx, opts, WorkflowDirectAssignment, DirectAssignmentInput{
		Context:         agentCtx,
		CustomerID:      task.CustomerID,
		TaskID:          task.ID,
		TaskDescription: task.Description,
		VEID:            veID,
	})
	if err != nil {
		return r.markStartFailure(ctx, task, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "task assigned"}, log.KV{K: "task_id", V: task.ID},
		log.KV{K: "ve_id", V: veID})
	return nil
}

func (r *TaskRouter) persist(ctx context.Context, task *taskstore.Task) error {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = taskstore.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if err := r.store.InsertTask(ctx, *task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

func (r *TaskRouter) markStartFailure(ctx context.Context, task taskstore.Task, cause error) error {
	failed := taskstore.StatusFailed
	if uerr := r.store.UpdateTask(ctx, task.CustomerID, task.ID, taskstore.TaskUpdate{
		Status:   &failed,
		Metadata: map[string]any{"failure_reason": fmt.Sprintf("workflow start failed: %v", cause)},
	}); uerr != nil {
		log.Error(ctx, uerr, log.KV{K: "msg", V: "could not mark task failed"}, log.KV{K: "task_id", V: task.ID})
	}
	return fmt.Errorf("start workflow for task %s: %w", task.ID, cause)
}

// ApprovePlan unblocks the root delegation workflow's planning gate.
func (r *TaskRouter) ApprovePlan(ctx context.Context, taskID string) error {
	return r.signal(ctx, taskID, SignalApprovePlan, nil)
}

// ProvideFeedback answers a clarification request.
func (r *TaskRouter) ProvideFeedback(ctx context.Context, taskID, feedback string) error {
	return r.signal(ctx, taskID, SignalProvideFeedback, FeedbackSignal{Feedback: feedback})
}

// Pause suspends the delegation engine between phases.
func (r *TaskRouter) Pause(ctx context.Context, taskID string) error {
	return r.signal(ctx, taskID, SignalPauseDelegation, nil)
}

// Resume lifts a pause.
func (r *TaskRouter) Resume(ctx context.Context, taskID string) error {
	return r.signal(ctx, taskID, SignalResumeDelegation, nil)
}

// Cancel asks the delegation engine to stop at the next phase boundary.
func (r *TaskRouter) Cancel(ctx context.Context, taskID string) error {
	return r.signal(ctx, taskID, SignalCancelDelegation, nil)
}

func (r *TaskRouter) signal(ctx context.Context, taskID, name string, payload any) error {
	if err := r.temporal.SignalWorkflow(ctx, DelegationWorkflowID(taskID), "", name, payload); err != nil {
		return fmt.Errorf("signal %s on task %s: %w", name, taskID, err)
	}
	return nil
}

// DelegationState queries the root delegation workflow's live status.
func (r *TaskRouter) DelegationState(ctx context.Context, taskID string) (DelegationStatus, error) {
	var status DelegationStatus
	resp, err := r.temporal.QueryWorkflow(ctx, DelegationWorkflowID(taskID), "", QueryDelegationStatus)
	if err != nil {
		return DelegationStatus{}, fmt.Errorf("query delegation status for task %s: %w", taskID, err)
	}
	if err := resp.Get(&status); err != nil {
		return DelegationStatus{}, fmt.Errorf("decode delegation status: %w", err)
	}
	return status, nil
}

// DelegationChain queries the live delegation chain.
func (r *TaskRouter) DelegationChain(ctx context.Context, taskID string) ([]string, error) {
	var chain []string
	resp, err := r.temporal.QueryWorkflow(ctx, DelegationWorkflowID(taskID), "", QueryDelegationChain)
	if err != nil {
		return nil, fmt.Errorf("query delegation chain for task %s: %w", taskID, err)
	}
	if err := resp.Get(&chain); err != nil {
		return nil, fmt.Errorf("decode delegation chain: %w", err)
	}
	return chain, nil
}

// Terminate tears down every workflow a task may own. Missing executions are
// fine; child workflows die with their parents.
func (r *TaskRouter) Terminate(ctx context.Context, taskID, reason string) error {
	ids := []string{
		OrchestratorWorkflowID(taskID),
		DelegationWorkflowID(taskID),
		DirectAssignmentWorkflowID(taskID),
	}
	for _, id := range ids {
		err := r.temporal.TerminateWorkflow(ctx, id, "", reason)
		if err == nil {
			continue
		}
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			continue
		}
		return fmt.Errorf("terminate workflow %s: %w", id, err)
	}
	return nil
}
