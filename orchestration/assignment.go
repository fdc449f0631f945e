package orchestration

import (
	"fmt"
	"sort"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/tenancy"
)

// EscalationExhaustedReason is recorded on tasks no remaining agent could
// complete.
const EscalationExhaustedReason = "All escalation attempts exhausted"

type (
	// DirectAssignmentInput starts a task pinned to one hired agent.
	DirectAssignmentInput struct {
		Context         tenancy.AgentContext `json:"context"`
		CustomerID      string               `json:"customer_id"`
		TaskID          string               `json:"task_id"`
		TaskDescription string               `json:"task_description"`
		VEID            string               `json:"ve_id"`
	}

	// DirectAssignmentResult reports the assignment outcome.
	DirectAssignmentResult struct {
		Status    string `json:"status"`
		Reason    string `json:"reason,omitempty"`
		HandledBy string `json:"handled_by,omitempty"`
		Attempts  int    `json:"attempts"`
	}

	// escalationEntry is one failed attempt in the task's escalation log.
	escalationEntry struct {
		Attempt   int       `json:"attempt"`
		VEID      string    `json:"ve_id"`
		AgentType string    `json:"agent_type"`
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
	}
)

// DirectAssignmentWorkflow executes a task on the requested agent. On failure
// it escalates through the tenant's remaining agents, most senior first,
// until an attempt succeeds or the attempt budget runs out.
func (w *Workflows) DirectAssignmentWorkflow(ctx workflow.Context, in DirectAssignmentInput) (DirectAssignmentResult, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities
	statusCtx := withActivity(ctx, 30*time.Second)

	var agents []taskstore.HiredAgent
	if err := workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.ListHiredAgents,
		ListAgentsInput{CustomerID: in.CustomerID}).Get(ctx, &agents); err != nil {
		reason := fmt.Sprintf("team discovery failed: %v", err)
		w.recordAssignmentFailure(ctx, in, reason, nil)
		return DirectAssignmentResult{Status: taskstore.StatusFailed, Reason: reason}, nil
	}
	current := findAgent(agents, in.VEID)
	if current == nil {
		reason := fmt.Sprintf("hired agent %s not found", in.VEID)
		w.recordAssignmentFailure(ctx, in, reason, nil)
		return DirectAssignmentResult{Status: taskstore.StatusFailed, Reason: reason}, nil
	}

	var escalationLog []escalationEntry
	failed := map[string]bool{}

	for attempt := 1; attempt <= w.maxEscalation; attempt++ {
		status := taskstore.StatusInProgress
		message := fmt.Sprintf("Assigned to %s", current.AgentType)
		if attempt > 1 {
			status = taskstore.StatusEscalated
			message = fmt.Sprintf("Escalated to %s after %d failed attempt(s)", current.AgentType, attempt-1)
		}
		if err := workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
			CustomerID: in.CustomerID,
			TaskID:     in.TaskID,
			Status:     status,
			Phase:      "executing",
			AssignedTo: &current.ID,
		}).Get(ctx, nil); err != nil {
			reason := fmt.Sprintf("assignment persistence failed: %v", err)
			return DirectAssignmentResult{Status: taskstore.StatusFailed, Reason: reason, Attempts: attempt}, nil
		}
		_ = workflow.ExecuteActivity(statusCtx, a.PublishStatus, PublishStatusInput{
			CustomerID: in.CustomerID,
			TaskID:     in.TaskID,
			Status:     status,
			Phase:      "executing",
			Message:    message,
			AgentType:  current.AgentType,
		}).Get(ctx, nil)

		var out gatewayResult
		err := workflow.ExecuteActivity(withActivity(ctx, 10*time.Minute), a.InvokeAgent, InvokeInput{
			Context:   in.Context,
			AgentType: current.AgentType,
			Message:   in.TaskDescription,
		}).Get(ctx, &out)
		if err == nil {
			_ = workflow.ExecuteActivity(statusCtx, a.AppendComment, CommentInput{
				CustomerID: in.CustomerID,
				TaskID:     in.TaskID,
				AuthorType: taskstore.AuthorVE,
				Content:    out.Message,
			}).Get(ctx, nil)
			_ = workflow.ExecuteActivity(statusCtx, a.SetTaskStatus, SetTaskStatusInput{
				CustomerID: in.CustomerID,
				TaskID:     in.TaskID,
				Status:     taskstore.StatusCompleted,
				Phase:      "done",
				Metadata:   escalationMetadata(escalationLog),
			}).Get(ctx, nil)
			return DirectAssignmentResult{
				Status:    taskstore.StatusCompleted,
				HandledBy: current.AgentType,
				Attempts:  attempt,
			}, nil
		}

		logger.Info("assignment attempt failed", "task_id", in.TaskID,
			"ve_id", current.ID, "agent_type", current.AgentType, "attempt", attempt, "error", err)
		failed[current.ID] = true
		escalationLog = append(escalationLog, escalationEntry{
			Attempt:   attempt,
			VEID:      current.ID,
			AgentType: current.AgentType,
			Reason:    err.Error(),
			Timestamp: workflow.Now(ctx),
		})

		chain := escalationChain(agents, failed)
		if len(chain) == 0 {
			break
		}
		current = &chain[0]
	}

	w.recordAssignmentFailure(ctx, in, EscalationExhaustedReason, escalationLog)
	return DirectAssignmentResult{
		Status:   taskstore.StatusFailed,
		Reason:   EscalationExhaustedReason,
		Attempts: len(escalationLog),
	}, nil
}

func (w *Workflows) recordAssignmentFailure(ctx workflow.Context, in DirectAssignmentInput, reason string, entries []escalationEntry) {
	var a *Activities
	_ = workflow.ExecuteActivity(withActivity(ctx, 30*time.Second), a.SetTaskStatus, SetTaskStatusInput{
		CustomerID:    in.CustomerID,
		TaskID:        in.TaskID,
		Status:        taskstore.StatusFailed,
		FailureReason: reason,
		Metadata:      escalationMetadata(entries),
	}).Get(ctx, nil)
}

func escalationMetadata(entries []escalationEntry) map[string]any {
	if len(entries) == 0 {
		return nil
	}
	log := make([]map[string]any, len(entries))
	for i, e := range entries {
		log[i] = map[string]any{
			"attempt":    e.Attempt,
			"ve_id":      e.VEID,
			"agent_type": e.AgentType,
			"reason":     e.Reason,
			"timestamp":  e.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	return map[string]any{"escalation_log": log}
}

func findAgent(agents []taskstore.HiredAgent, veID string) *taskstore.HiredAgent {
	for i := range agents {
		if agents[i].ID == veID {
			return &agents[i]
		}
	}
	return nil
}

// escalationChain orders the agents that have not failed yet, most senior
// first.
func escalationChain(agents []taskstore.HiredAgent, failed map[string]bool) []taskstore.HiredAgent {
	chain := make([]taskstore.HiredAgent, 0, len(agents))
	for _, ag := range agents {
		if !failed[ag.ID] {
			chain = append(chain, ag)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return taskstore.SeniorityRank(chain[i].Seniority) < taskstore.SeniorityRank(chain[j].Seniority)
	})
	return chain
}
