// Package orchestration hosts the durable workflows and their activities:
// task orchestration, intelligent delegation, direct assignment with
// escalation, and the process-local delegation circuit breaker.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/veplatform/controlplane/decision"
	"github.com/veplatform/controlplane/gateway"
	"github.com/veplatform/controlplane/publisher"
	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/team"
	"github.com/veplatform/controlplane/tenancy"
)

type (
	// Invoker is the slice of the gateway client the activities need.
	Invoker interface {
		Invoke(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (gateway.Result, error)
	}

	// Publisher fans task updates out to customer channels.
	Publisher interface {
		Publish(ctx context.Context, update publisher.Update)
	}

	// PeerLister resolves delegation-allowed teammates.
	PeerLister interface {
		Peers(ctx context.Context, customerID, currentAgentType string) ([]team.Peer, error)
	}

	// ActivitiesOptions wires the activity implementations.
	ActivitiesOptions struct {
		Store     taskstore.Store
		Publisher Publisher
		Invoker   Invoker
		Team      PeerLister
		Decider   decision.Decider
		Router    decision.Router
		Planner   decision.Planner
		Breaker   *CircuitBreaker
		// Bootstrap is the agent type used when routing finds no match.
		Bootstrap string
	}

	// Activities holds the process-lifecycle resources used by workflow
	// activities. Workflows never touch these directly.
	Activities struct {
		store     taskstore.Store
		publisher Publisher
		invoker   Invoker
		team      PeerLister
		decider   decision.Decider
		router    decision.Router
		planner   decision.Planner
		breaker   *CircuitBreaker
		bootstrap string
	}
)

// NewActivities validates the wiring and returns the activity set.
func NewActivities(opts ActivitiesOptions) (*Activities, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("task store is required")
	case opts.Publisher == nil:
		return nil, errors.New("publisher is required")
	case opts.Invoker == nil:
		return nil, errors.New("gateway invoker is required")
	case opts.Team == nil:
		return nil, errors.New("team service is required")
	case opts.Decider == nil:
		return nil, errors.New("decider is required")
	case opts.Router == nil:
		return nil, errors.New("router is required")
	case opts.Planner == nil:
		return nil, errors.New("planner is required")
	case opts.Breaker == nil:
		return nil, errors.New("circuit breaker is required")
	}
	return &Activities{
		store:     opts.Store,
		publisher: opts.Publisher,
		invoker:   opts.Invoker,
		team:      opts.Team,
		decider:   opts.Decider,
		router:    opts.Router,
		planner:   opts.Planner,
		breaker:   opts.Breaker,
		bootstrap: opts.Bootstrap,
	}, nil
}

// PublishStatusInput carries one task status transition.
type PublishStatusInput struct {
	CustomerID string `json:"customer_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
	Message    string `json:"message,omitempty"`
	AgentType  string `json:"agent_type,omitempty"`
}

// PublishStatus persists the transition and fans it out. The fan-out is best
// effort; the persistence is not.
func (a *Activities) PublishStatus(ctx context.Context, in PublishStatusInput) error {
	update := taskstore.TaskUpdate{}
	if in.Status != "" {
		update.Status = &in.Status
	}
	if in.Phase != "" {
		update.Phase = &in.Phase
	}
	if in.Message != "" {
		update.Metadata = map[string]any{"last_progress_message": in.Message}
	}
	if err := a.store.UpdateTask(ctx, in.CustomerID, in.TaskID, update); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	a.publisher.Publish(ctx, publisher.Update{
		TaskID:     in.TaskID,
		CustomerID: in.CustomerID,
		Status:     in.Status,
		Phase:      in.Phase,
		Message:    in.Message,
		AgentType:  in.AgentType,
	})
	return nil
}

// SetTaskStatusInput carries a terminal or assignment mutation.
type SetTaskStatusInput struct {
	CustomerID    string         `json:"customer_id"`
	TaskID        string         `json:"task_id"`
	Status        string         `json:"status,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	AssignedTo    *string        `json:"assigned_to,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SetTaskStatus applies a task mutation and publishes the transition.
func (a *Activities) SetTaskStatus(ctx context.Context, in SetTaskStatusInput) error {
	update := taskstore.TaskUpdate{AssignedTo: in.AssignedTo, Metadata: in.Metadata}
	if in.Status != "" {
		update.Status = &in.Status
	}
	if in.Phase != "" {
		update.Phase = &in.Phase
	}
	if in.FailureReason != "" {
		if update.Metadata == nil {
			update.Metadata = make(map[string]any)
		}
		update.Metadata["failure_reason"] = in.FailureReason
	}
	if err := a.store.UpdateTask(ctx, in.CustomerID, in.TaskID, update); err != nil {
		// Nested workflows may race to record the same terminal outcome. The
		// first write wins; later ones are no-ops.
		if errors.Is(err, taskstore.ErrTerminalTask) {
			log.Info(ctx, log.KV{K: "msg", V: "task already terminal, skipping status write"},
				log.KV{K: "task_id", V: in.TaskID}, log.KV{K: "status", V: in.Status})
			return nil
		}
		return fmt.Errorf("set task status: %w", err)
	}
	a.publisher.Publish(ctx, publisher.Update{
		TaskID:     in.TaskID,
		CustomerID: in.CustomerID,
		Status:     in.Status,
		Phase:      in.Phase,
		Message:    in.FailureReason,
	})
	return nil
}

// ListAgentsInput scopes the hired agent listing.
type ListAgentsInput struct {
	CustomerID string `json:"customer_id"`
}

// ListHiredAgents returns the tenant's hired agents.
func (a *Activities) ListHiredAgents(ctx context.Context, in ListAgentsInput) ([]taskstore.HiredAgent, error) {
	return a.store.ListHiredAgents(ctx, in.CustomerID)
}

// RoutingInput carries the initial routing request.
type RoutingInput struct {
	Context         tenancy.AgentContext `json:"context"`
	TaskDescription string               `json:"task_description"`
	Available       []string             `json:"available"`
}

// AnalyzeRouting picks the initial agent. It never fails outright.
func (a *Activities) AnalyzeRouting(ctx context.Context, in RoutingInput) (decision.RouteDecision, error) {
	out, err := a.router.AnalyzeRouting(ctx, decision.RouteInput{
		Context:         in.Context,
		TaskDescription: in.TaskDescription,
		Available:       in.Available,
		Bootstrap:       a.bootstrap,
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "routing failed, using heuristic"})
		return decision.KeywordRoute(decision.RouteInput{
			TaskDescription: in.TaskDescription,
			Available:       in.Available,
			Bootstrap:       a.bootstrap,
		}), nil
	}
	return out, nil
}

// PlanActivityInput carries the planning request.
type PlanActivityInput struct {
	Context         tenancy.AgentContext `json:"context"`
	CustomerID      string               `json:"customer_id"`
	TaskID          string               `json:"task_id"`
	TaskDescription string               `json:"task_description"`
	AgentType       string               `json:"agent_type"`
}

// PlanActivityResult names the drafted plan.
type PlanActivityResult struct {
	PlanID string   `json:"plan_id"`
	Steps  []string `json:"steps"`
}

// CreateTaskPlan drafts a plan, persists it, and records the draft summary
// as a system comment.
func (a *Activities) CreateTaskPlan(ctx context.Context, in PlanActivityInput) (PlanActivityResult, error) {
	draft, err := a.planner.CreatePlan(ctx, decision.PlanInput{
		Context:         in.Context,
		TaskID:          in.TaskID,
		TaskDescription: in.TaskDescription,
		AgentType:       in.AgentType,
	})
	if err != nil {
		return PlanActivityResult{}, err
	}
	plan := taskstore.Plan{
		ID:        uuid.NewString(),
		TaskID:    in.TaskID,
		Steps:     draft.Steps,
		Timeline:  draft.Timeline,
		Resources: draft.Resources,
		Status:    taskstore.PlanDraft,
	}
	if err := a.store.InsertPlan(ctx, in.CustomerID, plan); err != nil {
		return PlanActivityResult{}, fmt.Errorf("persist plan: %w", err)
	}
	if err := a.store.UpdateTask(ctx, in.CustomerID, in.TaskID, taskstore.TaskUpdate{
		Metadata: map[string]any{"latest_plan_id": plan.ID},
	}); err != nil {
		return PlanActivityResult{}, fmt.Errorf("record plan id: %w", err)
	}
	summary := fmt.Sprintf("Plan drafted with %d steps.", len(plan.Steps))
	if err := a.appendComment(ctx, in.CustomerID, in.TaskID, taskstore.AuthorSystem, summary); err != nil {
		return PlanActivityResult{}, err
	}
	return PlanActivityResult{PlanID: plan.ID, Steps: plan.Steps}, nil
}

// DecideActivityInput carries one delegation decision request.
type DecideActivityInput struct {
	Context          tenancy.AgentContext `json:"context"`
	CustomerID       string               `json:"customer_id"`
	TaskDescription  string               `json:"task_description"`
	CurrentAgentType string               `json:"current_agent_type"`
	UserFeedback     string               `json:"user_feedback,omitempty"`
}

// DecideDelegation resolves the peer set and runs the decision.
func (a *Activities) DecideDelegation(ctx context.Context, in DecideActivityInput) (decision.Decision, error) {
	peers, err := a.team.Peers(ctx, in.CustomerID, in.CurrentAgentType)
	if err != nil {
		log.Info(ctx, log.KV{K: "msg", V: "peer discovery failed, deciding without teammates"},
			log.KV{K: "agent_type", V: in.CurrentAgentType})
		peers = nil
	}
	return a.decider.Decide(ctx, decision.DecideInput{
		Context:          in.Context,
		CurrentAgentType: in.CurrentAgentType,
		TaskDescription:  in.TaskDescription,
		Peers:            peers,
		UserFeedback:     in.UserFeedback,
	})
}

// InvokeInput carries one agent invocation.
type InvokeInput struct {
	Context   tenancy.AgentContext `json:"context"`
	AgentType string               `json:"agent_type"`
	Message   string               `json:"message"`
}

// InvokeAgent calls the agent through the gateway.
func (a *Activities) InvokeAgent(ctx context.Context, in InvokeInput) (gateway.Result, error) {
	return a.invoker.Invoke(ctx, in.Context, in.AgentType, in.Message)
}

// CommentInput carries one comment append.
type CommentInput struct {
	CustomerID string `json:"customer_id"`
	TaskID     string `json:"task_id"`
	AuthorType string `json:"author_type"`
	Content    string `json:"content"`
}

// AppendComment records an output on the task log.
func (a *Activities) AppendComment(ctx context.Context, in CommentInput) error {
	return a.appendComment(ctx, in.CustomerID, in.TaskID, in.AuthorType, in.Content)
}

func (a *Activities) appendComment(ctx context.Context, customerID, taskID, author, content string) error {
	err := a.store.AppendComment(ctx, taskstore.Comment{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		CustomerID: customerID,
		AuthorType: author,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

// BreakerInput carries one pre-spawn admission check.
type BreakerInput struct {
	CustomerID string `json:"customer_id"`
	AgentType  string `json:"agent_type"`
	Depth      int    `json:"depth"`
}

// CheckCircuitBreaker admits one delegation spawn. The returned error names
// the breached limit.
func (a *Activities) CheckCircuitBreaker(_ context.Context, in BreakerInput) error {
	return a.breaker.Allow(in.CustomerID, in.AgentType, in.Depth)
}
