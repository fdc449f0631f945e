// Package taskstore defines the durable persistence contracts for tasks,
// plans, comments, and hired agents. Implementations live in subpackages;
// all operations are tenant-filtered on customer id.
package taskstore

import (
	"context"
	"errors"
	"time"
)

// Task statuses.
const (
	StatusPending         = "pending"
	StatusPlanning        = "planning"
	StatusWaitingForInput = "waiting_for_input"
	StatusInProgress      = "in_progress"
	StatusEscalated       = "escalated"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

// Plan statuses.
const (
	PlanDraft    = "draft"
	PlanApproved = "approved"
)

// Comment author types.
const (
	AuthorCustomer = "customer"
	AuthorVE       = "ve"
	AuthorSystem   = "system"
)

// Seniority tiers, highest first.
const (
	TierManager = "manager"
	TierSenior  = "senior"
	TierJunior  = "junior"
)

// Sentinel errors returned by all store implementations.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrPlanNotFound  = errors.New("plan not found")
	ErrAgentNotFound = errors.New("hired agent not found")
	ErrTerminalTask  = errors.New("task is in a terminal state")
)

type (
	// Task is one unit of customer work driven by an orchestrator workflow.
	Task struct {
		ID          string         `json:"id" bson:"_id"`
		CustomerID  string         `json:"customer_id" bson:"customer_id"`
		Title       string         `json:"title" bson:"title"`
		Description string         `json:"description" bson:"description"`
		AssignedTo  string         `json:"assigned_to,omitempty" bson:"assigned_to,omitempty"`
		Status      string         `json:"status" bson:"status"`
		Phase       string         `json:"phase,omitempty" bson:"phase,omitempty"`
		Priority    string         `json:"priority,omitempty" bson:"priority,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
		CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
		UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at"`
	}

	// TaskUpdate describes a partial task mutation. Nil fields are left
	// untouched; Metadata keys are merged into the existing metadata.
	TaskUpdate struct {
		Status     *string
		Phase      *string
		AssignedTo *string
		Metadata   map[string]any
	}

	// Plan is a drafted execution plan awaiting user approval.
	Plan struct {
		ID        string    `json:"id" bson:"_id"`
		TaskID    string    `json:"task_id" bson:"task_id"`
		Steps     []string  `json:"steps" bson:"steps"`
		Timeline  string    `json:"timeline,omitempty" bson:"timeline,omitempty"`
		Resources []string  `json:"resources,omitempty" bson:"resources,omitempty"`
		Status    string    `json:"status" bson:"status"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// Comment is one entry of the append-only task output log.
	Comment struct {
		ID         string    `json:"id" bson:"_id"`
		TaskID     string    `json:"task_id" bson:"task_id"`
		CustomerID string    `json:"customer_id" bson:"customer_id"`
		AuthorType string    `json:"author_type" bson:"author_type"`
		Content    string    `json:"content" bson:"content"`
		CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	}

	// HiredAgent is a tenant's handle on a marketplace agent.
	HiredAgent struct {
		ID          string    `json:"id" bson:"_id"`
		CustomerID  string    `json:"customer_id" bson:"customer_id"`
		AgentType   string    `json:"agent_type" bson:"agent_type"`
		PersonaName string    `json:"persona_name,omitempty" bson:"persona_name,omitempty"`
		Department  string    `json:"department,omitempty" bson:"department,omitempty"`
		Seniority   string    `json:"seniority,omitempty" bson:"seniority,omitempty"`
		Status      string    `json:"status" bson:"status"`
		HiredAt     time.Time `json:"hired_at" bson:"hired_at"`
	}

	// Store is the persistence contract consumed by the router, workflows,
	// and the API. Implementations must scope every read and write to the
	// customer id carried by the record or argument.
	Store interface {
		InsertTask(ctx context.Context, task Task) error
		GetTask(ctx context.Context, customerID, taskID string) (Task, error)
		UpdateTask(ctx context.Context, customerID, taskID string, update TaskUpdate) error
		DeleteTask(ctx context.Context, customerID, taskID string) error

		AppendComment(ctx context.Context, comment Comment) error
		ListComments(ctx context.Context, customerID, taskID string) ([]Comment, error)

		InsertPlan(ctx context.Context, customerID string, plan Plan) error
		GetPlan(ctx context.Context, customerID, planID string) (Plan, error)
		SetPlanStatus(ctx context.Context, customerID, planID, status string) error

		InsertHiredAgent(ctx context.Context, agent HiredAgent) error
		GetHiredAgent(ctx context.Context, customerID, agentID string) (HiredAgent, error)
		DeleteHiredAgent(ctx context.Context, customerID, agentID string) error
		ListHiredAgents(ctx context.Context, customerID string) ([]HiredAgent, error)
	}
)

// IsTerminal reports whether status is one of the one-way terminal task
// states.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SeniorityRank orders tiers for escalation chains; lower ranks escalate
// first.
func SeniorityRank(tier string) int {
	switch tier {
	case TierManager:
		return 0
	case TierSenior:
		return 1
	case TierJunior:
		return 2
	}
	return 3
}
