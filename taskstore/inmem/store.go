// Package inmem provides an in-memory task store for tests and single
// process development mode. It honors the same tenant filtering and terminal
// state rules as the MongoDB implementation.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veplatform/controlplane/taskstore"
)

// Store is a mutex-guarded in-memory taskstore.Store.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]taskstore.Task
	plans    map[string]taskstore.Plan
	comments map[string][]taskstore.Comment
	agents   map[string]taskstore.HiredAgent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]taskstore.Task),
		plans:    make(map[string]taskstore.Plan),
		comments: make(map[string][]taskstore.Comment),
		agents:   make(map[string]taskstore.HiredAgent),
	}
}

// InsertTask stores a new task. Inserting an existing id is an error.
func (s *Store) InsertTask(_ context.Context, task taskstore.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask returns the task when it exists and belongs to the customer.
func (s *Store) GetTask(_ context.Context, customerID, taskID string) (taskstore.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok || task.CustomerID != customerID {
		return taskstore.Task{}, taskstore.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// UpdateTask applies a partial update. Terminal statuses are one-way; an
// attempt to move a completed, failed, or cancelled task to another status
// fails.
func (s *Store) UpdateTask(_ context.Context, customerID, taskID string, update taskstore.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.CustomerID != customerID {
		return taskstore.ErrTaskNotFound
	}
	if update.Status != nil && *update.Status != task.Status && taskstore.IsTerminal(task.Status) {
		return fmt.Errorf("%w: %s", taskstore.ErrTerminalTask, task.Status)
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Phase != nil {
		task.Phase = *update.Phase
	}
	if update.AssignedTo != nil {
		task.AssignedTo = *update.AssignedTo
	}
	if len(update.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any)
		}
		for k, v := range update.Metadata {
			task.Metadata[k] = v
		}
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}

// DeleteTask removes the task and its comments.
func (s *Store) DeleteTask(_ context.Context, customerID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.CustomerID != customerID {
		return taskstore.ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	delete(s.comments, taskID)
	return nil
}

// AppendComment appends to the task's comment log.
func (s *Store) AppendComment(_ context.Context, comment taskstore.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	s.comments[comment.TaskID] = append(s.comments[comment.TaskID], comment)
	return nil
}

// ListComments returns the customer's comments for the task in append order.
func (s *Store) ListComments(_ context.Context, customerID, taskID string) ([]taskstore.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []taskstore.Comment
	for _, c := range s.comments[taskID] {
		if c.CustomerID == customerID {
			out = append(out, c)
		}
	}
	return out, nil
}

// InsertPlan stores a plan for a task owned by the customer.
func (s *Store) InsertPlan(_ context.Context, customerID string, plan taskstore.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[plan.TaskID]
	if !ok || task.CustomerID != customerID {
		return taskstore.ErrTaskNotFound
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	s.plans[plan.ID] = plan
	return nil
}

// GetPlan returns the plan when its task belongs to the customer.
func (s *Store) GetPlan(_ context.Context, customerID, planID string) (taskstore.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return taskstore.Plan{}, taskstore.ErrPlanNotFound
	}
	task, ok := s.tasks[plan.TaskID]
	if !ok || task.CustomerID != customerID {
		return taskstore.Plan{}, taskstore.ErrPlanNotFound
	}
	return plan, nil
}

// SetPlanStatus transitions the plan status.
func (s *Store) SetPlanStatus(ctx context.Context, customerID, planID, status string) error {
	if _, err := s.GetPlan(ctx, customerID, planID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plan := s.plans[planID]
	plan.Status = status
	s.plans[planID] = plan
	return nil
}

// InsertHiredAgent stores a hired agent.
func (s *Store) InsertHiredAgent(_ context.Context, agent taskstore.HiredAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; ok {
		return fmt.Errorf("hired agent %s already exists", agent.ID)
	}
	if agent.HiredAt.IsZero() {
		agent.HiredAt = time.Now().UTC()
	}
	s.agents[agent.ID] = agent
	return nil
}

// GetHiredAgent returns the agent when it belongs to the customer.
func (s *Store) GetHiredAgent(_ context.Context, customerID, agentID string) (taskstore.HiredAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok || agent.CustomerID != customerID {
		return taskstore.HiredAgent{}, taskstore.ErrAgentNotFound
	}
	return agent, nil
}

// DeleteHiredAgent removes the agent.
func (s *Store) DeleteHiredAgent(_ context.Context, customerID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok || agent.CustomerID != customerID {
		return taskstore.ErrAgentNotFound
	}
	delete(s.agents, agentID)
	return nil
}

// ListHiredAgents returns the customer's hired agents ordered by hire time.
func (s *Store) ListHiredAgents(_ context.Context, customerID string) ([]taskstore.HiredAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []taskstore.HiredAgent
	for _, a := range s.agents {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HiredAt.Before(out[j].HiredAt) })
	return out, nil
}

func cloneTask(t taskstore.Task) taskstore.Task {
	md := make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		md[k] = v
	}
	t.Metadata = md
	return t
}
