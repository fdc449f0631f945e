// Package mongo hosts the MongoDB-backed task store. Every query composes
// the customer id into the filter so a record is unreachable outside its
// tenant.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/veplatform/controlplane/taskstore"
)

const (
	defaultTasksCollection    = "tasks"
	defaultPlansCollection    = "task_plans"
	defaultCommentsCollection = "task_comments"
	defaultAgentsCollection   = "hired_agents"
	defaultOpTimeout          = 5 * time.Second
	storeName                 = "taskstore-mongo"
)

// Options configures the Mongo task store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	TasksCollection    string
	PlansCollection    string
	CommentsCollection string
	AgentsCollection   string
	Timeout            time.Duration
}

// Store implements taskstore.Store on MongoDB.
type Store struct {
	mongo    *mongodriver.Client
	tasks    *mongodriver.Collection
	plans    *mongodriver.Collection
	comments *mongodriver.Collection
	agents   *mongodriver.Collection
	timeout  time.Duration
}

// New builds the store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:    opts.Client,
		tasks:    db.Collection(name(opts.TasksCollection, defaultTasksCollection)),
		plans:    db.Collection(name(opts.PlansCollection, defaultPlansCollection)),
		comments: db.Collection(name(opts.CommentsCollection, defaultCommentsCollection)),
		agents:   db.Collection(name(opts.AgentsCollection, defaultAgentsCollection)),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements the clue health pinger contract.
func (s *Store) Name() string { return storeName }

// Ping reports primary reachability.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// InsertTask stores a new task idempotently: retried inserts for the same id
// never clobber an existing record.
func (s *Store) InsertTask(ctx context.Context, task taskstore.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if task.CustomerID == "" {
		return errors.New("customer id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": task.ID, "customer_id": task.CustomerID}
	update := bson.M{"$setOnInsert": task}
	_, err := s.tasks.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task scoped to the customer.
func (s *Store) GetTask(ctx context.Context, customerID, taskID string) (taskstore.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var task taskstore.Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID, "customer_id": customerID}).Decode(&task)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return taskstore.Task{}, taskstore.ErrTaskNotFound
		}
		return taskstore.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask applies a partial update. A status change away from a terminal
// state is rejected by adding the current status set to the filter, so the
// one-way rule holds even under concurrent writers.
func (s *Store) UpdateTask(ctx context.Context, customerID, taskID string, update taskstore.TaskUpdate) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	filter := updateFilter(customerID, taskID, update)
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.Phase != nil {
		set["phase"] = *update.Phase
	}
	if update.AssignedTo != nil {
		set["assigned_to"] = *update.AssignedTo
	}
	for k, v := range update.Metadata {
		set["metadata."+k] = v
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a missing task from a blocked terminal transition.
		if _, gerr := s.GetTask(ctx, customerID, taskID); gerr != nil {
			return gerr
		}
		return taskstore.ErrTerminalTask
	}
	return nil
}

// updateFilter scopes the write to the tenant and, on status changes, to
// documents not already in a different terminal state. Re-asserting the
// current status stays idempotent; any other transition out of completed,
// failed or cancelled matches nothing and surfaces as ErrTerminalTask.
func updateFilter(customerID, taskID string, update taskstore.TaskUpdate) bson.M {
	filter := bson.M{"_id": taskID, "customer_id": customerID}
	if update.Status == nil {
		return filter
	}
	filter["$or"] = []bson.M{
		{"status": *update.Status},
		{"status": bson.M{"$nin": []string{
			taskstore.StatusCompleted, taskstore.StatusFailed, taskstore.StatusCancelled,
		}}},
	}
	return filter
}

// DeleteTask removes the task and its comment log.
func (s *Store) DeleteTask(ctx context.Context, customerID, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": taskID, "customer_id": customerID})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if res.DeletedCount == 0 {
		return taskstore.ErrTaskNotFound
	}
	if _, err := s.comments.DeleteMany(ctx, bson.M{"task_id": taskID, "customer_id": customerID}); err != nil {
		return fmt.Errorf("delete task comments: %w", err)
	}
	return nil
}

// AppendComment appends to the task output log.
func (s *Store) AppendComment(ctx context.Context, comment taskstore.Comment) error {
	if comment.ID == "" {
		return errors.New("comment id is required")
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.comments.InsertOne(ctx, comment); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

// ListComments returns the customer's comments for the task in append order.
func (s *Store) ListComments(ctx context.Context, customerID, taskID string) ([]taskstore.Comment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.comments.Find(ctx,
		bson.M{"task_id": taskID, "customer_id": customerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []taskstore.Comment
	for cur.Next(ctx) {
		var c taskstore.Comment
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

// InsertPlan stores a plan after verifying task ownership.
func (s *Store) InsertPlan(ctx context.Context, customerID string, plan taskstore.Plan) error {
	if plan.ID == "" {
		return errors.New("plan id is required")
	}
	if _, err := s.GetTask(ctx, customerID, plan.TaskID); err != nil {
		return err
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.plans.InsertOne(ctx, plan); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan when its task belongs to the customer.
func (s *Store) GetPlan(ctx context.Context, customerID, planID string) (taskstore.Plan, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var plan taskstore.Plan
	if err := s.plans.FindOne(ctx, bson.M{"_id": planID}).Decode(&plan); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return taskstore.Plan{}, taskstore.ErrPlanNotFound
		}
		return taskstore.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	if _, err := s.GetTask(ctx, customerID, plan.TaskID); err != nil {
		return taskstore.Plan{}, taskstore.ErrPlanNotFound
	}
	return plan, nil
}

// SetPlanStatus transitions the plan status.
func (s *Store) SetPlanStatus(ctx context.Context, customerID, planID, status string) error {
	if _, err := s.GetPlan(ctx, customerID, planID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.plans.UpdateOne(ctx, bson.M{"_id": planID}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("set plan status: %w", err)
	}
	return nil
}

// InsertHiredAgent stores a hired agent idempotently.
func (s *Store) InsertHiredAgent(ctx context.Context, agent taskstore.HiredAgent) error {
	if agent.ID == "" {
		return errors.New("agent id is required")
	}
	if agent.CustomerID == "" {
		return errors.New("customer id is required")
	}
	if agent.HiredAt.IsZero() {
		agent.HiredAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": agent.ID, "customer_id": agent.CustomerID}
	_, err := s.agents.UpdateOne(ctx, filter, bson.M{"$setOnInsert": agent},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert hired agent: %w", err)
	}
	return nil
}

// GetHiredAgent loads an agent scoped to the customer.
func (s *Store) GetHiredAgent(ctx context.Context, customerID, agentID string) (taskstore.HiredAgent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var agent taskstore.HiredAgent
	err := s.agents.FindOne(ctx, bson.M{"_id": agentID, "customer_id": customerID}).Decode(&agent)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return taskstore.HiredAgent{}, taskstore.ErrAgentNotFound
		}
		return taskstore.HiredAgent{}, fmt.Errorf("get hired agent: %w", err)
	}
	return agent, nil
}

// DeleteHiredAgent removes the agent.
func (s *Store) DeleteHiredAgent(ctx context.Context, customerID, agentID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.agents.DeleteOne(ctx, bson.M{"_id": agentID, "customer_id": customerID})
	if err != nil {
		return fmt.Errorf("delete hired agent: %w", err)
	}
	if res.DeletedCount == 0 {
		return taskstore.ErrAgentNotFound
	}
	return nil
}

// ListHiredAgents returns the customer's hired agents ordered by hire time.
func (s *Store) ListHiredAgents(ctx context.Context, customerID string) ([]taskstore.HiredAgent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.agents.Find(ctx, bson.M{"customer_id": customerID},
		options.Find().SetSort(bson.D{{Key: "hired_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list hired agents: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []taskstore.HiredAgent
	for cur.Next(ctx) {
		var a taskstore.HiredAgent
		if err := cur.Decode(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongodriver.Collection
		model mongodriver.IndexModel
	}{
		{s.tasks, mongodriver.IndexModel{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "status", Value: 1}}}},
		{s.comments, mongodriver.IndexModel{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "created_at", Value: 1}}}},
		{s.plans, mongodriver.IndexModel{Keys: bson.D{{Key: "task_id", Value: 1}}}},
		{s.agents, mongodriver.IndexModel{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "agent_type", Value: 1}}}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
	}
	return nil
}
