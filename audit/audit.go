// Package audit implements the append-only audit log. Events are written to
// MongoDB and mirrored to the structured log; a write failure is logged and
// swallowed so auditing never fails the operation being audited.
package audit

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"goa.design/clue/log"
)

const (
	defaultCollection = "audit_events"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Event is one append-only audit record. Events are never mutated.
	Event struct {
		Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
		EventType  string         `json:"event_type" bson:"event_type"`
		AgentType  string         `json:"agent_type,omitempty" bson:"agent_type,omitempty"`
		CustomerID string         `json:"customer_id,omitempty" bson:"customer_id,omitempty"`
		Success    bool           `json:"success" bson:"success"`
		Details    map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	}

	// Recorder is the write side of the audit log.
	Recorder interface {
		Record(ctx context.Context, eventType, agentType, customerID string, success bool, details map[string]any)
	}

	// Options configures the Mongo-backed log.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Log records events into MongoDB.
	Log struct {
		events  *mongodriver.Collection
		timeout time.Duration
	}
)

// New builds a Mongo-backed audit log.
func New(opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	l := &Log{
		events:  opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{Keys: bson.D{
		{Key: "customer_id", Value: 1},
		{Key: "timestamp", Value: -1},
	}}
	if _, err := l.events.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return l, nil
}

// Record appends an event. Failures are logged, never returned.
func (l *Log) Record(ctx context.Context, eventType, agentType, customerID string, success bool, details map[string]any) {
	event := Event{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		AgentType:  agentType,
		CustomerID: customerID,
		Success:    success,
		Details:    details,
	}
	log.Info(ctx, log.KV{K: "audit", V: eventType},
		log.KV{K: "agent_type", V: agentType},
		log.KV{K: "customer_id", V: customerID},
		log.KV{K: "success", V: success})
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if _, err := l.events.InsertOne(wctx, event); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "audit write failed"},
			log.KV{K: "event_type", V: eventType})
	}
}

// Memory is an in-memory Recorder used by tests and dev mode.
type Memory struct {
	Events []Event
}

// NewMemory returns an empty in-memory recorder.
func NewMemory() *Memory { return &Memory{} }

// Record appends to the in-memory event slice. Not safe for concurrent use.
func (m *Memory) Record(_ context.Context, eventType, agentType, customerID string, success bool, details map[string]any) {
	m.Events = append(m.Events, Event{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		AgentType:  agentType,
		CustomerID: customerID,
		Success:    success,
		Details:    details,
	})
}
