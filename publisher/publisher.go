// Package publisher fans task state transitions out to per-customer
// real-time channels. Publishing is best effort: failures are logged and
// swallowed so a slow or down stream never fails a workflow.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/clue/log"
)

// EventTaskUpdate names the stream event carrying task transitions.
const EventTaskUpdate = "task_update"

type (
	// Update is one task state transition.
	Update struct {
		TaskID     string         `json:"task_id"`
		CustomerID string         `json:"customer_id"`
		Status     string         `json:"status"`
		Phase      string         `json:"phase,omitempty"`
		Message    string         `json:"message,omitempty"`
		AgentType  string         `json:"agent_type,omitempty"`
		Timestamp  time.Time      `json:"timestamp"`
		Extra      map[string]any `json:"extra,omitempty"`
	}

	// Client exposes the subset of the streaming backend the publisher
	// needs.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
	}

	// Stream publishes events onto one channel.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}

	// Publisher writes task updates to customer channels.
	Publisher struct {
		client Client
	}
)

// Channel returns the stream name for a customer's task updates.
func Channel(customerID string) string {
	return fmt.Sprintf("customer:%s:tasks", customerID)
}

// New builds a publisher over the given stream client.
func New(client Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("stream client is required")
	}
	return &Publisher{client: client}, nil
}

// Publish sends the update to the customer's channel. Errors are logged and
// never returned.
func (p *Publisher) Publish(ctx context.Context, update Update) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(update)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "marshal task update"})
		return
	}
	stream, err := p.client.Stream(Channel(update.CustomerID))
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "open customer stream"},
			log.KV{K: "task_id", V: update.TaskID})
		return
	}
	if _, err := stream.Add(ctx, EventTaskUpdate, payload); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "publish task update"},
			log.KV{K: "task_id", V: update.TaskID})
	}
}
