// Package gateway implements the agent invocation client. It speaks
// JSON-RPC 2.0 over POST to the shared agent gateway, reads the SSE response
// stream, and enforces tenancy on the way in (header injection) and on the
// way out (leakage scanning).
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"goa.design/clue/log"

	"github.com/veplatform/controlplane/tenancy"
)

// Stream event types.
const (
	EventMessage  = "message"
	EventArtifact = "artifact"
	EventError    = "error"
)

type (
	// Event is one element of the invocation stream.
	Event struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}

	// Result is the non-streaming invocation outcome.
	Result struct {
		Message string `json:"message"`
		Blocked bool   `json:"blocked,omitempty"`
	}

	// TeamContextFunc renders the team-context prelude injected before the
	// user message. Optional; an empty return injects nothing.
	TeamContextFunc func(ctx context.Context, customerID, agentType string) (string, error)

	// Options configures the client.
	Options struct {
		// BaseURL is the agent gateway endpoint. Required.
		BaseURL string
		// HTTPClient overrides the default client. Optional.
		HTTPClient *http.Client
		// Timeout bounds one invocation end to end. Defaults to 60s.
		Timeout time.Duration
		// Detector scans outgoing text. Required.
		Detector *tenancy.LeakageDetector
		// TeamContext renders the delegation peer prelude. Optional.
		TeamContext TeamContextFunc
		// RatePerSecond caps outbound invocations. Zero disables the cap.
		RatePerSecond float64
	}

	// Client invokes agents through the shared gateway.
	Client struct {
		baseURL     string
		http        *http.Client
		timeout     time.Duration
		detector    *tenancy.LeakageDetector
		teamContext TeamContextFunc
		breaker     *gobreaker.CircuitBreaker
		limiter     *rate.Limiter
		meter       metric.Meter
		tracer      trace.Tracer
	}
)

// New builds a gateway client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("leakage detector is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "agent-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        httpClient,
		timeout:     timeout,
		detector:    opts.Detector,
		teamContext: opts.TeamContext,
		breaker:     breaker,
		limiter:     limiter,
		meter:       otel.Meter("github.com/veplatform/controlplane/gateway"),
		tracer:      otel.Tracer("github.com/veplatform/controlplane/gateway"),
	}, nil
}

// InvokeStream opens the SSE invocation and emits events until the terminal
// frame. Message and artifact content is scanned for leakage before emission;
// blocked content is replaced with the redaction placeholder. It never
// returns an error: failures surface as one EventError on the returned
// channel, which is always closed at end of stream.
func (c *Client) InvokeStream(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) <-chan Event {
	return c.scanEvents(ctx, agentCtx, agentType, c.rawStream(ctx, agentCtx, agentType, message))
}

func (c *Client) rawStream(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.stream(ctx, agentCtx, agentType, message, events)
	}()
	return events
}

// scanEvents redacts individual events the leakage detector blocks, so
// streamed output honors the same blocking rule as buffered output.
func (c *Client) scanEvents(ctx context.Context, agentCtx tenancy.AgentContext, agentType string, in <-chan Event) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type != EventError {
				alerts := c.detector.Scan(ev.Content, agentCtx.CustomerID())
				if c.detector.ShouldBlock(alerts) {
					log.Info(ctx, log.KV{K: "msg", V: "stream event blocked"},
						log.KV{K: "agent_type", V: agentType},
						log.KV{K: "alerts", V: len(alerts)})
					c.count(ctx, agentType, "blocked")
					ev.Content = tenancy.RedactedPlaceholder
				}
			}
			out <- ev
		}
	}()
	return out
}

// Invoke runs the streaming invocation to completion and returns the
// concatenated message text, scanned for leakage. High and critical alerts
// replace the text and set Blocked.
func (c *Client) Invoke(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.invoke",
		trace.WithAttributes(attribute.String("agent_type", agentType)))
	defer span.End()

	var parts []string
	var failure string
	for event := range c.rawStream(ctx, agentCtx, agentType, message) {
		switch event.Type {
		case EventMessage:
			parts = append(parts, event.Content)
		case EventError:
			failure = event.Content
		}
	}
	if len(parts) == 0 && failure != "" {
		span.SetStatus(codes.Error, failure)
		c.count(ctx, agentType, "error")
		return Result{}, fmt.Errorf("agent invocation failed: %s", failure)
	}
	text := strings.Join(parts, "")
	alerts := c.detector.Scan(text, agentCtx.CustomerID())
	if c.detector.ShouldBlock(alerts) {
		log.Info(ctx, log.KV{K: "msg", V: "agent response blocked"},
			log.KV{K: "agent_type", V: agentType},
			log.KV{K: "alerts", V: len(alerts)})
		c.count(ctx, agentType, "blocked")
		return Result{Message: tenancy.RedactedPlaceholder, Blocked: true}, nil
	}
	c.count(ctx, agentType, "ok")
	return Result{Message: text}, nil
}

// count records one completed invocation on the gateway.invocations counter.
// Uses the global MeterProvider; a no-op provider makes this free.
func (c *Client) count(ctx context.Context, agentType, outcome string) {
	counter, err := c.meter.Int64Counter("gateway.invocations")
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_type", agentType),
		attribute.String("outcome", outcome),
	))
}

func (c *Client) stream(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string, events chan<- Event) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			events <- Event{Type: EventError, Content: err.Error()}
			return
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.requestBody(ctx, agentCtx, agentType, message)
	if err != nil {
		events <- Event{Type: EventError, Content: err.Error()}
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(body))
	if err != nil {
		events <- Event{Type: EventError, Content: err.Error()}
		return
	}
	// Tenant identity comes from the caller context only, never from the
	// message payload or the agent response.
	req.Host = agentType + ".local"
	req.Header.Set("X-Customer-ID", agentCtx.CustomerID())
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	res, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("agent gateway returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		events <- Event{Type: EventError, Content: err.Error()}
		return
	}
	resp := res.(*http.Response)
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		final, err := emitFrame(payload, events)
		if err != nil {
			log.Debug(ctx, log.KV{K: "msg", V: "skipping malformed sse frame"})
			continue
		}
		if final {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- Event{Type: EventError, Content: err.Error()}
	}
}

// requestBody renders the JSON-RPC envelope, with the team-context prelude
// ahead of the user message when available.
func (c *Client) requestBody(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (string, error) {
	text := message
	if c.teamContext != nil {
		prelude, err := c.teamContext(ctx, agentCtx.CustomerID(), agentType)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "team context lookup failed"})
		} else if prelude != "" {
			text = prelude + "\n\n" + message
		}
	}
	contextID := agentCtx.SessionID()
	if contextID == "" {
		contextID = uuid.NewString()
	}
	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  "message/stream",
		"params": map[string]any{
			"message": map[string]any{
				"kind":      "message",
				"messageId": uuid.NewString(),
				"role":      "user",
				"parts":     []map[string]any{{"kind": "text", "text": text}},
				"contextId": contextID,
				"metadata":  map[string]any{"displaySource": "user"},
			},
			"metadata": map[string]any{},
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type ssePart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type sseFrame struct {
	Result struct {
		Final  bool `json:"final"`
		Status struct {
			Message struct {
				Parts []ssePart `json:"parts"`
			} `json:"message"`
		} `json:"status"`
		Artifact struct {
			Parts []ssePart `json:"parts"`
		} `json:"artifact"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// emitFrame publishes the events carried by one SSE data frame and reports
// whether it was the terminal frame.
func emitFrame(payload string, events chan<- Event) (bool, error) {
	var frame sseFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return false, err
	}
	if frame.Error != nil {
		events <- Event{Type: EventError, Content: frame.Error.Message}
		return true, nil
	}
	for _, part := range frame.Result.Status.Message.Parts {
		if part.Kind == "text" && part.Text != "" {
			events <- Event{Type: EventMessage, Content: part.Text}
		}
	}
	for _, part := range frame.Result.Artifact.Parts {
		if part.Text != "" {
			events <- Event{Type: EventArtifact, Content: part.Text}
		}
	}
	return frame.Result.Final, nil
}
