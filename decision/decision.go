// Package decision implements the delegation decision, routing, and planning
// activities. Model and agent responses are untrusted text: every decision is
// validated against a JSON schema, retried with a tightened prompt on
// contract violations, and finally replaced by a conservative handle-locally
// fallback.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/veplatform/controlplane/team"
	"github.com/veplatform/controlplane/tenancy"
)

// Decision actions.
const (
	ActionHandle           = "handle"
	ActionDelegate         = "delegate"
	ActionParallel         = "parallel"
	ActionAskClarification = "ask_clarification"
)

// Decision methods.
const (
	MethodAgent    = "agent"
	MethodModel    = "model"
	MethodFallback = "fallback"
	MethodKeyword  = "keyword"
)

// FallbackConfidence is reported when contract validation exhausts its
// retries and the engine handles locally.
const FallbackConfidence = 0.3

type (
	// Decision is the typed record returned by a delegation decision.
	Decision struct {
		Action      string   `json:"action"`
		DelegatedTo string   `json:"delegated_to,omitempty"`
		Subtasks    []string `json:"subtasks,omitempty"`
		Reason      string   `json:"reason"`
		Confidence  float64  `json:"confidence"`
		Method      string   `json:"method,omitempty"`
	}

	// DecideInput carries everything a decider needs for one decision.
	DecideInput struct {
		Context          tenancy.AgentContext `json:"context"`
		CurrentAgentType string               `json:"current_agent_type"`
		TaskDescription  string               `json:"task_description"`
		Peers            []team.Peer          `json:"peers"`
		UserFeedback     string               `json:"user_feedback,omitempty"`
	}

	// Decider produces a delegation decision.
	Decider interface {
		Decide(ctx context.Context, in DecideInput) (Decision, error)
	}

	// RouteInput carries the initial routing request.
	RouteInput struct {
		Context         tenancy.AgentContext `json:"context"`
		TaskDescription string               `json:"task_description"`
		Available       []string             `json:"available"`
		Bootstrap       string               `json:"bootstrap,omitempty"`
	}

	// RouteDecision names the chosen initial agent.
	RouteDecision struct {
		AgentType string `json:"agent_type"`
		Method    string `json:"method"`
	}

	// Router picks the initial agent for a task. It must never fail the
	// task outright; heuristics back the model path.
	Router interface {
		AnalyzeRouting(ctx context.Context, in RouteInput) (RouteDecision, error)
	}

	// PlanInput carries the planning request.
	PlanInput struct {
		Context         tenancy.AgentContext `json:"context"`
		TaskID          string               `json:"task_id"`
		TaskDescription string               `json:"task_description"`
		AgentType       string               `json:"agent_type"`
	}

	// PlanDraft is the drafted execution plan.
	PlanDraft struct {
		Steps     []string `json:"steps"`
		Timeline  string   `json:"timeline,omitempty"`
		Resources []string `json:"resources,omitempty"`
	}

	// Planner drafts a plan for a task.
	Planner interface {
		CreatePlan(ctx context.Context, in PlanInput) (PlanDraft, error)
	}
)

const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "reason", "confidence"],
  "properties": {
    "action": {"enum": ["handle", "delegate", "parallel", "ask_clarification"]},
    "delegated_to": {"type": "string"},
    "subtasks": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "reason": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "method": {"type": "string"}
  }
}`

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
    "timeline": {"type": "string"},
    "resources": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	decisionSchema = mustCompile("decision.json", decisionSchemaJSON)
	planSchema     = mustCompile("plan.json", planSchemaJSON)
)

func mustCompile(name, body string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("parse %s: %v", name, err))
	}
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// ParseDecision extracts and validates a decision from raw model or agent
// output. The payload may be bare JSON or wrapped in a fenced code block.
func ParseDecision(raw string) (Decision, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return Decision{}, fmt.Errorf("no JSON object found in response")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("parse decision: %w", err)
	}
	if err := decisionSchema.Validate(doc); err != nil {
		return Decision{}, fmt.Errorf("decision contract violation: %w", err)
	}
	var d Decision
	if err := unmarshalStrict(payload, &d); err != nil {
		return Decision{}, err
	}
	if d.Action == ActionDelegate && d.DelegatedTo == "" {
		return Decision{}, fmt.Errorf("decision contract violation: delegate requires delegated_to")
	}
	if d.Action == ActionParallel && len(d.Subtasks) == 0 {
		return Decision{}, fmt.Errorf("decision contract violation: parallel requires subtasks")
	}
	return d, nil
}

// ParsePlan extracts and validates a plan draft from raw output.
func ParsePlan(raw string) (PlanDraft, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return PlanDraft{}, fmt.Errorf("no JSON object found in response")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return PlanDraft{}, fmt.Errorf("parse plan: %w", err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return PlanDraft{}, fmt.Errorf("plan contract violation: %w", err)
	}
	var p PlanDraft
	if err := unmarshalStrict(payload, &p); err != nil {
		return PlanDraft{}, err
	}
	return p, nil
}

// Fallback returns the conservative decision used when validation retries
// are exhausted.
func Fallback() Decision {
	return Decision{
		Action:     ActionHandle,
		Reason:     "fallback",
		Confidence: FallbackConfidence,
		Method:     MethodFallback,
	}
}

func unmarshalStrict(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractJSON returns the first JSON object in text, honoring fenced code
// blocks.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
