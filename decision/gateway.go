package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/veplatform/controlplane/gateway"
	"github.com/veplatform/controlplane/team"
	"github.com/veplatform/controlplane/tenancy"
)

// maxContractAttempts bounds the retry loop on contract violations.
const maxContractAttempts = 3

// OrchestratorAgentType is the designated system agent consulted for initial
// routing.
const OrchestratorAgentType = "system-orchestrator"

// Invoker is the slice of the gateway client the deciders need.
type Invoker interface {
	Invoke(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (gateway.Result, error)
}

// AgentDecider asks the agent currently holding the task to decide between
// handling, delegating, splitting, or asking for clarification.
type AgentDecider struct {
	invoker Invoker
}

// NewAgentDecider builds a gateway-backed decider.
func NewAgentDecider(invoker Invoker) (*AgentDecider, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	return &AgentDecider{invoker: invoker}, nil
}

// Decide runs the decision prompt and validates the response against the
// decision schema. Contract violations tighten the prompt and retry; after
// the last attempt the engine falls back to handling locally rather than
// failing the workflow.
func (d *AgentDecider) Decide(ctx context.Context, in DecideInput) (Decision, error) {
	prompt := decidePrompt(in)
	var lastErr error
	for attempt := 1; attempt <= maxContractAttempts; attempt++ {
		res, err := d.invoker.Invoke(ctx, in.Context, in.CurrentAgentType, prompt)
		if err != nil {
			return Decision{}, fmt.Errorf("decision invocation: %w", err)
		}
		if res.Blocked {
			return Decision{}, errors.New("decision response was blocked by the leakage detector")
		}
		decision, err := ParseDecision(res.Message)
		if err == nil {
			err = validateTarget(decision, in.Peers)
		}
		if err == nil {
			decision.Method = MethodAgent
			return decision, nil
		}
		lastErr = err
		log.Info(ctx, log.KV{K: "msg", V: "decision contract retry"},
			log.KV{K: "attempt", V: attempt},
			log.KV{K: "agent_type", V: in.CurrentAgentType})
		prompt = tightenPrompt(prompt, lastErr)
	}
	log.Error(ctx, lastErr, log.KV{K: "msg", V: "decision validation exhausted, handling locally"},
		log.KV{K: "agent_type", V: in.CurrentAgentType})
	return Fallback(), nil
}

// validateTarget rejects delegation targets outside the allowed peer set.
func validateTarget(d Decision, peers []team.Peer) error {
	if d.Action != ActionDelegate {
		return nil
	}
	for _, p := range peers {
		if p.AgentType == d.DelegatedTo || p.ID == d.DelegatedTo {
			return nil
		}
	}
	return fmt.Errorf("decision contract violation: %q is not a delegation-allowed teammate", d.DelegatedTo)
}

func decidePrompt(in DecideInput) string {
	var b strings.Builder
	b.WriteString("You are deciding how to progress the following task.\n\nTASK\n")
	b.WriteString(in.TaskDescription)
	if in.UserFeedback != "" {
		b.WriteString("\n\nUSER FEEDBACK\n")
		b.WriteString(in.UserFeedback)
	}
	if len(in.Peers) > 0 {
		b.WriteString("\n\nTEAMMATES\n")
		for _, p := range in.Peers {
			fmt.Fprintf(&b, "- %s (role=%s, department=%s)\n", p.AgentType, p.Role, p.Department)
		}
	}
	b.WriteString(`
Respond with a single JSON object and nothing else:
{"action": "handle|delegate|parallel|ask_clarification",
 "delegated_to": "<teammate agent type, required for delegate>",
 "subtasks": ["<subtask>", ...],
 "reason": "<why>",
 "confidence": <0..1>}`)
	return b.String()
}

func tightenPrompt(prompt string, violation error) string {
	return prompt + fmt.Sprintf(
		"\n\nYour previous response was invalid: %v.\nRespond with ONLY the JSON object, no prose, no code fences.", violation)
}

// AgentRouter delegates initial routing to the system orchestrator agent and
// falls back to a keyword heuristic. It never fails a task: the worst case
// is the bootstrap agent.
type AgentRouter struct {
	invoker Invoker
}

// NewAgentRouter builds the router.
func NewAgentRouter(invoker Invoker) (*AgentRouter, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	return &AgentRouter{invoker: invoker}, nil
}

// AnalyzeRouting picks the initial agent type for a task.
func (r *AgentRouter) AnalyzeRouting(ctx context.Context, in RouteInput) (RouteDecision, error) {
	prompt := fmt.Sprintf(`Choose the best agent to own this task.

TASK
%s

CANDIDATES
%s

Respond with a single JSON object: {"primary_agent": "<agent type>"}`,
		in.TaskDescription, strings.Join(in.Available, "\n"))

	res, err := r.invoker.Invoke(ctx, in.Context, OrchestratorAgentType, prompt)
	if err == nil && !res.Blocked {
		var parsed struct {
			PrimaryAgent string `json:"primary_agent"`
		}
		if payload := extractJSON(res.Message); payload != "" {
			if uerr := unmarshalStrict(payload, &parsed); uerr == nil && contains(in.Available, parsed.PrimaryAgent) {
				return RouteDecision{AgentType: parsed.PrimaryAgent, Method: MethodAgent}, nil
			}
		}
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "orchestrator routing failed, using keyword heuristic"})
	}
	return KeywordRoute(in), nil
}

// domainKeywords maps description keywords onto the manager agent type for
// the matching department.
var domainKeywords = []struct {
	manager  string
	keywords []string
}{
	{"marketing-manager", []string{"marketing", "campaign", "content", "seo", "brand", "social media"}},
	{"sales-manager", []string{"sales", "lead", "crm", "outreach", "pipeline", "prospect"}},
	{"finance-manager", []string{"budget", "invoice", "finance", "accounting", "expense"}},
	{"hr-manager", []string{"hiring", "onboarding", "recruit", "wellness", "benefits"}},
	{"engineering-manager", []string{"code", "bug", "deploy", "api", "infrastructure"}},
	{"support-manager", []string{"ticket", "support", "complaint", "customer service"}},
}

// KeywordRoute applies the heuristic fallback. It always returns an agent:
// the keyword match when hired, then the bootstrap agent, then the first
// available candidate.
func KeywordRoute(in RouteInput) RouteDecision {
	desc := strings.ToLower(in.TaskDescription)
	for _, domain := range domainKeywords {
		for _, kw := range domain.keywords {
			if strings.Contains(desc, kw) && contains(in.Available, domain.manager) {
				return RouteDecision{AgentType: domain.manager, Method: MethodKeyword}
			}
		}
	}
	if in.Bootstrap != "" && contains(in.Available, in.Bootstrap) {
		return RouteDecision{AgentType: in.Bootstrap, Method: MethodFallback}
	}
	if len(in.Available) > 0 {
		return RouteDecision{AgentType: in.Available[0], Method: MethodFallback}
	}
	return RouteDecision{AgentType: in.Bootstrap, Method: MethodFallback}
}

// AgentPlanner drafts task plans through the owning agent.
type AgentPlanner struct {
	invoker Invoker
}

// NewAgentPlanner builds the planner.
func NewAgentPlanner(invoker Invoker) (*AgentPlanner, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	return &AgentPlanner{invoker: invoker}, nil
}

// CreatePlan asks the agent for a structured plan. Contract violations are
// retried with a tightened prompt; exhaustion is an error the workflow turns
// into a failed task.
func (p *AgentPlanner) CreatePlan(ctx context.Context, in PlanInput) (PlanDraft, error) {
	prompt := fmt.Sprintf(`Draft an execution plan for this task.

TASK
%s

Respond with a single JSON object:
{"steps": ["<step>", ...], "timeline": "<estimate>", "resources": ["<resource>", ...]}`,
		in.TaskDescription)

	var lastErr error
	for attempt := 1; attempt <= maxContractAttempts; attempt++ {
		res, err := p.invoker.Invoke(ctx, in.Context, in.AgentType, prompt)
		if err != nil {
			return PlanDraft{}, fmt.Errorf("plan invocation: %w", err)
		}
		if res.Blocked {
			return PlanDraft{}, errors.New("plan response was blocked by the leakage detector")
		}
		draft, err := ParsePlan(res.Message)
		if err == nil {
			return draft, nil
		}
		lastErr = err
		prompt = tightenPrompt(prompt, err)
	}
	return PlanDraft{}, fmt.Errorf("plan validation exhausted: %w", lastErr)
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
