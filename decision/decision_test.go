package decision

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/veplatform/controlplane/gateway"
	"github.com/veplatform/controlplane/team"
	"github.com/veplatform/controlplane/tenancy"
)

func testAgentContext(t *testing.T) tenancy.AgentContext {
	t.Helper()
	ctx, err := tenancy.NewAgentContext(uuid.NewString(), "user-1", nil, "")
	require.NoError(t, err)
	return ctx
}

type fakeInvoker struct {
	responses []string
	prompts   []string
	err       error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ tenancy.AgentContext, _ string, message string) (gateway.Result, error) {
	if f.err != nil {
		return gateway.Result{}, f.err
	}
	f.prompts = append(f.prompts, message)
	i := len(f.prompts) - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return gateway.Result{Message: f.responses[i]}, nil
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(`{"action":"handle","reason":"simple task","confidence":0.9}`)
	require.NoError(t, err)
	require.Equal(t, ActionHandle, d.Action)
	require.InDelta(t, 0.9, d.Confidence, 1e-9)

	// Fenced responses are unwrapped.
	d, err = ParseDecision("Here is my choice:\n```json\n{\"action\":\"delegate\",\"delegated_to\":\"content-writer\",\"reason\":\"writing task\",\"confidence\":0.8}\n```")
	require.NoError(t, err)
	require.Equal(t, "content-writer", d.DelegatedTo)

	// Contract violations.
	for _, raw := range []string{
		"no json here",
		`{"action":"invent","reason":"r","confidence":0.5}`,
		`{"action":"handle","confidence":0.5}`,
		`{"action":"handle","reason":"r","confidence":1.5}`,
		`{"action":"delegate","reason":"r","confidence":0.5}`,
		`{"action":"parallel","reason":"r","confidence":0.5}`,
	} {
		_, err := ParseDecision(raw)
		require.Error(t, err, raw)
	}
}

func TestAgentDeciderRetriesThenSucceeds(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{
		"sure, I'll think about it",
		`{"action":"handle","reason":"I can do this","confidence":0.85}`,
	}}
	d, err := NewAgentDecider(invoker)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), DecideInput{
		Context:          testAgentContext(t),
		CurrentAgentType: "marketing-manager",
		TaskDescription:  "Write Q1 marketing plan",
	})
	require.NoError(t, err)
	require.Equal(t, ActionHandle, decision.Action)
	require.Equal(t, MethodAgent, decision.Method)
	require.Len(t, invoker.prompts, 2)
	// Retry prompts carry the violation.
	require.Contains(t, invoker.prompts[1], "previous response was invalid")
}

func TestAgentDeciderFallsBackAfterExhaustion(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{"not json"}}
	d, err := NewAgentDecider(invoker)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), DecideInput{
		Context:          testAgentContext(t),
		CurrentAgentType: "marketing-manager",
		TaskDescription:  "task",
	})
	require.NoError(t, err)
	require.Equal(t, Fallback(), decision)
	require.Len(t, invoker.prompts, maxContractAttempts)
}

func TestAgentDeciderRejectsUnknownDelegationTarget(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{
		`{"action":"delegate","delegated_to":"stranger","reason":"r","confidence":0.9}`,
		`{"action":"delegate","delegated_to":"content-writer","reason":"r","confidence":0.9}`,
	}}
	d, err := NewAgentDecider(invoker)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), DecideInput{
		Context:          testAgentContext(t),
		CurrentAgentType: "marketing-manager",
		TaskDescription:  "task",
		Peers:            []team.Peer{{ID: "v1", AgentType: "content-writer"}},
	})
	require.NoError(t, err)
	require.Equal(t, "content-writer", decision.DelegatedTo)
	require.Len(t, invoker.prompts, 2)
}

func TestAgentRouterParsesPrimaryAgent(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{`{"primary_agent":"marketing-manager"}`}}
	r, err := NewAgentRouter(invoker)
	require.NoError(t, err)

	out, err := r.AnalyzeRouting(context.Background(), RouteInput{
		Context:         testAgentContext(t),
		TaskDescription: "Write Q1 marketing plan",
		Available:       []string{"marketing-manager", "sales-manager"},
	})
	require.NoError(t, err)
	require.Equal(t, "marketing-manager", out.AgentType)
	require.Equal(t, MethodAgent, out.Method)
}

func TestAgentRouterFallsBackToKeywords(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{"garbage"}}
	r, err := NewAgentRouter(invoker)
	require.NoError(t, err)

	out, err := r.AnalyzeRouting(context.Background(), RouteInput{
		Context:         testAgentContext(t),
		TaskDescription: "Plan the product launch campaign",
		Available:       []string{"sales-manager", "marketing-manager"},
	})
	require.NoError(t, err)
	require.Equal(t, "marketing-manager", out.AgentType)
	require.Equal(t, MethodKeyword, out.Method)
}

func TestKeywordRoute(t *testing.T) {
	available := []string{"marketing-manager", "sales-manager", "hr-manager"}

	out := KeywordRoute(RouteInput{TaskDescription: "Qualify inbound leads", Available: available})
	require.Equal(t, "sales-manager", out.AgentType)

	// No keyword match uses the bootstrap agent.
	out = KeywordRoute(RouteInput{TaskDescription: "miscellaneous", Available: available, Bootstrap: "hr-manager"})
	require.Equal(t, "hr-manager", out.AgentType)
	require.Equal(t, MethodFallback, out.Method)

	// No bootstrap uses the first candidate.
	out = KeywordRoute(RouteInput{TaskDescription: "miscellaneous", Available: available})
	require.Equal(t, "marketing-manager", out.AgentType)
}

func TestAgentPlanner(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{
		`{"steps":["Research audience","Draft outline","Review"],"timeline":"2 weeks","resources":["analytics"]}`,
	}}
	p, err := NewAgentPlanner(invoker)
	require.NoError(t, err)

	draft, err := p.CreatePlan(context.Background(), PlanInput{
		Context:         testAgentContext(t),
		TaskID:          "t1",
		TaskDescription: "Write Q1 marketing plan",
		AgentType:       "marketing-manager",
	})
	require.NoError(t, err)
	require.Len(t, draft.Steps, 3)
	require.Equal(t, "2 weeks", draft.Timeline)
}

func TestAgentPlannerErrorsAfterExhaustion(t *testing.T) {
	invoker := &fakeInvoker{responses: []string{`{"steps":[]}`}}
	p, err := NewAgentPlanner(invoker)
	require.NoError(t, err)

	_, err = p.CreatePlan(context.Background(), PlanInput{
		Context:         testAgentContext(t),
		TaskDescription: "task",
		AgentType:       "marketing-manager",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "plan validation exhausted")
}
