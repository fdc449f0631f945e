// Package team implements delegation peer discovery. Given a tenant and the
// agent currently holding a task it computes the set of teammates that agent
// is allowed to delegate to, and renders the team-context block the
// invocation client prepends to agent messages.
package team

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/veplatform/controlplane/catalog"
	"github.com/veplatform/controlplane/taskstore"
)

type (
	// Peer is one delegation-allowed teammate.
	Peer struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		AgentType  string   `json:"agent_type"`
		Role       string   `json:"role"`
		Department string   `json:"department"`
		Tools      []string `json:"tools,omitempty"`
	}

	// Options configures the service.
	Options struct {
		Store   taskstore.Store
		Catalog catalog.Catalog
	}

	// Service resolves delegation peers.
	Service struct {
		store   taskstore.Store
		catalog catalog.Catalog
	}
)

// New builds a peer discovery service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("agent catalog is required")
	}
	return &Service{store: opts.Store, catalog: opts.Catalog}, nil
}

// Peers returns the teammates the current agent may delegate to:
// within its department a manager may target anyone and a senior may target
// juniors; across departments only the other department's manager is
// reachable. Self is always excluded.
func (s *Service) Peers(ctx context.Context, customerID, currentAgentType string) ([]Peer, error) {
	hired, err := s.store.ListHiredAgents(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list hired agents: %w", err)
	}
	current, ok := findByType(hired, currentAgentType)
	if !ok {
		return nil, fmt.Errorf("agent %s is not hired by customer", currentAgentType)
	}
	s.enrich(ctx, &current)

	var peers []Peer
	for _, candidate := range hired {
		if candidate.AgentType == currentAgentType {
			continue
		}
		s.enrich(ctx, &candidate)
		if !mayDelegate(current, candidate) {
			continue
		}
		peer := Peer{
			ID:         candidate.ID,
			Name:       candidate.PersonaName,
			AgentType:  candidate.AgentType,
			Role:       candidate.Seniority,
			Department: candidate.Department,
		}
		if entry, err := s.catalog.Get(ctx, candidate.AgentType); err == nil {
			peer.Tools = entry.Tools
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// TeamContext renders the prelude block for the invocation client. An agent
// with no delegation-allowed peers gets an empty prelude.
func (s *Service) TeamContext(ctx context.Context, customerID, agentType string) (string, error) {
	peers, err := s.Peers(ctx, customerID, agentType)
	if err != nil {
		return "", err
	}
	if len(peers) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("TEAM CONTEXT\nYou may delegate work to the following teammates by id:\n")
	for _, p := range peers {
		name := p.Name
		if name == "" {
			name = p.AgentType
		}
		fmt.Fprintf(&b, "- %s [id=%s, type=%s, role=%s, department=%s]", name, p.ID, p.AgentType, p.Role, p.Department)
		if len(p.Tools) > 0 {
			fmt.Fprintf(&b, " tools: %s", strings.Join(p.Tools, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Only delegate to teammates listed above.")
	return b.String(), nil
}

// enrich fills missing department and seniority from the catalog so role
// rules work for agents hired before those fields were recorded.
func (s *Service) enrich(ctx context.Context, agent *taskstore.HiredAgent) {
	if agent.Department != "" && agent.Seniority != "" {
		return
	}
	entry, err := s.catalog.Get(ctx, agent.AgentType)
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "catalog lookup failed"}, log.KV{K: "agent_type", V: agent.AgentType})
		return
	}
	if agent.Department == "" {
		agent.Department = entry.Department
	}
	if agent.Seniority == "" {
		agent.Seniority = entry.Seniority
	}
}

func mayDelegate(from, to taskstore.HiredAgent) bool {
	if from.Department == to.Department {
		if from.Seniority == taskstore.TierManager {
			return true
		}
		// Delegation flows strictly downward within a department.
		return taskstore.SeniorityRank(to.Seniority) > taskstore.SeniorityRank(from.Seniority)
	}
	return to.Seniority == taskstore.TierManager
}

func findByType(agents []taskstore.HiredAgent, agentType string) (taskstore.HiredAgent, bool) {
	for _, a := range agents {
		if a.AgentType == agentType {
			return a, true
		}
	}
	return taskstore.HiredAgent{}, false
}
