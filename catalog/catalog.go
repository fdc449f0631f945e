// Package catalog exposes the marketplace agent catalog. The primary source
// is the KAgent CRD API read through the Kubernetes dynamic client; listings
// are cached for five minutes and a static fallback serves reads when the
// cluster is unreachable.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"goa.design/clue/log"
)

// AgentGVR locates KAgent agent definitions.
var AgentGVR = schema.GroupVersionResource{
	Group:    "kagent.dev",
	Version:  "v1alpha2",
	Resource: "agents",
}

// ErrAgentUnknown reports a lookup for an agent type absent from the catalog.
var ErrAgentUnknown = errors.New("unknown agent type")

const (
	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
	listCacheKey = "marketplace-agents"
)

type (
	// Agent is one marketplace catalog entry, tenant-neutral.
	Agent struct {
		AgentType   string   `json:"agent_type"`
		DisplayName string   `json:"display_name,omitempty"`
		Description string   `json:"description,omitempty"`
		Department  string   `json:"department,omitempty"`
		Seniority   string   `json:"seniority,omitempty"`
		Tools       []string `json:"tools,omitempty"`
	}

	// Catalog lists and resolves marketplace agents.
	Catalog interface {
		List(ctx context.Context) ([]Agent, error)
		Get(ctx context.Context, agentType string) (Agent, error)
	}

	// Options configures the cluster-backed catalog.
	Options struct {
		Client    dynamic.Interface
		Namespace string
		// Fallback serves reads when the cluster list fails and the cache
		// is cold. Optional.
		Fallback []Agent
	}

	// KubeCatalog reads agent definitions from the KAgent CRD API.
	KubeCatalog struct {
		client    dynamic.Interface
		namespace string
		fallback  []Agent
		cache     *gocache.Cache
	}
)

// New builds a cluster-backed catalog.
func New(opts Options) (*KubeCatalog, error) {
	if opts.Client == nil {
		return nil, errors.New("dynamic client is required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	return &KubeCatalog{
		client:    opts.Client,
		namespace: opts.Namespace,
		fallback:  opts.Fallback,
		cache:     gocache.New(cacheTTL, cacheCleanup),
	}, nil
}

// List returns every marketplace agent, served from cache when fresh.
func (c *KubeCatalog) List(ctx context.Context) ([]Agent, error) {
	if cached, ok := c.cache.Get(listCacheKey); ok {
		return cached.([]Agent), nil
	}
	list, err := c.client.Resource(AgentGVR).Namespace(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "agent catalog list failed"})
		if c.fallback != nil {
			return c.fallback, nil
		}
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]Agent, 0, len(list.Items))
	for i := range list.Items {
		agents = append(agents, parseAgent(&list.Items[i]))
	}
	c.cache.Set(listCacheKey, agents, gocache.DefaultExpiration)
	return agents, nil
}

// Get resolves one agent type.
func (c *KubeCatalog) Get(ctx context.Context, agentType string) (Agent, error) {
	agents, err := c.List(ctx)
	if err != nil {
		return Agent{}, err
	}
	for _, a := range agents {
		if a.AgentType == agentType {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("%w: %s", ErrAgentUnknown, agentType)
}

// parseAgent maps a KAgent object onto a catalog entry. Department and
// seniority ride on well-known labels; tool names come from the MCP server
// tool references in the spec.
func parseAgent(obj *unstructured.Unstructured) Agent {
	agent := Agent{AgentType: obj.GetName()}
	labels := obj.GetLabels()
	agent.Department = labels["veplatform.io/department"]
	agent.Seniority = labels["veplatform.io/seniority"]
	if v, ok, _ := unstructured.NestedString(obj.Object, "spec", "description"); ok {
		agent.Description = v
	}
	if v, ok := obj.GetAnnotations()["veplatform.io/display-name"]; ok {
		agent.DisplayName = v
	}
	tools, ok, _ := unstructured.NestedSlice(obj.Object, "spec", "tools")
	if !ok {
		return agent
	}
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		names, ok, _ := unstructured.NestedStringSlice(tool, "mcpServer", "toolNames")
		if !ok {
			continue
		}
		agent.Tools = append(agent.Tools, names...)
	}
	return agent
}

// Static is a fixed catalog for tests and dev mode.
type Static struct {
	Agents []Agent
}

// List returns the fixed agent set.
func (s *Static) List(context.Context) ([]Agent, error) { return s.Agents, nil }

// Get resolves one agent type from the fixed set.
func (s *Static) Get(_ context.Context, agentType string) (Agent, error) {
	for _, a := range s.Agents {
		if a.AgentType == agentType {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("%w: %s", ErrAgentUnknown, agentType)
}
