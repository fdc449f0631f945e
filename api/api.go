// Package api exposes the control plane's HTTP surface: tenant-facing agent
// routes under /agents/{customer_id}/... guarded by the context-enforcement
// middleware, and task routes under /api/tasks that drive the durable
// workflows.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/log"

	"github.com/veplatform/controlplane/accessfabric"
	"github.com/veplatform/controlplane/catalog"
	"github.com/veplatform/controlplane/gateway"
	"github.com/veplatform/controlplane/memory"
	"github.com/veplatform/controlplane/orchestration"
	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/tenancy"
)

type (
	// TaskFlow is the slice of the orchestration router the API needs.
	TaskFlow interface {
		Route(ctx context.Context, agentCtx tenancy.AgentContext, task taskstore.Task) error
		Assign(ctx context.Context, agentCtx tenancy.AgentContext, task taskstore.Task, veID string) error
		ApprovePlan(ctx context.Context, taskID string) error
		ProvideFeedback(ctx context.Context, taskID, feedback string) error
		Pause(ctx context.Context, taskID string) error
		Resume(ctx context.Context, taskID string) error
		Cancel(ctx context.Context, taskID string) error
		Terminate(ctx context.Context, taskID, reason string) error
		DelegationState(ctx context.Context, taskID string) (orchestration.DelegationStatus, error)
		DelegationChain(ctx context.Context, taskID string) ([]string, error)
	}

	// AgentInvoker is the slice of the gateway client the API needs.
	AgentInvoker interface {
		Invoke(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) (gateway.Result, error)
		InvokeStream(ctx context.Context, agentCtx tenancy.AgentContext, agentType, message string) <-chan gateway.Event
	}

	// AccessManager is the slice of the access fabric the hire flow needs.
	AccessManager interface {
		CreateAgentRoute(ctx context.Context, agentType string) (accessfabric.RouteInfo, error)
		GrantCustomerAccess(ctx context.Context, agentType, customerID string) error
		RevokeCustomerAccess(ctx context.Context, agentType, customerID string) error
	}

	// Options wires the API service.
	Options struct {
		Store   taskstore.Store
		Flow    TaskFlow
		Invoker AgentInvoker
		Fabric  AccessManager
		Catalog catalog.Catalog
		Memory  memory.Store
		Audit   tenancy.AuditRecorder
	}

	// Service handles the HTTP surface.
	Service struct {
		store   taskstore.Store
		flow    TaskFlow
		invoker AgentInvoker
		fabric  AccessManager
		catalog catalog.Catalog
		memory  memory.Store
		audit   tenancy.AuditRecorder
	}
)

// New validates the wiring and builds the service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("task store is required")
	case opts.Flow == nil:
		return nil, errors.New("task flow is required")
	case opts.Invoker == nil:
		return nil, errors.New("agent invoker is required")
	case opts.Fabric == nil:
		return nil, errors.New("access fabric is required")
	case opts.Catalog == nil:
		return nil, errors.New("agent catalog is required")
	case opts.Memory == nil:
		return nil, errors.New("memory store is required")
	}
	return &Service{
		store:   opts.Store,
		flow:    opts.Flow,
		invoker: opts.Invoker,
		fabric:  opts.Fabric,
		catalog: opts.Catalog,
		memory:  opts.Memory,
		audit:   opts.Audit,
	}, nil
}

// Handler builds the chi router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/agents/{customer_id}", func(r chi.Router) {
		r.Use(tenancy.Enforce(s.audit))
		r.Get("/marketplace", s.listMarketplace)
		r.Get("/hired", s.listHired)
		r.Post("/hired", s.hire)
		r.Delete("/hired/{agent_id}", s.unhire)
		r.Post("/invoke/{agent_type}", s.invoke)
		r.Post("/invoke/{agent_type}/stream", s.invokeStream)
		r.Get("/memories", s.searchMemories)
		r.Post("/memories", s.addMemory)
		r.Delete("/memories", s.deleteMemories)
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/{task_id}", s.getTask)
		r.Patch("/{task_id}", s.patchTask)
		r.Delete("/{task_id}", s.deleteTask)
		r.Get("/{task_id}/comments", s.listTaskComments)
		r.Get("/{task_id}/delegation", s.delegationStatus)
		r.Post("/{task_id}/plan/approve", s.approvePlan)
		r.Post("/{task_id}/feedback", s.provideFeedback)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// customerHeader names the header task routes derive the tenant from. Agent
// routes carry the tenant in the path instead.
const customerHeader = "X-Customer-ID"

// tenant resolves the customer id for task routes. Auth is out of scope;
// the session-derived id arrives as a header and must still be a UUID v4.
func (s *Service) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	customerID := r.Header.Get(customerHeader)
	if !tenancy.IsUUIDv4(customerID) {
		respondError(w, http.StatusForbidden, "invalid or missing customer id")
		return "", false
	}
	return customerID, true
}

func (s *Service) agentContext(w http.ResponseWriter, r *http.Request, customerID, sessionID string) (tenancy.AgentContext, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "customer"
	}
	agentCtx, err := tenancy.NewAgentContext(customerID, userID, nil, sessionID)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return tenancy.AgentContext{}, false
	}
	return agentCtx, true
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Error(context.Background(), err, log.KV{K: "msg", V: "encode response"})
		}
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// storeStatus maps store sentinels to HTTP statuses.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound),
		errors.Is(err, taskstore.ErrPlanNotFound),
		errors.Is(err, taskstore.ErrAgentNotFound),
		errors.Is(err, catalog.ErrAgentUnknown):
		return http.StatusNotFound
	case errors.Is(err, taskstore.ErrTerminalTask),
		errors.Is(err, accessfabric.ErrRouteProtected):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
