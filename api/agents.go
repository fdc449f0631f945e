package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/veplatform/controlplane/taskstore"
	"github.com/veplatform/controlplane/tenancy"
)

type (
	hireRequest struct {
		AgentType   string `json:"agent_type"`
		PersonaName string `json:"persona_name,omitempty"`
	}

	invokeRequest struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id,omitempty"`
	}
)

func (s *Service) listMarketplace(w http.ResponseWriter, r *http.Request) {
	agents, err := s.catalog.List(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (s *Service) listHired(w http.ResponseWriter, r *http.Request) {
	customerID, _ := tenancy.CustomerIDFromContext(r.Context())
	agents, err := s.store.ListHiredAgents(r.Context(), customerID)
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

// hire persists the HiredAgent and opens the tenant's network path to the
// agent: route ensured, customer granted.
func (s *Service) hire(w http.ResponseWriter, r *http.Request) {
	customerID, _ := tenancy.CustomerIDFromContext(r.Context())
	var req hireRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentType == "" {
		respondError(w, http.StatusBadRequest, "agent_type is required")
		return
	}
	listing, err := s.catalog.Get(r.Context(), req.AgentType)
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	agent := taskstore.HiredAgent{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		AgentType:   listing.AgentType,
		PersonaName: req.PersonaName,
		Department:  listing.Department,
		Seniority:   listing.Seniority,
		Status:      "active",
		HiredAt:     time.Now().UTC(),
	}
	if err := s.store.InsertHiredAgent(r.Context(), agent); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	if _, err := s.fabric.CreateAgentRoute(r.Context(), agent.AgentType); err != nil {
		s.rollbackHire(r, customerID, agent.ID)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.fabric.GrantCustomerAccess(r.Context(), agent.AgentType, customerID); err != nil {
		s.rollbackHire(r, customerID, agent.ID)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, agent)
}

func (s *Service) rollbackHire(r *http.Request, customerID, agentID string) {
	if err := s.store.DeleteHiredAgent(r.Context(), customerID, agentID); err != nil {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "hire rollback failed"},
			log.KV{K: "agent_id", V: agentID})
	}
}

// unhire removes the HiredAgent and revokes the tenant's access. The route
// itself stays; other tenants may still hold grants.
func (s *Service) unhire(w http.ResponseWriter, r *http.Request) {
	customerID, _ := tenancy.CustomerIDFromContext(r.Context())
	agentID := chi.URLParam(r, "agent_id")
	agent, err := s.store.GetHiredAgent(r.Context(), customerID, agentID)
	if err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	if err := s.store.DeleteHiredAgent(r.Context(), customerID, agentID); err != nil {
		respondError(w, storeStatus(err), err.Error())
		return
	}
	if err := s.fabric.RevokeCustomerAccess(r.Context(), agent.AgentType, customerID); err != nil {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "access revocation failed"},
			log.KV{K: "agent_type", V: agent.AgentType})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) invoke(w http.ResponseWriter, r *http.Request) {
	customerID, _ := tenancy.CustomerIDFromContext(r.Context())
	var req invokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	agentCtx, ok := s.agentContext(w, r, customerID, req.SessionID)
	if !ok {
		return
	}
	result, err := s.invoker.Invoke(r.Context(), agentCtx, chi.URLParam(r, "agent_type"), req.Message)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// invokeStream relays gateway events to the caller as SSE frames.
func (s *Service) invokeStream(w http.ResponseWriter, r *http.Request) {
	customerID, _ := tenancy.CustomerIDFromContext(r.Context())
	var req invokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	agentCtx, ok := s.agentContext(w, r, customerID, req.SessionID)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.invoker.InvokeStream(r.Context(), agentCtx, chi.URLParam(r, "agent_type"), req.Message)
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error(r.Context(), err, log.KV{K: "msg", V: "encode stream event"})
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
