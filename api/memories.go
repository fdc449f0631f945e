package api

import (
	"net/http"
	"strconv"

	"github.com/veplatform/controlplane/memory"
	"github.com/veplatform/controlplane/tenancy"
)

type (
	addMemoryRequest struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	deleteMemoriesRequest struct {
		Filter map[string]any `json:"filter,omitempty"`
	}
)

const defaultMemoryLimit = 20

// scoped binds the raw memory store to the tenant resolved by the
// enforcement middleware. Handlers never touch the raw store.
func (s *Service) scoped(w http.ResponseWriter, r *http.Request) (*memory.ScopedMemory, bool) {
	customerID, _ := tenancy.CustomerIDFromContext(r.Context())
	scoped, err := memory.NewScoped(s.memory, customerID)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return nil, false
	}
	return scoped, true
}

// searchMemories runs a similarity search when q is given, otherwise lists
// the tenant's memories.
func (s *Service) searchMemories(w http.ResponseWriter, r *http.Request) {
	scoped, ok := s.scoped(w, r)
	if !ok {
		return
	}
	limit := defaultMemoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var (
		items []memory.Item
		err   error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		items, err = scoped.Search(r.Context(), q, limit)
	} else {
		items, err = scoped.Query(r.Context(), nil, limit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []memory.Item{}
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Service) addMemory(w http.ResponseWriter, r *http.Request) {
	scoped, ok := s.scoped(w, r)
	if !ok {
		return
	}
	var req addMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	id, err := scoped.Add(r.Context(), req.Content, req.Metadata)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// deleteMemories removes the tenant's memories matching the optional filter.
// The tenant predicate is composed by the scoped handle, so an empty filter
// clears only the caller's memories.
func (s *Service) deleteMemories(w http.ResponseWriter, r *http.Request) {
	scoped, ok := s.scoped(w, r)
	if !ok {
		return
	}
	var req deleteMemoriesRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	deleted, err := scoped.Delete(r.Context(), req.Filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
