package tenancy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordingAudit struct {
	events []string
}

func (r *recordingAudit) Record(_ context.Context, eventType, _, _ string, _ bool, _ map[string]any) {
	r.events = append(r.events, eventType)
}

func newAgentsRouter(audit AuditRecorder, capture *http.Request) http.Handler {
	r := chi.NewRouter()
	r.Route("/agents/{customer_id}", func(r chi.Router) {
		r.Use(Enforce(audit))
		r.Get("/tasks", func(w http.ResponseWriter, req *http.Request) {
			if capture != nil {
				*capture = *req
			}
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

func TestEnforceValidCustomer(t *testing.T) {
	audit := &recordingAudit{}
	var captured http.Request
	h := newAgentsRouter(audit, &captured)
	customer := uuid.NewString()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/"+customer+"/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	id, ok := CustomerIDFromContext(captured.Context())
	require.True(t, ok)
	require.Equal(t, customer, id)
	hash, ok := HashFromContext(captured.Context())
	require.True(t, ok)
	require.Len(t, hash, 64)
	require.Equal(t, []string{"context_enforced"}, audit.events)
}

func TestEnforceRejectsMalformedCustomer(t *testing.T) {
	audit := &recordingAudit{}
	h := newAgentsRouter(audit, nil)

	for _, bad := range []string{"nope", "12345678-1234-1234-1234-123456789012"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/"+bad+"/tasks", nil))
		require.Equal(t, http.StatusForbidden, rec.Code, bad)
	}
	require.Equal(t, []string{"context_enforcement_rejected", "context_enforcement_rejected"}, audit.events)
}
